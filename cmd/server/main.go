package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/roomrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	fmt.Println("Starting room relay...")

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv := server.New(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("relay listener: %w", err)
		}
	}()
	if config.HTTPAddr != "" {
		go func() {
			if err := srv.ListenAndServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http gateway: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-errCh:
		log.Printf("Server error: %v", err)
	}

	if err := srv.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Shutdown finished with errors: %v", err)
		os.Exit(1)
	}
	log.Println("Server stopped")
}

// loadConfig reads the optional config file and then applies environment
// overrides on top of it.
func loadConfig(path string) (*server.Config, error) {
	config := server.NewConfig()
	if path != "" {
		var err error
		config, err = server.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
	}
	server.ApplyEnv(config)
	return config, nil
}
