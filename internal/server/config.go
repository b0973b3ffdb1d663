// Package server provides configuration helpers that define runtime defaults,
// validation, and limits for the relay service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the relay configuration settings.
type Config struct {
	// ListenAddr is the raw TCP endpoint clients stream frames to.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves health, stats and the WebSocket gateway. Empty disables it.
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	MaxConnections    int `yaml:"max_connections"`
	MaxRooms          int `yaml:"max_rooms"`
	MaxMembersPerRoom int `yaml:"max_members_per_room"`

	SendQueueSize int           `yaml:"send_queue_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`

	// AllowRename lets an authenticated connection send join again to
	// change its display name. Other room members are not notified.
	AllowRename bool `yaml:"allow_rename"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

const (
	defaultListenAddr        = ":8080"
	defaultHTTPAddr          = ":8081"
	defaultMaxConnections    = 256
	defaultMaxRooms          = 50
	defaultMaxMembersPerRoom = 20
	defaultSendQueueSize     = 256
	defaultWriteTimeout      = 10 * time.Second
	defaultRateBurst         = 5
	defaultRefillInterval    = time.Second
)

func defaultConfig() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		HTTPAddr:   defaultHTTPAddr,
		AllowedOrigins: []string{
			"http://localhost:8081",
		},
		MaxConnections:    defaultMaxConnections,
		MaxRooms:          defaultMaxRooms,
		MaxMembersPerRoom: defaultMaxMembersPerRoom,
		SendQueueSize:     defaultSendQueueSize,
		WriteTimeout:      defaultWriteTimeout,
		AllowRename:       true,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRefillInterval,
		},
	}
}

// sanitizeConfig replaces unset or invalid values with defaults. HTTPAddr is
// left alone so an empty value can disable the gateway.
func sanitizeConfig(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}

	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = defaultMaxRooms
	}

	if cfg.MaxMembersPerRoom <= 0 {
		cfg.MaxMembersPerRoom = defaultMaxMembersPerRoom
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfigFile reads a YAML config file on top of the defaults. Keys missing
// from the file keep their default values.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	ApplyEnv(&cfg)
	return &cfg
}

// ApplyEnv overrides cfg with any relay environment variables that are set.
func ApplyEnv(cfg *Config) {
	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.ListenAddr = normalizeAddr(port)
	}

	// Load HTTP_ADDR; "off" disables the gateway
	if addr, ok := os.LookupEnv("HTTP_ADDR"); ok {
		if strings.EqualFold(addr, "off") {
			cfg.HTTPAddr = ""
		} else if addr != "" {
			cfg.HTTPAddr = normalizeAddr(addr)
		}
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		cfg.MaxConnections = parseIntValue(v, cfg.MaxConnections)
	}

	if v := os.Getenv("MAX_ROOMS"); v != "" {
		cfg.MaxRooms = parseIntValue(v, cfg.MaxRooms)
	}

	if v := os.Getenv("MAX_ROOM_MEMBERS"); v != "" {
		cfg.MaxMembersPerRoom = parseIntValue(v, cfg.MaxMembersPerRoom)
	}

	if v := os.Getenv("ALLOW_RENAME"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			cfg.AllowRename = allow
		}
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
}

// normalizeAddr turns a bare port such as "9000" into ":9000".
func normalizeAddr(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts either whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
