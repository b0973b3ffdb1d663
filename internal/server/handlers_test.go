package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/client"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/server"
	th "github.com/Tyrowin/roomrelay/internal/testhelpers"
)

const testOrigin = "http://localhost:8081"

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// startGateway serves srv's HTTP routes on a test server.
func startGateway(t *testing.T, srv *server.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		method string
	}{
		{name: "GET request to health endpoint", method: http.MethodGet},
		{name: "POST request to health endpoint", method: http.MethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", http.NoBody)
			rr := httptest.NewRecorder()

			server.HealthHandler(rr, req)

			require.Equal(t, http.StatusOK, rr.Code)
			require.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
			require.Equal(t, "Relay server is running!", rr.Body.String())
		})
	}
}

func TestStatsHandler(t *testing.T) {
	srv, addr := th.StartRelay(t, nil)
	roomWith(t, addr, "alice", "bob")
	_, err := srv.Rooms().Create("empty")
	require.NoError(t, err)

	ts := startGateway(t, srv)
	resp := th.MakeRequest(t, http.MethodGet, ts.URL+"/rooms")
	defer resp.Body.Close()

	th.AssertStatusCode(t, resp, http.StatusOK)
	th.AssertContentType(t, resp, "application/json")

	var stats server.StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 2, stats.Connections)
	require.Len(t, stats.Clients, 2)
	require.Equal(t, "alice", stats.Clients[0].Name)
	require.Equal(t, []server.RoomSummary{
		{ID: 1, Name: "lobby", Members: 2},
		{ID: 2, Name: "empty", Members: 0},
	}, stats.Rooms)
	require.Empty(t, stats.Transfers)

	post := th.MakeRequest(t, http.MethodPost, ts.URL+"/rooms")
	defer post.Body.Close()
	th.AssertStatusCode(t, post, http.StatusMethodNotAllowed)
}

func TestWebSocketHandlerMethodValidation(t *testing.T) {
	srv := server.New(th.TestConfig())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/ws", http.NoBody)
			rr := httptest.NewRecorder()

			srv.WebSocketHandler(rr, req)

			require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		})
	}
}

func TestWebSocketHandlerWithoutUpgrade(t *testing.T) {
	srv := server.New(th.TestConfig())
	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Origin", testOrigin)
	rr := httptest.NewRecorder()

	srv.WebSocketHandler(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebSocketOriginValidation(t *testing.T) {
	srv, _ := th.StartRelay(t, nil)
	ts := startGateway(t, srv)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "allowed origin", origin: testOrigin, ok: true},
		{name: "foreign origin", origin: "http://evil.example", ok: false},
		{name: "missing origin", origin: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := th.ConnectWebSocket(wsURL(ts.URL), tt.origin)
			if tt.ok {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

// Gateway clients and TCP clients share rooms.
func TestWebSocketGatewayJoinsTCPRoom(t *testing.T) {
	srv, addr := th.StartRelay(t, nil)
	ts := startGateway(t, srv)
	roomID, clients := roomWith(t, addr, "alice")
	alice := clients[0]

	ctx, cancel := context.WithTimeout(context.Background(), th.EventTimeout)
	defer cancel()
	web, err := client.DialWebSocket(ctx, wsURL(ts.URL), testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = web.Close() })

	require.NoError(t, web.Join("webby"))
	th.Expect(t, web, protocol.KindWelcome)
	th.JoinRoom(t, web, roomID)
	th.Expect(t, alice, protocol.KindBroadcast)

	require.NoError(t, web.Send("from the browser"))
	msg := th.Expect(t, alice, protocol.KindBroadcast)
	require.Equal(t, "from the browser", msg.Content)
	require.Equal(t, "webby", msg.SenderName)

	require.NoError(t, alice.Send("from tcp"))
	require.Equal(t, "from tcp", th.Expect(t, web, protocol.KindBroadcast).Content)

	require.Equal(t, 2, srv.Hub().Count())
	require.NoError(t, web.Quit())
	require.Equal(t, "webby left the room", th.Expect(t, alice, protocol.KindBroadcast).Content)
	th.Eventually(t, func() bool { return srv.Hub().Count() == 1 })
}

func TestCreateServer(t *testing.T) {
	hs := server.CreateServer(":0", http.NewServeMux())

	require.Equal(t, ":0", hs.Addr)
	require.Equal(t, 15*time.Second, hs.ReadTimeout)
	require.Equal(t, 15*time.Second, hs.WriteTimeout)
	require.Equal(t, 60*time.Second, hs.IdleTimeout)
	require.NotZero(t, hs.ReadHeaderTimeout)
}
