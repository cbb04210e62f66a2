package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/agentcall/internal/app"
	"github.com/dkeye/agentcall/internal/app/orch"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:             "release",
		Secret:           "test-secret",
		ReadLimit:        65536,
		PingPeriod:       time.Second,
		SendBuffer:       16,
		JoinRateLimit:    10,
		JoinRateInterval: time.Second,
		ICEServers:       []config.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		Trunk:            config.TrunkConfig{Registrar: "wss://sip.example.com", Realm: "example.com"},
	}
}

func newServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	o := orch.New(app.NewRegistry(), app.NewRoomDirectory(), app.SimplePolicy{})
	srv := httptest.NewServer(SetupRouter(ctx, testConfig(), o))
	t.Cleanup(srv.Close)
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// expect reads until a message of the given type arrives.
func expect(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, ws.ReadJSON(&m), "waiting for %s", typ)
		if m["type"] == typ {
			return m
		}
	}
}

func TestSignalingEndToEnd(t *testing.T) {
	srv, o := newServer(t)

	a := dial(t, srv)
	send(t, a, map[string]any{"type": "register", "userId": "alice", "agentId": "a1", "extension": "100"})
	aID := expect(t, a, "registered")["socketId"].(string)
	require.NotEmpty(t, aID)

	send(t, a, map[string]any{"type": "join-room", "roomId": "R1"})
	assert.Empty(t, expect(t, a, "room-users")["users"])

	b := dial(t, srv)
	send(t, b, map[string]any{"type": "register", "userId": "bob", "agentId": "b1", "extension": "200"})
	bID := expect(t, b, "registered")["socketId"].(string)

	send(t, b, map[string]any{"type": "join-room", "roomId": "R1"})
	users := expect(t, b, "room-users")["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, aID, users[0].(map[string]any)["socketId"])

	joined := expect(t, a, "user-joined")
	assert.Equal(t, bID, joined["socketId"])
	assert.Equal(t, "bob", joined["userId"])

	send(t, b, map[string]any{
		"type":           "offer",
		"roomId":         "R1",
		"targetSocketId": aID,
		"offer":          map[string]any{"type": "offer", "sdp": "v=0"},
	})
	offer := expect(t, a, "offer")
	assert.Equal(t, bID, offer["fromSocketId"])
	assert.Equal(t, "v=0", offer["offer"].(map[string]any)["sdp"])

	send(t, a, map[string]any{"type": "mute-audio", "roomId": "R1", "muted": true})
	muted := expect(t, b, "user-audio-muted")
	assert.Equal(t, aID, muted["socketId"])
	assert.Equal(t, true, muted["muted"])

	require.NoError(t, b.Close())
	left := expect(t, a, "user-left")
	assert.Equal(t, bID, left["socketId"])

	assert.Eventually(t, func() bool {
		return o.Registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, o.Rooms.Exists("R1"))
}

func TestSignalingErrors(t *testing.T) {
	srv, _ := newServer(t)
	a := dial(t, srv)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "bad_payload", expect(t, a, "error")["error"])

	send(t, a, map[string]any{"type": "join-room"})
	assert.Equal(t, "missing_room", expect(t, a, "error")["error"])

	send(t, a, map[string]any{"type": "offer", "offer": map[string]any{}})
	assert.Equal(t, "missing_room", expect(t, a, "error")["error"])

	send(t, a, map[string]any{"type": "ping"})
	expect(t, a, "pong")
}

func TestAPIEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	var cfg ClientConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	_ = resp.Body.Close()
	require.Len(t, cfg.ICEServers, 1)
	require.NotNil(t, cfg.Trunk)
	assert.Equal(t, "example.com", cfg.Trunk.Realm)

	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["rooms"])

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	var stats orch.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	assert.Equal(t, 0, stats.CurrentCalls)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientTokenCookie(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "AgentCallSessions", cookies[0].Name)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/health", nil)
	require.NoError(t, err)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Cookies(), "known clients keep their token")
}
