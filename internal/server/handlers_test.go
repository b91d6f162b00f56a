package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/server"
)

func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", http.NoBody)
			rr := httptest.NewRecorder()

			server.HealthHandler(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
			if method != http.MethodHead {
				assert.Equal(t, "roomchat server is running!", rr.Body.String())
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/", status: http.StatusOK, body: "roomchat server is running!"},
		{path: "/healthz", status: http.StatusOK, body: "roomchat server is running!"},
		{path: "/readyz", status: http.StatusOK, body: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := env.get(t, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestWebSocketEndpointRejectsPost(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t)
	env.dial(t)
	alice.join("alice", "lobby")

	resp, body := env.get(t, "/api/presence")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snapshot server.PresenceSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snapshot))
	assert.Equal(t, 2, snapshot.Connections)
	assert.Equal(t, []string{"alice"}, snapshot.Users)
	assert.Equal(t, []protocol.RoomSummary{{Name: "lobby", Count: 1}}, snapshot.Rooms)
}

func TestPresenceEndpointCORS(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.CORSAllow = []string{"http://app.example"}
	})

	tests := []struct {
		origin string
		want   string
	}{
		{origin: "http://app.example", want: "http://app.example"},
		{origin: "http://other.example", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/presence", http.NoBody)
			require.NoError(t, err)
			req.Header.Set("Origin", tt.origin)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.want, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>roomchat</h1>"), 0o600))

	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.StaticDir = dir
	})

	resp, body := env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>roomchat</h1>", body)

	resp, _ = env.get(t, "/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "roomchat server is running!", body)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)
	c.join("alice", "room1")
	c.send(protocol.TypeMessage, "", protocol.SendMessage{Text: "hi"})
	c.waitFor(protocol.TypeMessage, nil)

	resp, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `roomchat_join_attempts_total{outcome="joined"} 1`)
	assert.Contains(t, body, `roomchat_relayed_total{kind="message"} 1`)
	assert.Contains(t, body, "roomchat_connections 1")
	assert.Contains(t, body, "roomchat_users 1")
	assert.Contains(t, body, "roomchat_rooms 1")
}
