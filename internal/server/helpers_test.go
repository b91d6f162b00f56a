package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/server"
)

const testOrigin = "http://localhost:8080"

type testEnv struct {
	server  *httptest.Server
	hub     *server.Hub
	manager *presence.Manager
}

// newTestEnv starts a hub and an httptest server with the default config,
// adjusted by customize. Everything is torn down with the test.
func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := credential.NewStore(logger, credential.WithParams(credential.Params{N: 1024, R: 8, P: 1, KeyLen: 64}))
	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)
	manager := presence.NewManager(store, logger, presence.WithRecorder(metrics))
	hub := server.NewHub(manager, logger, metrics)
	go hub.Run()
	require.Eventually(t, hub.Ready, time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(server.SetupRoutes(server.CurrentConfig(), hub, registry))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		ts.Close()
	})

	return &testEnv{server: ts, hub: hub, manager: manager}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial connects with the allowed test origin and consumes the initial lists
// frame.
func (e *testEnv) dial(t *testing.T) *wsClient {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	require.Equal(t, protocol.TypeLists, c.next().Type)
	return c
}

func (c *wsClient) send(typ, id string, data any) {
	c.t.Helper()
	frame, err := protocol.Encode(typ, id, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *wsClient) next() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env protocol.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// waitFor skips frames until one of type typ arrives and decodes its data
// into v.
func (c *wsClient) waitFor(typ string, v any) protocol.Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if env.Type != typ {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(env.Data, v))
		}
		return env
	}
}

// waitForMembers skips roomMembers frames until one with count members
// arrives.
func (c *wsClient) waitForMembers(count int) protocol.RoomMembers {
	c.t.Helper()
	for {
		var members protocol.RoomMembers
		c.waitFor(protocol.TypeRoomMembers, &members)
		if members.Count == count {
			return members
		}
	}
}

func (c *wsClient) join(name, room string) protocol.JoinResult {
	c.t.Helper()
	c.send(protocol.TypeJoinRoom, "join-"+name, protocol.JoinRoom{Name: name, Room: room})
	var result protocol.JoinResult
	env := c.waitFor(protocol.TypeJoinResult, &result)
	require.Equal(c.t, "join-"+name, env.ID)
	return result
}
