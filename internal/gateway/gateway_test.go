// ABOUTME: End-to-end tests for the gateway over real websocket connections
// ABOUTME: Covers health, API auth, handshake, commands, the connection log, and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

const (
	testSecret     = "test-secret-for-fleet-gateway-tests"
	testAdminToken = "admin-token"
	waitFor        = 2 * time.Second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config with long timers so tests control timing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			AgentPath: "/agent",
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "gateway.db"),
		},
		Auth: config.AuthConfig{
			JWTSecret:  testSecret,
			AdminToken: testAdminToken,
		},
		Agents: config.AgentsConfig{
			HeartbeatInterval:    time.Hour,
			HeartbeatTimeout:     time.Hour,
			ReconnectGracePeriod: time.Hour,
			RequestTimeout:       waitFor,
			EventDedupeTTL:       time.Minute,
		},
		Notify:  config.NotifyConfig{Backend: config.NotifyBackendLog},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T, configure ...func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range configure {
		fn(cfg)
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, srv
}

func jwtFor(t *testing.T, agentToken string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(agentToken, "owner-"+agentToken, time.Hour)
	require.NoError(t, err)
	return token
}

func dial(srv *httptest.Server, header http.Header, query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agent"
	if query != "" {
		url += "?" + query
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// connectAgent dials, consumes the handshake ack and syncs running instances.
func connectAgent(t *testing.T, srv *httptest.Server, agentToken string, running ...string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := dial(srv, bearer(jwtFor(t, agentToken)), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeConnected, ack.Type)
	var payload protocol.ConnectedPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))

	if running == nil {
		running = []string{}
	}
	handshake, err := protocol.New(protocol.TypeSync, running)
	require.NoError(t, err)
	writeFrame(t, conn, handshake)
	return conn, payload.SessionID
}

func apiRequest(t *testing.T, srv *httptest.Server, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func instanceStatus(t *testing.T, srv *httptest.Server, name string) fleet.Status {
	t.Helper()
	var instances []fleet.Instance
	decodeBody(t, apiRequest(t, srv, http.MethodGet, "/api/instances"), &instances)
	for _, inst := range instances {
		if inst.Name == name {
			return inst.Status
		}
	}
	return ""
}

func TestGateway_Health(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)

	connectAgent(t, srv, "rig-1")
	assert.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitFor, 10*time.Millisecond)
}

func TestGateway_APIRequiresAdminToken(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ok := apiRequest(t, srv, http.MethodGet, "/api/sessions")
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	var sessions []map[string]any
	decodeBody(t, ok, &sessions)
	assert.Empty(t, sessions)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fleet_gateway_sessions_active")
}

func TestGateway_RejectsBadCredential(t *testing.T) {
	_, srv := newTestGateway(t)

	conn, _, err := dial(srv, bearer("not-a-valid-token"), "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestGateway_SyncPopulatesFleet(t *testing.T) {
	_, srv := newTestGateway(t)
	connectAgent(t, srv, "rig-1", "alpha", "beta")

	assert.Eventually(t, func() bool {
		return instanceStatus(t, srv, "alpha") == fleet.StatusRunning &&
			instanceStatus(t, srv, "beta") == fleet.StatusRunning
	}, waitFor, 10*time.Millisecond)

	var sessions []map[string]any
	require.Eventually(t, func() bool {
		decodeBody(t, apiRequest(t, srv, http.MethodGet, "/api/sessions"), &sessions)
		return len(sessions) == 1 && sessions[0]["synced"] == true
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "rig-1", sessions[0]["agent_token"])
}

func TestGateway_StartAndStopInstance(t *testing.T) {
	_, srv := newTestGateway(t)
	conn, _ := connectAgent(t, srv, "rig-1")

	// Wait for the sync to land so Start sees a synced session.
	require.Eventually(t, func() bool {
		var sessions []map[string]any
		decodeBody(t, apiRequest(t, srv, http.MethodGet, "/api/sessions"), &sessions)
		return len(sessions) == 1 && sessions[0]["synced"] == true
	}, waitFor, 10*time.Millisecond)

	started := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/instances/alpha/start?agent=rig-1", nil)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			started <- resp
		}
	}()

	req := readFrame(t, conn)
	require.Equal(t, protocol.TypeStart, req.Type)
	assert.JSONEq(t, `{"instance":"alpha"}`, string(req.Payload))
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeResponse, CorrelationID: req.CorrelationID})

	select {
	case resp := <-started:
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(waitFor):
		t.Fatal("start request did not complete")
	}
	assert.Equal(t, fleet.StatusRunning, instanceStatus(t, srv, "alpha"))

	// The agent refuses the stop; the record stays running.
	stopped := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/instances/alpha/stop", nil)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			stopped <- resp
		}
	}()

	req = readFrame(t, conn)
	require.Equal(t, protocol.TypeStop, req.Type)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeError, CorrelationID: req.CorrelationID, Error: "busy"})

	select {
	case resp := <-stopped:
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	case <-time.After(waitFor):
		t.Fatal("stop request did not complete")
	}
	assert.Equal(t, fleet.StatusRunning, instanceStatus(t, srv, "alpha"))

	conflict := apiRequest(t, srv, http.MethodDelete, "/api/instances/alpha")
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
}

func TestGateway_CommandErrors(t *testing.T) {
	_, srv := newTestGateway(t)

	missingAgent := apiRequest(t, srv, http.MethodPost, "/api/instances/alpha/start")
	assert.Equal(t, http.StatusBadRequest, missingAgent.StatusCode)

	offline := apiRequest(t, srv, http.MethodPost, "/api/instances/alpha/start?agent=rig-9")
	assert.Equal(t, http.StatusServiceUnavailable, offline.StatusCode)

	unknown := apiRequest(t, srv, http.MethodPost, "/api/instances/ghost/stop")
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)

	gone := apiRequest(t, srv, http.MethodDelete, "/api/instances/ghost")
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestGateway_RegisteredAgentTokenAndConnectionLog(t *testing.T) {
	gw, srv := newTestGateway(t)

	token, hash, err := auth.GenerateAgentToken("rig-7")
	require.NoError(t, err)
	require.NoError(t, gw.store.CreateAgent(context.Background(), &store.Agent{
		ID:        "rig-7",
		OwnerID:   "ops",
		TokenHash: hash,
	}))

	// Registered agents may pass the token as a query parameter.
	conn, _, err := dial(srv, nil, "token="+token)
	require.NoError(t, err)
	ack := readFrame(t, conn)
	require.Equal(t, protocol.TypeConnected, ack.Type)

	var agents []AgentResponse
	require.Eventually(t, func() bool {
		decodeBody(t, apiRequest(t, srv, http.MethodGet, "/api/agents"), &agents)
		return len(agents) == 1 && agents[0].Connected
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "ops", agents[0].OwnerID)

	require.NoError(t, conn.Close())

	var conns []store.Connection
	require.Eventually(t, func() bool {
		decodeBody(t, apiRequest(t, srv, http.MethodGet, "/api/agents/rig-7/connections"), &conns)
		return len(conns) == 1 && conns[0].DisconnectedAt != nil
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "transport closed", conns[0].Reason)
}

func TestGateway_HandshakeRateLimit(t *testing.T) {
	_, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.HandshakeRate = 0.001
		cfg.Server.HandshakeBurst = 1
	})

	connectAgent(t, srv, "rig-1")

	_, resp, err := dial(srv, bearer(jwtFor(t, "rig-2")), "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	gw, srv := newTestGateway(t)
	conn, _ := connectAgent(t, srv, "rig-1", "alpha")

	require.Eventually(t, func() bool {
		return instanceStatus(t, srv, "alpha") == fleet.StatusRunning
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, gw.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// Shutdown tears down without a grace period, so no stop is ever scheduled.
	inst, ok := gw.fleet.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, fleet.StatusRunning, inst.Status)
}

func TestOpenStore_EnvOverridesConfig(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("FLEET_DB_PATH", override)

	s, err := OpenStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(context.Background(), &store.Agent{ID: "rig-1", OwnerID: "ops", TokenHash: "x"}))
	require.NoError(t, s.Close())

	_, err = os.Stat(override)
	assert.NoError(t, err)
	_, err = os.Stat(cfg.Database.Path)
	assert.True(t, os.IsNotExist(err), "configured path must be left alone")

	reopened, err := OpenStore(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetAgent(context.Background(), "rig-1")
	assert.NoError(t, err)
}
