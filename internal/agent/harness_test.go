package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent/agenttest"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/protocol"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingIssuer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingIssuer) IssueStop(_ context.Context, sessionID, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID+"/"+instance)
	return nil
}

func (r *recordingIssuer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	crashes  []notify.CrashNotice
	restarts []notify.RestartNotice

	// entered and release, when set by hold, make NotifyCrash wait.
	entered chan struct{}
	release chan struct{}
}

// hold makes the next NotifyCrash calls block until the returned func runs
// or their context ends. entered receives once per blocked call.
func (f *fakeNotifier) hold() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{}, 16)
	f.release = make(chan struct{})
	var once sync.Once
	rel := f.release
	return f.entered, func() { once.Do(func() { close(rel) }) }
}

func (f *fakeNotifier) NotifyCrash(ctx context.Context, n notify.CrashNotice) (string, error) {
	f.mu.Lock()
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashes = append(f.crashes, n)
	return fmt.Sprintf("ref-%d", len(f.crashes)), nil
}

func (f *fakeNotifier) NotifyRestartResult(_ context.Context, n notify.RestartNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, n)
	return nil
}

func (f *fakeNotifier) Crashes() []notify.CrashNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.CrashNotice(nil), f.crashes...)
}

func (f *fakeNotifier) Restarts() []notify.RestartNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.RestartNotice(nil), f.restarts...)
}

type harness struct {
	registry   *Registry
	correlator *Correlator
	fleet      *fleet.Store
	issuer     *recordingIssuer
	notifier   *fakeNotifier
	router     *Router
	ctrl       *Controller
}

// newHarness wires a full controller. Heartbeats and grace default to an
// hour so tests only see them when they ask for shorter durations.
func newHarness(t *testing.T, configure ...func(*ControllerConfig)) *harness {
	t.Helper()
	logger := testLogger()

	h := &harness{
		registry: NewRegistry(logger),
		fleet:    fleet.NewStore(),
		issuer:   &recordingIssuer{},
		notifier: &fakeNotifier{},
	}
	h.correlator = NewCorrelator(h.registry, logger)

	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	h.router = NewRouter(RouterConfig{
		Store:      h.fleet,
		Reconciler: fleet.NewReconciler(h.fleet, h.issuer, logger),
		Correlator: h.correlator,
		Notifier:   h.notifier,
		Dedupe:     cache,
		Logger:     logger,
	})

	cfg := ControllerConfig{
		Registry:          h.registry,
		Correlator:        h.correlator,
		Router:            h.router,
		Fleet:             h.fleet,
		Verifier:          agenttest.Verifier{},
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		GracePeriod:       time.Hour,
		Logger:            logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.ctrl = NewController(cfg)
	t.Cleanup(h.ctrl.Close)
	return h
}

type conn struct {
	tr        *agenttest.Transport
	sessionID string
	done      chan error
}

// connect runs Serve for token and waits for the handshake ack.
func (h *harness) connect(t *testing.T, ctx context.Context, token string) *conn {
	t.Helper()
	c := &conn{tr: agenttest.New(), done: make(chan error, 1)}
	go func() {
		c.done <- h.ctrl.Serve(ctx, c.tr, agenttest.Credential(token), "127.0.0.1:9000")
	}()

	f, err := c.tr.Next(waitFor)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeConnected, f.Type)

	var ack protocol.ConnectedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	require.NotEmpty(t, ack.SessionID)
	c.sessionID = ack.SessionID
	return c
}

// sync sends the handshake frame and waits until the session is synced.
func (h *harness) sync(t *testing.T, c *conn, running ...string) {
	t.Helper()
	if running == nil {
		running = []string{}
	}
	require.NoError(t, c.tr.Send(protocol.TypeSync, running))
	require.Eventually(t, func() bool {
		s, ok := h.registry.Get(c.sessionID)
		return ok && s.Synced()
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) sessionsForToken(token string) int {
	n := 0
	for _, info := range h.registry.List() {
		if info.AgentToken == token {
			n++
		}
	}
	return n
}

func (h *harness) graceArmed(token string) bool {
	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	_, ok := h.ctrl.grace[token]
	return ok
}

func waitDone(t *testing.T, c *conn) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
		return nil
	}
}
