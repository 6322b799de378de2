package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent/agenttest"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// routedSession registers a session that bypasses the controller so frames
// can be routed directly.
func routedSession(h *harness, id, token string, synced bool) (*Session, *agenttest.Transport) {
	tr := agenttest.New()
	s := newSession(id, token, "owner-"+token, "127.0.0.1:9000", tr)
	s.synced.Store(synced)
	h.registry.Insert(s)
	return s, tr
}

func route(t *testing.T, h *harness, s *Session, f *protocol.Frame) error {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	return h.router.Route(context.Background(), s, data)
}

func event(t *testing.T, ev protocol.ServerEvent) *protocol.Frame {
	t.Helper()
	f, err := protocol.New(protocol.TypeServerEvent, ev)
	require.NoError(t, err)
	return f
}

func boolPtr(b bool) *bool { return &b }

func TestRouter_SyncGate(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", false)

	err := route(t, h, s, &protocol.Frame{Type: protocol.TypeResponse, CorrelationID: "x"})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, s.Synced())

	handshake, err := protocol.New(protocol.TypeSync, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.NoError(t, route(t, h, s, handshake))
	assert.True(t, s.Synced())

	assert.ElementsMatch(t, []string{"alpha", "beta"}, h.fleet.RunningOwnedBy("rig-1"))
}

func TestRouter_MalformedSyncLeavesSessionUnsynced(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", false)

	err := route(t, h, s, &protocol.Frame{Type: protocol.TypeSync, Payload: []byte(`{"not":"a list"}`)})
	assert.NoError(t, err)
	assert.False(t, s.Synced())
}

func TestRouter_RepeatedSyncIgnored(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", false)

	first, _ := protocol.New(protocol.TypeSync, []string{"alpha"})
	require.NoError(t, route(t, h, s, first))

	second, _ := protocol.New(protocol.TypeSync, []string{"beta"})
	require.NoError(t, route(t, h, s, second))

	assert.Equal(t, []string{"alpha"}, h.fleet.RunningOwnedBy("rig-1"))
	assert.Empty(t, h.issuer.Calls(), "second sync must not reconcile")
}

func TestRouter_MalformedFrameDropped(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)

	assert.NoError(t, h.router.Route(context.Background(), s, []byte("garbage")))
	assert.NoError(t, h.router.Route(context.Background(), s, []byte(`{"payload":1}`)))
	assert.NoError(t, route(t, h, s, &protocol.Frame{Type: protocol.TypeServerEvent, Payload: []byte(`"x"`)}))
	assert.NoError(t, route(t, h, s, &protocol.Frame{Type: "mystery"}))
}

func TestRouter_ResponsesResolveRequests(t *testing.T) {
	h := newHarness(t)
	s, tr := routedSession(h, "s1", "rig-1", true)

	ok, err := h.correlator.Send(s.ID, protocol.TypeStart, protocol.InstanceCommand{Instance: "alpha"}, time.Minute)
	require.NoError(t, err)
	bad, err := h.correlator.Send(s.ID, protocol.TypeStart, protocol.InstanceCommand{Instance: "beta"}, time.Minute)
	require.NoError(t, err)

	req, err := tr.Next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, ok.CorrelationID, req.CorrelationID)

	require.NoError(t, route(t, h, s, &protocol.Frame{
		Type:          protocol.TypeResponse,
		CorrelationID: ok.CorrelationID,
		Payload:       []byte(`{"pid":42}`),
	}))
	require.NoError(t, route(t, h, s, &protocol.Frame{
		Type:          protocol.TypeError,
		CorrelationID: bad.CorrelationID,
		Error:         "no such config",
	}))

	payload, err := ok.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":42}`, string(payload))

	_, err = bad.Wait(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "no such config", remote.Message)
}

func TestRouter_ResponseFromOtherSessionIgnored(t *testing.T) {
	h := newHarness(t)
	owner, _ := routedSession(h, "s1", "rig-1", true)
	other, _ := routedSession(h, "s2", "rig-2", true)

	f, err := h.correlator.Send(owner.ID, protocol.TypeStop, protocol.InstanceCommand{Instance: "alpha"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, route(t, h, other, &protocol.Frame{
		Type:          protocol.TypeResponse,
		CorrelationID: f.CorrelationID,
	}))

	select {
	case <-f.Done():
		t.Fatal("request resolved by a non-owning session")
	default:
	}
	assert.Equal(t, 1, h.correlator.Len())
}

func TestRouter_FailureDetected(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")
	require.NoError(t, h.fleet.SetNotifyRef("alpha", "earlier"))

	require.NoError(t, route(t, h, s, event(t, protocol.ServerEvent{
		Event:    protocol.EventFailureDetected,
		Instance: "alpha",
		Detail:   "exit 137",
	})))

	crashes := h.notifier.Crashes()
	require.Len(t, crashes, 1)
	assert.Equal(t, "alpha", crashes[0].Instance)
	assert.Equal(t, "rig-1", crashes[0].AgentToken)
	assert.Equal(t, "owner-rig-1", crashes[0].OwnerID)
	assert.Equal(t, "earlier", crashes[0].ThreadRef)
	assert.Equal(t, "exit 137", crashes[0].Detail)

	inst, _ := h.fleet.Get("alpha")
	assert.Equal(t, "ref-1", inst.NotifyRef)
	assert.Equal(t, fleet.StatusRunning, inst.Status, "failure alone does not change status")
}

func TestRouter_EventsForForeignInstancesIgnored(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("beta", "rig-2", "s2")

	for _, ev := range []protocol.ServerEvent{
		{Event: protocol.EventFailureDetected, Instance: "beta"},
		{Event: protocol.EventRestartResult, Instance: "beta", Success: boolPtr(false)},
		{Event: protocol.EventFailureDetected, Instance: "unknown"},
	} {
		require.NoError(t, route(t, h, s, event(t, ev)))
	}

	assert.Empty(t, h.notifier.Crashes())
	assert.Empty(t, h.notifier.Restarts())
	inst, _ := h.fleet.Get("beta")
	assert.Equal(t, fleet.StatusRunning, inst.Status)
	assert.Equal(t, "s2", inst.SessionID)
}

func TestRouter_RestartResultSuccess(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.Put(fleet.Instance{Name: "alpha", Status: fleet.StatusStopped, OwnerToken: "rig-1", NotifyRef: "crash-ref"})

	require.NoError(t, route(t, h, s, event(t, protocol.ServerEvent{
		Event:    protocol.EventRestartResult,
		Instance: "alpha",
		Success:  boolPtr(true),
	})))

	inst, _ := h.fleet.Get("alpha")
	assert.Equal(t, fleet.StatusRunning, inst.Status)
	assert.Equal(t, "s1", inst.SessionID)
	assert.Empty(t, inst.NotifyRef)

	restarts := h.notifier.Restarts()
	require.Len(t, restarts, 1)
	assert.True(t, restarts[0].Success)
	assert.Equal(t, "crash-ref", restarts[0].Ref)
}

func TestRouter_RestartResultFailure(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")
	require.NoError(t, h.fleet.SetNotifyRef("alpha", "crash-ref"))

	require.NoError(t, route(t, h, s, event(t, protocol.ServerEvent{
		Event:    protocol.EventRestartResult,
		Instance: "alpha",
		Success:  boolPtr(false),
	})))

	inst, _ := h.fleet.Get("alpha")
	assert.Equal(t, fleet.StatusStopped, inst.Status)
	assert.Empty(t, inst.SessionID)
	assert.Empty(t, inst.NotifyRef)

	restarts := h.notifier.Restarts()
	require.Len(t, restarts, 1)
	assert.False(t, restarts[0].Success)
}

func TestRouter_DuplicateEventIDDropped(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")

	ev := protocol.ServerEvent{Event: protocol.EventFailureDetected, Instance: "alpha", EventID: "evt-1"}
	require.NoError(t, route(t, h, s, event(t, ev)))
	require.NoError(t, route(t, h, s, event(t, ev)))

	ev.EventID = "evt-2"
	require.NoError(t, route(t, h, s, event(t, ev)))

	assert.Len(t, h.notifier.Crashes(), 2)
}

func TestRouter_OnlyRepliesResolveRequests(t *testing.T) {
	h := newHarness(t)
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")

	f, err := h.correlator.Send(s.ID, protocol.TypeStop, protocol.InstanceCommand{Instance: "alpha"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, route(t, h, s, &protocol.Frame{Type: "progress", CorrelationID: f.CorrelationID}))
	stray := event(t, protocol.ServerEvent{Event: protocol.EventFailureDetected, Instance: "alpha"})
	stray.CorrelationID = f.CorrelationID
	require.NoError(t, route(t, h, s, stray))
	require.NoError(t, route(t, h, s, &protocol.Frame{Type: protocol.TypeResponse}))

	select {
	case <-f.Done():
		t.Fatal("request resolved by a frame that is not a reply")
	default:
	}
	assert.Equal(t, 1, h.correlator.Len())
	assert.Len(t, h.notifier.Crashes(), 1, "server event with a correlation id is still dispatched")
}

func TestRouter_NotifierCallsAreBounded(t *testing.T) {
	h := newHarness(t)
	router := NewRouter(RouterConfig{
		Store:         h.fleet,
		Correlator:    h.correlator,
		Notifier:      h.notifier,
		NotifyTimeout: 50 * time.Millisecond,
		Logger:        testLogger(),
	})
	s, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")
	_, release := h.notifier.hold()
	t.Cleanup(release)

	data, err := event(t, protocol.ServerEvent{Event: protocol.EventFailureDetected, Instance: "alpha"}).Encode()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, router.Route(context.Background(), s, data))
	assert.Less(t, time.Since(start), time.Second)

	assert.Empty(t, h.notifier.Crashes())
	inst, _ := h.fleet.Get("alpha")
	assert.Empty(t, inst.NotifyRef)
}

func TestRouter_ClosedSessionFramesDropped(t *testing.T) {
	h := newHarness(t)
	synced, _ := routedSession(h, "s1", "rig-1", true)
	h.fleet.MarkRunning("alpha", "rig-1", "s1")
	synced.markClosed()

	require.NoError(t, route(t, h, synced, event(t, protocol.ServerEvent{
		Event:    protocol.EventRestartResult,
		Instance: "alpha",
		Success:  boolPtr(false),
	})))
	inst, _ := h.fleet.Get("alpha")
	assert.Equal(t, fleet.StatusRunning, inst.Status)
	assert.Empty(t, h.notifier.Restarts())

	fresh, _ := routedSession(h, "s2", "rig-2", false)
	fresh.markClosed()
	f, err := protocol.New(protocol.TypeSync, []string{"beta"})
	require.NoError(t, err)
	require.NoError(t, route(t, h, fresh, f))

	assert.False(t, fresh.Synced())
	_, ok := h.fleet.Get("beta")
	assert.False(t, ok, "closed session must not reconcile")
}
