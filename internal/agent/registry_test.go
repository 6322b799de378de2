package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent/agenttest"
)

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := NewRegistry(testLogger())
	s := newSession("s1", "rig-1", "owner", "10.0.0.1:1", agenttest.New())

	r.Insert(s)
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove("s1"))
	assert.False(t, r.Remove("s1"), "removing twice is a no-op")
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FindByToken(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Insert(newSession("s1", "rig-1", "", "", agenttest.New()))
	r.Insert(newSession("s2", "rig-2", "", "", agenttest.New()))

	s, ok := r.FindByToken("rig-2")
	require.True(t, ok)
	assert.Equal(t, "s2", s.ID)

	_, ok = r.FindByToken("rig-3")
	assert.False(t, ok)
}

func TestRegistry_ListOrderedByConnectTime(t *testing.T) {
	r := NewRegistry(testLogger())
	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		s := newSession(id, "rig-"+id, "", "", agenttest.New())
		s.ConnectedAt = base.Add(time.Duration(i) * time.Second)
		r.Insert(s)
	}

	var ids []string
	for _, info := range r.List() {
		ids = append(ids, info.ID)
		assert.True(t, info.Alive, "sessions without a monitor report alive")
		assert.False(t, info.Synced)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}
