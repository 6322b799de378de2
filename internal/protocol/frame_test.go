// ABOUTME: Tests for frame decoding and payload extraction
// ABOUTME: Covers sync payloads, server events, and malformed input

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Sync(t *testing.T) {
	f, err := Decode([]byte(`{"type":"sync","payload":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSync, f.Type)

	names, err := f.SyncNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestDecode_SyncWithoutPayload(t *testing.T) {
	f, err := Decode([]byte(`{"type":"sync"}`))
	require.NoError(t, err)

	names, err := f.SyncNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"missing type", `{"payload":[]}`},
		{"truncated", `{"type":"sync"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestFrame_SyncNamesRejectsObject(t *testing.T) {
	f, err := Decode([]byte(`{"type":"sync","payload":{"running":"a"}}`))
	require.NoError(t, err)

	_, err = f.SyncNames()
	assert.Error(t, err)
}

func TestFrame_ServerEvent(t *testing.T) {
	f, err := Decode([]byte(`{"type":"serverEvent","payload":{"event":"restart-result","instance":"srv1","success":true,"eventId":"e1"}}`))
	require.NoError(t, err)

	ev, err := f.ServerEvent()
	require.NoError(t, err)
	assert.Equal(t, EventRestartResult, ev.Event)
	assert.Equal(t, "srv1", ev.Instance)
	assert.Equal(t, "e1", ev.EventID)
	require.NotNil(t, ev.Success)
	assert.True(t, *ev.Success)
}

func TestFrame_ServerEventRequiresSubtype(t *testing.T) {
	f, err := Decode([]byte(`{"type":"serverEvent","payload":{"instance":"srv1"}}`))
	require.NoError(t, err)

	_, err = f.ServerEvent()
	assert.Error(t, err)
}

func TestNew_EncodesPayload(t *testing.T) {
	f, err := New(TypeConnected, ConnectedPayload{SessionID: "s-1"})
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","payload":{"sessionId":"s-1"}}`, string(data))
}

func TestFrame_InstanceCommand(t *testing.T) {
	f, err := Decode([]byte(`{"type":"stop","correlationId":"c1","payload":{"instance":"srv1"}}`))
	require.NoError(t, err)

	cmd, err := f.InstanceCommand()
	require.NoError(t, err)
	assert.Equal(t, "srv1", cmd.Instance)

	f, err = Decode([]byte(`{"type":"start","payload":{}}`))
	require.NoError(t, err)
	_, err = f.InstanceCommand()
	assert.Error(t, err)
}
