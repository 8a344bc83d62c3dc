package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 6, 15, 22, 0, 0, 0, time.FixedZone("HST", -10*3600))
	ev := New(TypeTransition, "GN", "GN-20260615", at, Transition{From: "CLEAR", To: "SHUTTERING", Reason: "not clear"})

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ev.At.Location())

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "autoshutter.transition", decoded["type"])
	assert.Equal(t, "SHUTTERING", decoded["data"].(map[string]any)["to"])

	other := New(TypeTransition, "GN", "", at, nil)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	p.Close()
}

func TestSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "ltts.gn"}
	assert.Equal(t, "ltts.gn.autoshutter.transition", p.Subject(TypeTransition))
}
