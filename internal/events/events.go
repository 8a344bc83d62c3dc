// Package events publishes auto-shutter and night events to subscribers
// outside the process.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeTransition   = "autoshutter.transition"
	TypeNightChanged = "night.changed"
	TypeConfirmation = "confirmation.applied"
)

// Event is the envelope of every published message.
type Event struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Site  string    `json:"site"`
	Night string    `json:"night,omitempty"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

// New creates an event with a fresh id.
func New(typ, site, night string, at time.Time, data any) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Site:  site,
		Night: night,
		At:    at.UTC(),
		Data:  data,
	}
}

// Transition is the payload of an auto-shutter state change.
type Transition struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	Target int64  `json:"target,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}
