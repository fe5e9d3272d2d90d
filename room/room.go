// Package room is the transport contract of the sync provider: named
// channels with broadcast events and presence. A Room is one participant's
// attachment to one channel.
//
// Implementations deliver every event to every member of the channel,
// including the sender. Consumers that must not react to their own
// broadcasts filter on Message.Participant.ID.
//
// Three transports live in this module: Hub (in-process, used by tests and
// single-process setups), redisroom (Redis pub/sub) and wsroom (a client of
// the websocket relay).
package room

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a room after Disconnect.
var ErrClosed = errors.New("room: connection closed")

// AnyEvent subscribes a handler to every event name on a channel.
const AnyEvent = "*"

// Participant is a member of a channel.
type Participant struct {
	ID       string         `cbor:"1,keyasint" json:"id"`
	Name     string         `cbor:"2,keyasint,omitempty" json:"name,omitempty"`
	Metadata map[string]any `cbor:"3,keyasint,omitempty" json:"metadata,omitempty"`
}

// Message is one event delivered on a channel.
type Message struct {
	ID          string
	Name        string
	Data        []byte
	Participant Participant
	Timestamp   time.Time
}

// Handler receives channel events.
type Handler func(Message)

// PresenceEvent names a membership change.
type PresenceEvent string

const (
	PresenceJoined  PresenceEvent = "joined-room"
	PresenceLeft    PresenceEvent = "left-room"
	PresenceUpdated PresenceEvent = "updated"
)

// PresenceHandler receives membership changes.
type PresenceHandler func(Participant)

// Presence tracks who is attached to a channel.
type Presence interface {
	// On registers h for event and returns a function that removes it.
	On(event PresenceEvent, h PresenceHandler) (unsubscribe func())

	// Join announces the local participant. Every member, the local one
	// included, then observes PresenceJoined for it.
	Join(ctx context.Context) error

	// Update replaces the local participant's metadata.
	Update(ctx context.Context, metadata map[string]any) error

	// Get returns the current members, the local participant included
	// once it has joined, ordered by id.
	Get() []Participant
}

// Room is one participant's attachment to a channel.
type Room interface {
	// On registers h for the named event (or AnyEvent) and returns a
	// function that removes it. Handlers for one room never run
	// concurrently with each other.
	On(event string, h Handler) (unsubscribe func())

	// Emit broadcasts data under event to every member of the channel.
	Emit(ctx context.Context, event string, data []byte) error

	Presence() Presence

	// Disconnect leaves the channel. It is safe to call more than once.
	Disconnect() error
}

// Transport opens rooms. The returned room's Presence().Get() already
// lists the members that had joined the channel when Connect returned.
type Transport interface {
	Connect(ctx context.Context, channel string, self Participant) (Room, error)
}
