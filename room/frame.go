package room

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"collabtext/codec"
)

// FrameKind is the type of a wire frame.
type FrameKind string

const (
	FrameEvent          FrameKind = "event"
	FramePresenceJoin   FrameKind = "presence-join"
	FramePresenceLeave  FrameKind = "presence-leave"
	FramePresenceUpdate FrameKind = "presence-update"
	// FramePresenceSync carries the complete member list and replaces
	// whatever membership the receiver knew.
	FramePresenceSync FrameKind = "presence-sync"
)

// Frame is the unit every transport puts on the wire.
type Frame struct {
	ID        string        `cbor:"1,keyasint"`
	Kind      FrameKind     `cbor:"2,keyasint"`
	Name      string        `cbor:"3,keyasint,omitempty"`
	Data      []byte        `cbor:"4,keyasint,omitempty"`
	From      Participant   `cbor:"5,keyasint"`
	Members   []Participant `cbor:"6,keyasint,omitempty"`
	Timestamp int64         `cbor:"7,keyasint"`
}

// NewFrame stamps a frame with a fresh id and the current time.
func NewFrame(kind FrameKind, from Participant) Frame {
	return Frame{
		ID:        ulid.Make().String(),
		Kind:      kind,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EventFrame builds the frame for an Emit call.
func EventFrame(from Participant, event string, data []byte) Frame {
	f := NewFrame(FrameEvent, from)
	f.Name = event
	f.Data = data
	return f
}

// Message converts an event frame to what handlers receive.
func (f Frame) Message() Message {
	return Message{
		ID:          f.ID,
		Name:        f.Name,
		Data:        f.Data,
		Participant: f.From,
		Timestamp:   time.UnixMilli(f.Timestamp),
	}
}

func EncodeFrame(f Frame) ([]byte, error) {
	data, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("room: encoding %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("room: decoding frame: %w", err)
	}
	switch f.Kind {
	case FrameEvent, FramePresenceJoin, FramePresenceLeave, FramePresenceUpdate, FramePresenceSync:
	default:
		return Frame{}, fmt.Errorf("room: unknown frame kind %q", f.Kind)
	}
	return f, nil
}
