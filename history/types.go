// Package history serves and fetches the ordered list of updates that were
// broadcast on a channel, so a participant joining late can replay them
// before the live handshake.
//
// The wire format is JSON: {"events":[{"update":{"data":[1,2,3]}}]}. Update
// bytes travel as arrays of numbers rather than base64 strings because
// browser clients feed them straight into a Uint8Array.
package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIKeyHeader carries the API key on history requests.
const APIKeyHeader = "sv-api-key"

// Response is the body of a successful history request.
type Response struct {
	Events []Event `json:"events"`
}

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Update    Payload   `json:"update"`
}

type Payload struct {
	Data Bytes `json:"data"`
}

// Bytes marshals as a JSON array of numbers.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("history: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
