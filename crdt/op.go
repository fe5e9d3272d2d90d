package crdt

import (
	"fmt"

	"collabtext/codec"
)

// OpID is a globally unique identifier for an op, combining the replica
// that created it and that replica's logical clock.
type OpID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

// Action is what an op does to its key.
type Action uint8

const (
	ActionSet Action = iota + 1
	ActionDelete
)

// Op is the unit of replication. Lamport orders concurrent writes to the
// same key; ties break on the client id so every replica picks the same
// winner.
type Op struct {
	ID      OpID   `cbor:"1,keyasint"`
	Lamport uint64 `cbor:"2,keyasint"`
	Action  Action `cbor:"3,keyasint"`
	Key     string `cbor:"4,keyasint"`
	Value   string `cbor:"5,keyasint,omitempty"`
}

func (op Op) validate() error {
	switch op.Action {
	case ActionSet, ActionDelete:
		return nil
	default:
		return fmt.Errorf("crdt: op %d/%d has unknown action %d", op.ID.Client, op.ID.Clock, op.Action)
	}
}

// after reports whether op wins over the write currently stored for its key.
func (op Op) after(e entry) bool {
	if op.Lamport != e.lamport {
		return op.Lamport > e.lamport
	}
	return op.ID.Client > e.id.Client
}

type update struct {
	Ops []Op `cbor:"1,keyasint"`
}

func encodeOps(ops []Op) []byte {
	data, err := codec.Marshal(update{Ops: ops})
	if err != nil {
		panic("crdt: encoding ops: " + err.Error())
	}
	return data
}

func decodeOps(data []byte) ([]Op, error) {
	var u update
	if err := codec.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("crdt: decoding update: %w", err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return u.Ops, nil
}

// StateVector maps a client id to the number of that client's ops a
// replica has integrated, which is also the clock of the next op it expects.
type StateVector map[uint64]uint64

// DecodeStateVector parses the output of Doc.EncodeStateVector. Empty
// input decodes to an empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := codec.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("crdt: decoding state vector: %w", err)
	}
	return sv, nil
}
