// Package crdt defines the document contract the sync provider relies on
// and ships Doc, a small op-log CRDT that satisfies it.
//
// The provider never inspects update bytes. It only needs a document that
// can summarize what it has seen (a state vector), produce the updates a
// peer is missing, and merge updates idempotently and in any order.
package crdt

// UpdateHandler observes every change that altered document state. update
// is the binary delta of that change; applying it on another replica
// reproduces the change.
type UpdateHandler func(update []byte, origin Origin)

// Document is a CRDT-backed replica.
type Document interface {
	// GUID identifies the document across replicas.
	GUID() string

	// ClientID identifies this replica inside the document's op space.
	ClientID() uint64

	// OnUpdate registers h and returns a function that removes it. h runs
	// synchronously on the goroutine that made the change.
	OnUpdate(h UpdateHandler) (unsubscribe func())

	// EncodeStateVector summarizes the updates this replica has
	// integrated.
	EncodeStateVector() []byte

	// EncodeStateAsUpdate returns every update the holder of stateVector
	// is missing. A nil state vector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// ApplyUpdate merges update into the replica. Applying the same
	// update twice, or updates out of order, is safe.
	ApplyUpdate(update []byte, origin Origin) error
}
