package crdt

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/google/uuid"

	"collabtext/codec"
	"collabtext/emitter"
)

const eventUpdate = "update"

type change struct {
	update []byte
	origin Origin
}

type entry struct {
	value   string
	deleted bool
	lamport uint64
	id      OpID
}

// Doc is a replicated last-writer-wins map. Every write is an op appended
// to its author's log; replicas exchange log suffixes. Ops that arrive
// ahead of a gap in their author's log wait in a pending set until the gap
// is filled, so a replica's state vector only ever covers contiguous logs.
type Doc struct {
	guid     string
	clientID uint64
	events   *emitter.Emitter[change]

	mu      sync.Mutex
	lamport uint64
	ops     map[uint64][]Op
	pending map[OpID]Op
	entries map[string]entry
}

var _ Document = (*Doc)(nil)

// DocOption configures a Doc.
type DocOption func(*Doc)

// WithGUID sets the document guid. By default a random UUID is used.
func WithGUID(guid string) DocOption {
	return func(d *Doc) { d.guid = guid }
}

// WithClientID fixes the replica's client id, mostly for tests that need a
// deterministic winner between concurrent writes.
func WithClientID(id uint64) DocOption {
	return func(d *Doc) { d.clientID = id }
}

// NewDoc returns an empty document.
func NewDoc(opts ...DocOption) *Doc {
	d := &Doc{
		events:  emitter.New[change](),
		ops:     make(map[uint64][]Op),
		pending: make(map[OpID]Op),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.guid == "" {
		d.guid = uuid.NewString()
	}
	if d.clientID == 0 {
		id := uuid.New()
		d.clientID = binary.BigEndian.Uint64(id[:8])
	}
	return d
}

func (d *Doc) GUID() string     { return d.guid }
func (d *Doc) ClientID() uint64 { return d.clientID }

func (d *Doc) OnUpdate(h UpdateHandler) func() {
	sub := d.events.On(eventUpdate, func(c change) { h(c.update, c.origin) })
	return func() { d.events.Off(sub) }
}

// Set writes value under key.
func (d *Doc) Set(key, value string) {
	d.local(Op{Action: ActionSet, Key: key, Value: value})
}

// Delete removes key. Deleting a missing key still produces an op so a
// concurrent older write cannot resurrect it.
func (d *Doc) Delete(key string) {
	d.local(Op{Action: ActionDelete, Key: key})
}

func (d *Doc) local(op Op) {
	d.mu.Lock()
	op.ID = OpID{Client: d.clientID, Clock: uint64(len(d.ops[d.clientID]))}
	d.lamport++
	op.Lamport = d.lamport
	d.integrate(op)
	data := encodeOps([]Op{op})
	d.mu.Unlock()

	d.events.Emit(eventUpdate, change{update: data, origin: Local()})
}

// Get returns the current value of key.
func (d *Doc) Get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || e.deleted {
		return "", false
	}
	return e.value, true
}

// Snapshot returns the visible contents of the map.
func (d *Doc) Snapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.entries))
	for k, e := range d.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

// PendingLen returns the number of ops waiting for a missing predecessor.
func (d *Doc) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	sv := make(StateVector, len(d.ops))
	for client, log := range d.ops {
		sv[client] = uint64(len(log))
	}
	d.mu.Unlock()

	data, err := codec.Marshal(sv)
	if err != nil {
		panic("crdt: encoding state vector: " + err.Error())
	}
	return data
}

func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clients := make([]uint64, 0, len(d.ops))
	for client := range d.ops {
		clients = append(clients, client)
	}
	slices.Sort(clients)

	var ops []Op
	for _, client := range clients {
		log := d.ops[client]
		if from := sv[client]; from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	return encodeOps(ops), nil
}

func (d *Doc) ApplyUpdate(data []byte, origin Origin) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, op := range ops {
		if op.ID.Clock < uint64(len(d.ops[op.ID.Client])) {
			continue
		}
		d.pending[op.ID] = op
	}
	applied := d.drainPending()
	var out []byte
	if len(applied) > 0 {
		out = encodeOps(applied)
	}
	d.mu.Unlock()

	if out != nil {
		d.events.Emit(eventUpdate, change{update: out, origin: origin})
	}
	return nil
}

// drainPending integrates every pending op whose predecessor is present.
func (d *Doc) drainPending() []Op {
	if len(d.pending) == 0 {
		return nil
	}
	clients := make(map[uint64]struct{})
	for id := range d.pending {
		clients[id.Client] = struct{}{}
	}

	var applied []Op
	for client := range clients {
		for {
			next := OpID{Client: client, Clock: uint64(len(d.ops[client]))}
			op, ok := d.pending[next]
			if !ok {
				break
			}
			delete(d.pending, next)
			d.integrate(op)
			applied = append(applied, op)
		}
	}
	return applied
}

func (d *Doc) integrate(op Op) {
	d.ops[op.ID.Client] = append(d.ops[op.ID.Client], op)
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	current, ok := d.entries[op.Key]
	if ok && !op.after(current) {
		return
	}
	d.entries[op.Key] = entry{
		value:   op.Value,
		deleted: op.Action == ActionDelete,
		lamport: op.Lamport,
		id:      op.ID,
	}
}
