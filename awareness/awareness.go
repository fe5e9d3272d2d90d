// Package awareness tracks ephemeral per-client state (cursor, selection,
// user name) next to a shared document. States are never persisted. Each
// client's state carries a clock; a remote state replaces the local copy
// only when its clock is newer, so relayed duplicates and reordering are
// harmless.
package awareness

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"collabtext/codec"
	"collabtext/crdt"
	"collabtext/emitter"
)

// OutdatedTimeout is how long a remote state survives without a refresh.
// The local state is re-announced every half of it.
const OutdatedTimeout = 30 * time.Second

const (
	// EventChange fires when a state was added, removed or its content
	// changed.
	EventChange = "change"
	// EventUpdate fires on every accepted state, including clock-only
	// refreshes.
	EventUpdate = "update"
)

// State is one client's awareness fields.
type State map[string]any

// Change describes one batch of awareness modifications.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  crdt.Origin
}

// Clients returns every client id touched by the change.
func (c Change) Clients() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness holds the states of every known client of one document.
type Awareness struct {
	clientID uint64
	events   *emitter.Emitter[Change]
	now      func() time.Time

	mu     sync.Mutex
	states map[uint64]State
	meta   map[uint64]meta
}

// New returns a tracker for clientID with an empty local state.
func New(clientID uint64) *Awareness {
	a := &Awareness{
		clientID: clientID,
		events:   emitter.New[Change](),
		now:      time.Now,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
	}
	a.SetLocalState(State{})
	return a
}

func (a *Awareness) ClientID() uint64 { return a.clientID }

// On registers fn for EventChange or EventUpdate.
func (a *Awareness) On(event string, fn func(Change)) (unsubscribe func()) {
	sub := a.events.On(event, fn)
	return func() { a.events.Off(sub) }
}

// LocalState returns a copy of the local state, or nil when it was
// cleared.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.states[a.clientID])
}

// States returns a copy of every known state keyed by client id.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = maps.Clone(s)
	}
	return out
}

// SetLocalState replaces the local state. nil marks the local client as
// offline.
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()
	prev, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.clientID] = m
	if state == nil {
		delete(a.states, a.clientID)
	} else {
		a.states[a.clientID] = maps.Clone(state)
	}
	a.mu.Unlock()

	var change Change
	change.Origin = crdt.Local()
	switch {
	case state == nil && existed:
		change.Removed = []uint64{a.clientID}
	case state != nil && !existed:
		change.Added = []uint64{a.clientID}
	case state != nil && !equalState(prev, state):
		change.Updated = []uint64{a.clientID}
	}
	a.emit(change, []uint64{a.clientID})
}

// SetLocalStateField sets one field of the local state.
func (a *Awareness) SetLocalStateField(field string, value any) {
	state := a.LocalState()
	if state == nil {
		state = State{}
	}
	state[field] = value
	a.SetLocalState(state)
}

// emit fires EventChange when change touched something and EventUpdate
// for every client in touched.
func (a *Awareness) emit(change Change, touched []uint64) {
	if len(change.Added)+len(change.Updated)+len(change.Removed) > 0 {
		a.events.Emit(EventChange, change)
	}
	if len(touched) > 0 {
		update := change
		update.Updated = append(slices.Clone(change.Updated), diff(touched, change.Clients())...)
		a.events.Emit(EventUpdate, update)
	}
}

type wireEntry struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
	// State is nil for a removed client.
	State State `cbor:"3,keyasint"`
}

// EncodeUpdate serializes the current state of clients. Unknown clients are
// encoded as removed.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	entries := make([]wireEntry, 0, len(clients))
	for _, id := range clients {
		entries = append(entries, wireEntry{Client: id, Clock: a.meta[id].clock, State: a.states[id]})
	}
	a.mu.Unlock()

	data, err := codec.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("awareness: encoding update: %w", err)
	}
	return data, nil
}

// DecodeClients returns the client ids an encoded update covers.
func DecodeClients(update []byte) ([]uint64, error) {
	var entries []wireEntry
	if err := codec.Unmarshal(update, &entries); err != nil {
		return nil, fmt.Errorf("awareness: decoding update: %w", err)
	}
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Client
	}
	return out, nil
}

// ApplyUpdate merges a remote update.
func (a *Awareness) ApplyUpdate(update []byte, origin crdt.Origin) error {
	var entries []wireEntry
	if err := codec.Unmarshal(update, &entries); err != nil {
		return fmt.Errorf("awareness: decoding update: %w", err)
	}

	now := a.now()
	change := Change{Origin: origin}
	var touched []uint64
	var reannounce bool

	a.mu.Lock()
	for _, e := range entries {
		current := a.meta[e.Client]
		_, exists := a.states[e.Client]

		if e.Client == a.clientID {
			// Someone claims our client went away. Bump our clock so
			// the next announcement overrides the claim.
			if e.State == nil && exists && e.Clock >= current.clock {
				current.clock = e.Clock + 1
				current.lastUpdated = now
				a.meta[e.Client] = current
				reannounce = true
			}
			continue
		}

		newer := current.clock < e.Clock
		removal := current.clock == e.Clock && e.State == nil && exists
		if !newer && !removal {
			continue
		}
		prev := a.states[e.Client]
		if e.State == nil {
			delete(a.states, e.Client)
		} else {
			a.states[e.Client] = e.State
		}
		a.meta[e.Client] = meta{clock: e.Clock, lastUpdated: now}
		touched = append(touched, e.Client)

		switch {
		case e.State == nil && exists:
			change.Removed = append(change.Removed, e.Client)
		case e.State != nil && !exists:
			change.Added = append(change.Added, e.Client)
		case e.State != nil && !equalState(prev, e.State):
			change.Updated = append(change.Updated, e.Client)
		}
	}
	a.mu.Unlock()

	a.emit(change, touched)
	if reannounce {
		a.events.Emit(EventUpdate, Change{Updated: []uint64{a.clientID}, Origin: crdt.Local()})
	}
	return nil
}

// RemoveStates drops the given remote clients, e.g. after their
// participant left the room. The local client is never removed here.
func (a *Awareness) RemoveStates(clients []uint64, origin crdt.Origin) {
	change := Change{Origin: origin}
	a.mu.Lock()
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			m := a.meta[id]
			m.clock++
			a.meta[id] = m
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()
	a.emit(change, change.Removed)
}

// RemoveOutdated drops remote states not refreshed within OutdatedTimeout
// and returns their ids.
func (a *Awareness) RemoveOutdated(now time.Time) []uint64 {
	var stale []uint64
	a.mu.Lock()
	for id := range a.states {
		if id != a.clientID && now.Sub(a.meta[id].lastUpdated) >= OutdatedTimeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	slices.Sort(stale)
	a.RemoveStates(stale, crdt.Origin{Kind: crdt.RemoteApplied, Peer: "timeout"})
	return stale
}

// RenewLocal re-announces the local state when half the outdated timeout
// has passed since its last update. It reports whether it did.
func (a *Awareness) RenewLocal(now time.Time) bool {
	a.mu.Lock()
	state, ok := a.states[a.clientID]
	due := ok && now.Sub(a.meta[a.clientID].lastUpdated) >= OutdatedTimeout/2
	a.mu.Unlock()
	if !due {
		return false
	}
	a.SetLocalState(state)
	return true
}

// Destroy clears every state, tells subscribers the tracker is now empty
// and drops all subscriptions.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	change := Change{Origin: crdt.Local()}
	for id := range a.states {
		change.Removed = append(change.Removed, id)
		m := a.meta[id]
		m.clock++
		a.meta[id] = m
	}
	slices.Sort(change.Removed)
	clear(a.states)
	a.mu.Unlock()

	a.events.Emit(EventChange, change)
	a.events.Emit(EventUpdate, change)
	a.events.Clear()
}

func equalState(a, b State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// diff returns the elements of all missing from exclude.
func diff(all, exclude []uint64) []uint64 {
	var out []uint64
	for _, id := range all {
		if !slices.Contains(exclude, id) {
			out = append(out, id)
		}
	}
	return out
}
