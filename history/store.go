package history

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is one stored update. IDs are ULIDs, so ordering by id is
// ordering by arrival.
type Record struct {
	ID        string
	Channel   string
	Update    []byte
	CreatedAt time.Time
}

// Store persists channel history.
type Store interface {
	Append(ctx context.Context, channel string, update []byte) (Record, error)
	List(ctx context.Context, channel string) ([]Record, error)
}

func newRecord(channel string, update []byte) Record {
	id := ulid.Make()
	return Record{
		ID:        id.String(),
		Channel:   channel,
		Update:    append([]byte(nil), update...),
		CreatedAt: ulid.Time(id.Time()).UTC(),
	}
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string][]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string][]Record)}
}

func (s *MemoryStore) Append(_ context.Context, channel string, update []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newRecord(channel, update)
	s.channels[channel] = append(s.channels[channel], r)
	return r, nil
}

func (s *MemoryStore) List(_ context.Context, channel string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.channels[channel]))
	copy(out, s.channels[channel])
	return out, nil
}
