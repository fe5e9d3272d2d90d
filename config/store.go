// Package config holds the settings a sync session is built from. A Store
// is created once per provider and handed to every component that needs the
// API key, environment, participant or room name; nothing is process-global.
package config

import (
	"sync"

	"collabtext/room"
)

// Key names a Store entry.
type Key string

const (
	KeyAPIKey      Key = "apiKey"
	KeyEnvironment Key = "environment"
	KeyParticipant Key = "participant"
	KeyRoomName    Key = "roomName"
)

// Store is a keyed configuration map. It performs no validation.
type Store struct {
	mu     sync.RWMutex
	values map[Key]any
}

func NewStore() *Store {
	return &Store{values: make(map[Key]any)}
}

func (s *Store) Set(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key and whether it was set.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) lookupString(key Key) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

func (s *Store) APIKey() string      { return s.lookupString(KeyAPIKey) }
func (s *Store) Environment() string { return s.lookupString(KeyEnvironment) }
func (s *Store) RoomName() string    { return s.lookupString(KeyRoomName) }

// Participant returns the configured identity, or the zero Participant.
func (s *Store) Participant() room.Participant {
	v, _ := s.Get(KeyParticipant)
	p, _ := v.(room.Participant)
	return p
}
