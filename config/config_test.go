package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/room"
)

func TestStoreGetSet(t *testing.T) {
	s := NewStore()
	_, ok := s.Get(KeyAPIKey)
	assert.False(t, ok)
	assert.Empty(t, s.APIKey())

	s.Set(KeyAPIKey, "secret")
	s.Set(KeyParticipant, room.Participant{ID: "p1", Name: "Ada"})
	s.Set(Key("custom"), 42)

	v, ok := s.Get(KeyAPIKey)
	require.True(t, ok)
	assert.Equal(t, "secret", v)
	assert.Equal(t, "Ada", s.Participant().Name)
	custom, _ := s.Get("custom")
	assert.Equal(t, 42, custom)

	// Wrongly typed values read back as zero through typed accessors.
	s.Set(KeyRoomName, 7)
	assert.Empty(t, s.RoomName())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabtext.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_key: from-file
room: notes
participant:
  id: p-1
  name: Ada
  metadata:
    color: blue
handshake_timeout: 2s
`), 0o600))

	t.Setenv("COLLABTEXT_API_KEY", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "notes", cfg.Room)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, "dev", cfg.Environment)

	store := cfg.Store()
	assert.Equal(t, "from-env", store.APIKey())
	assert.Equal(t, "notes", store.RoomName())
	assert.Equal(t, room.Participant{ID: "p-1", Name: "Ada", Metadata: map[string]any{"color": "blue"}}, store.Participant())
}

func TestLoadGeneratesParticipantID(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Participant.ID)
	assert.Error(t, cfg.Validate(), "room is still missing")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
