package wsroom

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/room"
)

func TestEndpoint(t *testing.T) {
	tr := New("http://relay.example:8081/base/", "k", nil)
	raw, err := tr.endpoint("notes:yjs-provider", room.Participant{ID: "p 1", Name: "Ann"})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/base/ws/notes:yjs-provider", u.Path)
	assert.Equal(t, "p 1", u.Query().Get("id"))
	assert.Equal(t, "Ann", u.Query().Get("name"))

	_, err = New("::bad", "", nil).endpoint("c", room.Participant{ID: "x"})
	assert.Error(t, err)
}

func TestConnectGivesUpWithContext(t *testing.T) {
	server := httptest.NewServer(nil)
	addr := server.URL
	server.Close()

	tr := New(addr, "", nil)
	tr.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := tr.Connect(ctx, "notes", room.Participant{ID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
