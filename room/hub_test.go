package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recorder struct {
	mu       sync.Mutex
	messages []Message
	joined   []string
	left     []string
}

func (r *recorder) attach(rm Room) {
	rm.On(AnyEvent, func(m Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	rm.Presence().On(PresenceJoined, func(p Participant) {
		r.mu.Lock()
		r.joined = append(r.joined, p.ID)
		r.mu.Unlock()
	})
	rm.Presence().On(PresenceLeft, func(p Participant) {
		r.mu.Lock()
		r.left = append(r.left, p.ID)
		r.mu.Unlock()
	})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) sawJoin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.joined {
		if j == id {
			return true
		}
	}
	return false
}

func (r *recorder) sawLeave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.left {
		if j == id {
			return true
		}
	}
	return false
}

func connect(t *testing.T, h *Hub, id string) (Room, *recorder) {
	t.Helper()
	rm, err := h.Connect(context.Background(), "doc", Participant{ID: id, Name: id})
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(rm)
	require.NoError(t, rm.Presence().Join(context.Background()))
	require.Eventually(t, func() bool { return rec.sawJoin(id) }, waitFor, tick)
	t.Cleanup(func() { _ = rm.Disconnect() })
	return rm, rec
}

func TestHubBroadcastEchoesToSender(t *testing.T) {
	h := NewHub()
	a, recA := connect(t, h, "a")
	_, recB := connect(t, h, "b")

	require.NoError(t, a.Emit(context.Background(), "update", []byte{1, 2, 3}))

	require.Eventually(t, func() bool { return recA.count() == 1 && recB.count() == 1 }, waitFor, tick)
	recB.mu.Lock()
	m := recB.messages[0]
	recB.mu.Unlock()
	assert.Equal(t, "update", m.Name)
	assert.Equal(t, []byte{1, 2, 3}, m.Data)
	assert.Equal(t, "a", m.Participant.ID)
	assert.NotEmpty(t, m.ID)
}

func TestHubWithoutEventEcho(t *testing.T) {
	h := NewHub(WithoutEventEcho())
	a, recA := connect(t, h, "a")
	_, recB := connect(t, h, "b")

	require.NoError(t, a.Emit(context.Background(), "update", []byte("x")))
	require.Eventually(t, func() bool { return recB.count() == 1 }, waitFor, tick)
	assert.Zero(t, recA.count())
}

func TestHubPresenceLifecycle(t *testing.T) {
	h := NewHub()
	a, recA := connect(t, h, "a")
	b, _ := connect(t, h, "b")

	require.Eventually(t, func() bool { return recA.sawJoin("b") }, waitFor, tick)
	ids := func(ps []Participant) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(a.Presence().Get()))
	// b learned about a from the snapshot taken at connect time.
	assert.Equal(t, []string{"a", "b"}, ids(b.Presence().Get()))

	require.NoError(t, b.Presence().Update(context.Background(), map[string]any{"color": "red"}))
	require.Eventually(t, func() bool {
		for _, p := range a.Presence().Get() {
			if p.ID == "b" && p.Metadata["color"] == "red" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, b.Disconnect())
	require.NoError(t, b.Disconnect())
	require.Eventually(t, func() bool { return recA.sawLeave("b") }, waitFor, tick)
	assert.Equal(t, []string{"a"}, ids(a.Presence().Get()))
	assert.Equal(t, 1, h.Members("doc"))
	assert.Equal(t, 2, h.Connections("doc"))
}

func TestEmitAfterDisconnect(t *testing.T) {
	h := NewHub()
	a, _ := connect(t, h, "a")
	require.NoError(t, a.Disconnect())
	assert.ErrorIs(t, a.Emit(context.Background(), "update", nil), ErrClosed)
	assert.ErrorIs(t, a.Presence().Join(context.Background()), ErrClosed)
}

func TestFrameRoundTripRejectsUnknownKind(t *testing.T) {
	f := EventFrame(Participant{ID: "p"}, "update", []byte{9})
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	f.Kind = "bogus"
	data, err = EncodeFrame(f)
	require.NoError(t, err)
	_, err = DecodeFrame(data)
	assert.Error(t, err)
}
