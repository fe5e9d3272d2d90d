package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/config"
	"collabtext/crdt"
	"collabtext/history"
	"collabtext/provider"
	"collabtext/room"
	"collabtext/room/wsroom"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

type inbox struct {
	mu     sync.Mutex
	events []room.Message
	left   []string
}

func listen(rm room.Room) *inbox {
	in := &inbox{}
	rm.On(room.AnyEvent, func(m room.Message) {
		in.mu.Lock()
		in.events = append(in.events, m)
		in.mu.Unlock()
	})
	rm.Presence().On(room.PresenceLeft, func(p room.Participant) {
		in.mu.Lock()
		in.left = append(in.left, p.ID)
		in.mu.Unlock()
	})
	return in
}

func (in *inbox) named(name string) []room.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []room.Message
	for _, m := range in.events {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func (in *inbox) sawLeave(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Contains(in.left, id)
}

type fixture struct {
	relay  *Server
	http   *httptest.Server
	store  *history.MemoryStore
	wsURL  string
	apiKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := history.NewMemoryStore()
	relay := New(room.NewHub(), WithHistory(store), WithAPIKey("secret"))
	server := httptest.NewServer(relay)
	t.Cleanup(server.Close)
	t.Cleanup(relay.CloseSessions)
	return &fixture{
		relay:  relay,
		http:   server,
		store:  store,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
		apiKey: "secret",
	}
}

func (f *fixture) transport() *wsroom.Transport {
	return wsroom.New(f.wsURL, f.apiKey, nil)
}

func (f *fixture) join(t *testing.T, channel, id string) (room.Room, *inbox) {
	t.Helper()
	rm, err := f.transport().Connect(context.Background(), channel, room.Participant{ID: id, Name: id})
	require.NoError(t, err)
	in := listen(rm)
	require.NoError(t, rm.Presence().Join(context.Background()))
	t.Cleanup(func() { _ = rm.Disconnect() })
	return rm, in
}

func ids(ps []room.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestRelayForwardsEventsAndPersistsUpdates(t *testing.T) {
	f := newFixture(t)
	a, _ := f.join(t, "notes", "a")
	_, inB := f.join(t, "notes", "b")

	ctx := context.Background()
	require.NoError(t, a.Emit(ctx, "update", []byte{1, 2}))
	require.NoError(t, a.Emit(ctx, "awareness", []byte{3}))

	require.Eventually(t, func() bool {
		return len(inB.named("update")) == 1 && len(inB.named("awareness")) == 1
	}, waitFor, tick)
	got := inB.named("update")[0]
	assert.Equal(t, []byte{1, 2}, got.Data)
	assert.Equal(t, "a", got.Participant.ID)

	records, err := f.store.List(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, records, 1, "only update events are persisted")
	assert.Equal(t, []byte{1, 2}, records[0].Update)

	updates := history.NewFetcher(f.http.URL).Fetch(ctx, "notes", f.apiKey)
	assert.Equal(t, [][]byte{{1, 2}}, updates)
}

func TestRelayPresence(t *testing.T) {
	f := newFixture(t)
	a, _ := f.join(t, "notes", "a")
	require.Eventually(t, func() bool { return slices.Equal([]string{"a"}, ids(a.Presence().Get())) }, waitFor, tick)

	b, err := f.transport().Connect(context.Background(), "notes", room.Participant{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(b.Presence().Get()), "snapshot arrives before Connect returns")
	inB := listen(b)
	require.NoError(t, b.Presence().Join(context.Background()))

	require.NoError(t, b.Presence().Update(context.Background(), map[string]any{"color": "red"}))
	require.Eventually(t, func() bool {
		for _, p := range a.Presence().Get() {
			if p.ID == "b" && p.Metadata["color"] == "red" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, a.Disconnect())
	require.Eventually(t, func() bool { return inB.sawLeave("a") }, waitFor, tick)
	require.NoError(t, b.Disconnect())
	require.Eventually(t, func() bool { return f.relay.Connections() == 0 }, waitFor, tick)
}

func TestRelayRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/ws/notes?id=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := wsroom.New(f.wsURL, "wrong", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = bad.Connect(ctx, "notes", room.Participant{ID: "x"})
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "a rejected key is not retried")

	resp, err = http.Get(f.http.URL + "/ws/notes?api_key=secret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "participant id is required")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestClientsRedialAfterDrop(t *testing.T) {
	f := newFixture(t)
	a, _ := f.join(t, "notes", "a")
	_, inB := f.join(t, "notes", "b")
	require.Eventually(t, func() bool { return f.relay.Connections() == 2 }, waitFor, tick)

	f.relay.CloseSessions()

	require.Eventually(t, func() bool {
		_ = a.Emit(context.Background(), "ping", nil)
		return len(inB.named("ping")) > 0
	}, waitFor, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Equal([]string{"a", "b"}, ids(a.Presence().Get()))
	}, waitFor, tick)
}

func newProvider(t *testing.T, f *fixture, id string, doc crdt.Document) *provider.Provider {
	t.Helper()
	store := config.NewStore()
	store.Set(config.KeyAPIKey, f.apiKey)
	store.Set(config.KeyRoomName, "essay")
	store.Set(config.KeyParticipant, room.Participant{ID: id})
	p := provider.New(doc, f.transport(), store,
		provider.WithHistory(history.NewFetcher(f.http.URL)),
		provider.WithHandshakeTimeout(time.Second))
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func TestProvidersSyncThroughRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1 := crdt.NewDoc()
	p1 := newProvider(t, f, "p1", d1)
	require.NoError(t, p1.Connect(ctx))
	require.Eventually(t, p1.Synced, waitFor, tick)

	d2 := crdt.NewDoc()
	d2.Set("offline", "edit")
	p2 := newProvider(t, f, "p2", d2)
	require.NoError(t, p2.Connect(ctx))
	require.Eventually(t, p2.Synced, waitFor, tick)

	d1.Set("title", "draft")
	require.Eventually(t, func() bool {
		v, _ := d2.Get("title")
		w, _ := d1.Get("offline")
		return v == "draft" && w == "edit"
	}, waitFor, tick)

	// With everyone gone, a newcomer still gets the broadcast edits from
	// history.
	require.NoError(t, p1.Destroy())
	require.NoError(t, p2.Destroy())
	d3 := crdt.NewDoc()
	p3 := newProvider(t, f, "p3", d3)
	require.NoError(t, p3.Connect(ctx))
	v, ok := d3.Get("title")
	assert.True(t, ok)
	assert.Equal(t, "draft", v)
}
