package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/crdt"
)

func collect(a *Awareness, event string) *[]Change {
	var changes []Change
	a.On(event, func(c Change) { changes = append(changes, c) })
	return &changes
}

func TestLocalStateChanges(t *testing.T) {
	a := New(1)
	changes := collect(a, EventChange)
	updates := collect(a, EventUpdate)

	a.SetLocalStateField("cursor", 4)
	a.SetLocalStateField("cursor", 4)
	a.SetLocalState(nil)

	require.Len(t, *changes, 2, "re-setting an identical state is not a change")
	assert.Equal(t, []uint64{1}, (*changes)[0].Updated)
	assert.Equal(t, []uint64{1}, (*changes)[1].Removed)
	assert.Len(t, *updates, 3)
	assert.Nil(t, a.LocalState())
}

func TestRemoteUpdatesRespectClock(t *testing.T) {
	remote := New(2)
	remote.SetLocalState(State{"name": "bob"})
	oldUpdate, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	remote.SetLocalState(State{"name": "robert"})
	newUpdate, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)

	local := New(1)
	changes := collect(local, EventChange)

	require.NoError(t, local.ApplyUpdate(newUpdate, crdt.Remote("peer-2")))
	require.NoError(t, local.ApplyUpdate(oldUpdate, crdt.Remote("peer-2")))

	assert.Equal(t, "robert", local.States()[2]["name"])
	require.Len(t, *changes, 1)
	assert.Equal(t, []uint64{2}, (*changes)[0].Added)
	assert.Equal(t, "peer-2", (*changes)[0].Origin.Peer)

	clients, err := DecodeClients(newUpdate)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, clients)
}

func TestRemoteRemovalAndRemoveStates(t *testing.T) {
	remote := New(2)
	local := New(1)
	update, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(update, crdt.Remote("p")))
	require.Contains(t, local.States(), uint64(2))

	remote.SetLocalState(nil)
	removal, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(removal, crdt.Remote("p")))
	assert.NotContains(t, local.States(), uint64(2))

	remote.SetLocalState(State{"back": true})
	update, err = remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(update, crdt.Remote("p")))
	require.Contains(t, local.States(), uint64(2))

	local.RemoveStates([]uint64{1, 2}, crdt.Remote("p"))
	assert.NotContains(t, local.States(), uint64(2))
	assert.Contains(t, local.States(), uint64(1), "local state survives RemoveStates")
}

func TestClaimedRemovalOfLocalClientTriggersReannounce(t *testing.T) {
	local := New(1)
	local.SetLocalStateField("name", "ann")

	// A stale peer says client 1 is gone.
	liar := New(1)
	liar.SetLocalState(nil)
	liar.SetLocalState(State{})
	liar.SetLocalState(nil)
	claim, err := liar.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	updates := collect(local, EventUpdate)
	require.NoError(t, local.ApplyUpdate(claim, crdt.Remote("p")))

	assert.Equal(t, "ann", local.LocalState()["name"])
	require.Len(t, *updates, 1)
	assert.True(t, (*updates)[0].Origin.IsLocal())
}

func TestOutdatedAndRenew(t *testing.T) {
	now := time.Unix(1000, 0)
	local := New(1)
	local.now = func() time.Time { return now }
	local.SetLocalStateField("x", 1)

	remote := New(2)
	update, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(update, crdt.Remote("p")))

	assert.Empty(t, local.RemoveOutdated(now.Add(OutdatedTimeout/2)))
	assert.False(t, local.RenewLocal(now.Add(time.Second)))
	assert.True(t, local.RenewLocal(now.Add(OutdatedTimeout/2)))

	assert.Equal(t, []uint64{2}, local.RemoveOutdated(now.Add(OutdatedTimeout)))
	assert.Contains(t, local.States(), uint64(1))
}

func TestDestroyNotifiesEmptyState(t *testing.T) {
	local := New(1)
	remote := New(2)
	update, err := remote.EncodeUpdate([]uint64{2})
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(update, crdt.Remote("p")))

	changes := collect(local, EventChange)
	local.Destroy()

	require.Len(t, *changes, 1)
	assert.Equal(t, []uint64{1, 2}, (*changes)[0].Removed)
	assert.Empty(t, local.States())

	// Subscriptions are gone after destroy.
	local.SetLocalState(State{"again": true})
	assert.Len(t, *changes, 1)
}
