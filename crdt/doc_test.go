package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordUpdates collects every update a document emits.
func recordUpdates(d *Doc) *[][]byte {
	var updates [][]byte
	d.OnUpdate(func(update []byte, _ Origin) {
		updates = append(updates, update)
	})
	return &updates
}

func TestConvergenceUnderReorderAndDuplication(t *testing.T) {
	authors := []*Doc{
		NewDoc(WithClientID(1)),
		NewDoc(WithClientID(2)),
		NewDoc(WithClientID(3)),
	}
	var all [][]byte
	for i, author := range authors {
		updates := recordUpdates(author)
		for n := 0; n < 20; n++ {
			key := fmt.Sprintf("k%d", n%5)
			if n%7 == 6 {
				author.Delete(key)
			} else {
				author.Set(key, fmt.Sprintf("v%d-%d", i, n))
			}
		}
		all = append(all, *updates...)
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		a := NewDoc(WithClientID(100))
		b := NewDoc(WithClientID(200))

		forA := append([][]byte(nil), all...)
		forA = append(forA, all[:10]...)
		rng.Shuffle(len(forA), func(i, j int) { forA[i], forA[j] = forA[j], forA[i] })

		forB := append([][]byte(nil), all...)
		forB = append(forB, all[len(all)-10:]...)
		rng.Shuffle(len(forB), func(i, j int) { forB[i], forB[j] = forB[j], forB[i] })

		for _, u := range forA {
			require.NoError(t, a.ApplyUpdate(u, Remote("peer")))
		}
		for _, u := range forB {
			require.NoError(t, b.ApplyUpdate(u, Remote("peer")))
		}

		assert.Equal(t, a.EncodeStateVector(), b.EncodeStateVector(), "round %d", round)
		assert.Equal(t, a.Snapshot(), b.Snapshot(), "round %d", round)
		assert.Zero(t, a.PendingLen())
		assert.Zero(t, b.PendingLen())
	}
}

func TestOutOfOrderOpsWaitForGap(t *testing.T) {
	author := NewDoc(WithClientID(1))
	updates := recordUpdates(author)
	author.Set("a", "1")
	author.Set("b", "2")

	replica := NewDoc(WithClientID(2))
	require.NoError(t, replica.ApplyUpdate((*updates)[1], Remote("p")))
	_, ok := replica.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, replica.PendingLen())

	require.NoError(t, replica.ApplyUpdate((*updates)[0], Remote("p")))
	v, ok := replica.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Zero(t, replica.PendingLen())
}

func TestConcurrentWritesPickSameWinner(t *testing.T) {
	low := NewDoc(WithClientID(1))
	high := NewDoc(WithClientID(2))
	lowUpdates := recordUpdates(low)
	highUpdates := recordUpdates(high)

	low.Set("title", "from-low")
	high.Set("title", "from-high")

	require.NoError(t, low.ApplyUpdate((*highUpdates)[0], Remote("high")))
	require.NoError(t, high.ApplyUpdate((*lowUpdates)[0], Remote("low")))

	lv, _ := low.Get("title")
	hv, _ := high.Get("title")
	assert.Equal(t, "from-high", lv)
	assert.Equal(t, lv, hv)
}

func TestEncodeStateAsUpdateSinceStateVector(t *testing.T) {
	a := NewDoc(WithClientID(1))
	a.Set("x", "1")

	b := NewDoc(WithClientID(2))
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(full, Handshake("a")))

	a.Set("y", "2")
	diff, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	require.NoError(t, err)

	ops, err := decodeOps(diff)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "y", ops[0].Key)

	require.NoError(t, b.ApplyUpdate(diff, Handshake("a")))
	assert.Equal(t, a.EncodeStateVector(), b.EncodeStateVector())
}

func TestUpdateHandlerSeesOrigins(t *testing.T) {
	a := NewDoc(WithClientID(1))
	aUpdates := recordUpdates(a)
	a.Set("k", "v")

	b := NewDoc(WithClientID(2))
	var origins []Origin
	unsubscribe := b.OnUpdate(func(_ []byte, origin Origin) {
		origins = append(origins, origin)
	})

	require.NoError(t, b.ApplyUpdate((*aUpdates)[0], Remote("peer-a")))
	// A duplicate changes nothing, so it must not fire the hook.
	require.NoError(t, b.ApplyUpdate((*aUpdates)[0], Remote("peer-a")))
	b.Set("own", "edit")

	require.Equal(t, []Origin{Remote("peer-a"), Local()}, origins)
	assert.False(t, origins[0].IsLocal())
	assert.True(t, origins[1].IsLocal())

	unsubscribe()
	b.Set("after", "unsubscribe")
	assert.Len(t, origins, 2)
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	d := NewDoc()
	assert.Error(t, d.ApplyUpdate([]byte{0xff, 0x00}, Remote("x")))
	assert.Empty(t, d.Snapshot())
}

func TestOriginString(t *testing.T) {
	assert.Equal(t, "local", Local().String())
	assert.Equal(t, "handshake:p1", Handshake("p1").String())
	assert.Equal(t, "history", History().String())
}
