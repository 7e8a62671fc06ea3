package ctxstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/testutil"
)

func newTestStore(peer string, start int64) (*Store, *testutil.DeterministicClock) {
	clock := testutil.NewDeterministicClock(start)
	return New(peer, WithClock(clock)), clock
}

func TestStore_UpdateThenGet(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)

	_, err := s.Update("sensors.kitchen.temp", ir.Float(21.5))
	require.NoError(t, err)

	got, err := s.Get("sensors.kitchen.temp")
	require.NoError(t, err)
	assert.Equal(t, ir.Float(21.5), got)

	kitchen, err := s.Get("sensors.kitchen")
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"temp": ir.Float(21.5)}, kitchen))
}

func TestStore_UpdateStampsLocalWrite(t *testing.T) {
	s, _ := newTestStore("peer-a", 1000)

	diff, err := s.Update("a.b", ir.Int(1))
	require.NoError(t, err)

	n, err := s.GetNode("a.b")
	require.NoError(t, err)
	assert.Equal(t, Stamp{TS: 1001, Origin: "peer-a"}, n.Stamp)
	assert.Equal(t, n.Stamp, diff.Stamp)
	assert.Equal(t, "a", diff.Key)
	assert.Equal(t, "a.b", diff.Path)
}

func TestStore_InvalidPath(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)

	_, err := s.Update("", ir.Int(1))
	assert.True(t, errors.Is(err, ErrInvalidPath))

	_, err = s.Update("a..b", ir.Int(1))
	assert.True(t, errors.Is(err, ErrInvalidPath))

	assert.Empty(t, s.Keys())
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("a.b", ir.Int(1))
	require.NoError(t, err)

	_, err = s.Get("a.c")
	assert.True(t, fault.IsNotFound(err))

	_, err = s.Get("zzz")
	assert.True(t, fault.IsNotFound(err))

	_, err = s.Get("a.b.c")
	assert.True(t, fault.IsNotFound(err))

	assert.True(t, s.Has("a.b"))
	assert.False(t, s.Has("a.c"))
}

func TestStore_GetEmptyPathReturnsRoot(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("x", ir.String("1"))
	require.NoError(t, err)
	_, err = s.Update("y.z", ir.Bool(true))
	require.NoError(t, err)

	root, err := s.Get("")
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"x": ir.String("1"), "y": ir.Object{"z": ir.Bool(true)}}, root))
}

func TestStore_ScalarTraversedAsObjectIsReplaced(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("a", ir.Int(1))
	require.NoError(t, err)

	_, err = s.Update("a.b", ir.Int(2))
	require.NoError(t, err)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"b": ir.Int(2)}, got))
}

func TestStore_ArrayTraversal(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("list", ir.Array{ir.Int(1), ir.Object{"k": ir.Int(2)}})
	require.NoError(t, err)

	_, err = s.Update("list.1.k", ir.Int(3))
	require.NoError(t, err)

	got, err := s.Get("list")
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Array{ir.Int(1), ir.Object{"k": ir.Int(3)}}, got))

	// The whole array carries the newest stamp.
	n, err := s.GetNode("list")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Stamp.TS)
	assert.Equal(t, int64(2), n.Items[0].Stamp.TS)

	_, err = s.Update("list.name", ir.Int(1))
	assert.True(t, errors.Is(err, ErrInvalidPath))
	_, err = s.Update("list.5", ir.Int(1))
	assert.True(t, errors.Is(err, ErrInvalidPath))

	// Failed writes leave the tree unchanged.
	after, err := s.Get("list")
	require.NoError(t, err)
	assert.True(t, ir.Equal(got, after))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("a", ir.Object{"b": ir.Int(1)})
	require.NoError(t, err)

	got, err := s.Get("a")
	require.NoError(t, err)
	got.(ir.Object)["b"] = ir.Int(99)

	again, err := s.Get("a.b")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(1), again)
}

func TestStore_DiffSpineCarriesOnlyPath(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)
	_, err := s.Update("a.x", ir.Int(1))
	require.NoError(t, err)
	diff, err := s.Update("a.y.z", ir.Int(2))
	require.NoError(t, err)

	require.Equal(t, KindObject, diff.Spine.Kind)
	assert.Len(t, diff.Spine.Children, 1)
	assert.Contains(t, diff.Spine.Children, "y")
	assert.Equal(t, int64(1), diff.Spine.Stamp.TS, "spine keeps the real ancestor stamp")

	other, _ := newTestStore("peer-b", 100)
	changed, err := other.MergeDiff(diff)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := other.Get("a.y.z")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(2), got)
}

func TestStore_MergeAtPath(t *testing.T) {
	s, _ := newTestStore("peer-a", 0)

	changed, err := s.Merge("a.b", FromValue(ir.Int(7), Stamp{TS: 5, Origin: "peer-b"}))
	require.NoError(t, err)
	assert.True(t, changed)

	n, err := s.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, Stamp{TS: 5, Origin: "peer-b"}, n.Stamp)

	_, err = s.Merge("", FromValue(ir.Int(1), Stamp{}))
	assert.True(t, fault.IsInvalidParams(err))
	_, err = s.Merge("a", nil)
	assert.True(t, fault.IsInvalidParams(err))
}

func TestStore_ConcurrentWritersOnDistinctKeys(t *testing.T) {
	s := New("peer-a")
	const writers = 16
	const writes = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				_, err := s.Update(fmt.Sprintf("k%d.v%d", w, i), ir.Int(int64(i)))
				assert.NoError(t, err)
				_, _ = s.Get(fmt.Sprintf("k%d", (w+1)%writers))
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, s.Keys(), writers)
	got, err := s.Get("k3.v49")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(49), got)
}

func TestStore_DigestMatchesAfterExchange(t *testing.T) {
	a, _ := newTestStore("peer-a", 0)
	b, _ := newTestStore("peer-b", 0)

	_, err := a.Update("room.temp", ir.Float(20.5))
	require.NoError(t, err)
	_, err = b.Update("room.humidity", ir.Float(40))
	require.NoError(t, err)
	_, err = b.Update("room.temp", ir.Float(22))
	require.NoError(t, err)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)

	_, err = a.Merge("", b.Snapshot())
	require.NoError(t, err)
	_, err = b.Merge("", a.Snapshot())
	require.NoError(t, err)

	da, err = a.Digest()
	require.NoError(t, err)
	db, err = b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	// peer-a wrote temp at ts 1, peer-b at ts 2: the older write survives.
	temp, err := b.Get("room.temp")
	require.NoError(t, err)
	assert.Equal(t, ir.Float(20.5), temp)
}

func TestStore_MixedKindDiffsConvergeInAnyOrder(t *testing.T) {
	a, _ := newTestStore("peer-a", 4)
	b, _ := newTestStore("peer-b", 2)
	c, _ := newTestStore("peer-c", 0)

	da, err := a.Update("hvac.fan", ir.Int(1)) // ts 5
	require.NoError(t, err)
	db, err := b.Update("hvac", ir.String("off")) // ts 3
	require.NoError(t, err)
	dc, err := c.Update("hvac.mode", ir.String("cool")) // ts 1
	require.NoError(t, err)

	perms := [][]Diff{
		{da, db, dc}, {da, dc, db}, {db, da, dc},
		{db, dc, da}, {dc, da, db}, {dc, db, da},
	}
	var want string
	for i, p := range perms {
		r := New(fmt.Sprintf("replica-%d", i))
		for _, d := range p {
			_, err := r.MergeDiff(d)
			require.NoError(t, err)
		}

		got, err := r.Get("hvac")
		require.NoError(t, err)
		assert.True(t, ir.Equal(ir.Object{"fan": ir.Int(1), "mode": ir.String("cool")}, got), "order %d: %v", i, got)

		d, err := r.Digest()
		require.NoError(t, err)
		if i == 0 {
			want = d
			continue
		}
		assert.Equal(t, want, d, "order %d", i)
	}
}
