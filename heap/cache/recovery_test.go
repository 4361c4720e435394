package cache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kheap/heap/frame"
	"github.com/joshuapare/kheap/internal/heaperr"
)

// fill allocates and frames every object of n fresh slabs, returned per slab.
func (f *fixture) fill(t *testing.T, c *Cache, n int) [][]uint64 {
	t.Helper()
	per := int(c.SlabSize() / c.ObjectSize())
	slabs := make([][]uint64, n)
	for s := range slabs {
		for i := 0; i < per; i++ {
			slabs[s] = append(slabs[s], f.live(t, c))
		}
	}
	return slabs
}

func Test_Cache_RecoveryFreesOnlyIdleSlab(t *testing.T) {
	f := newFixture(t, 8)
	c := f.cache(t, 256)
	slabs := f.fill(t, c, 3)

	// Slab 1 becomes fully idle; slabs 0 and 2 keep one live object each.
	for _, raw := range slabs[1] {
		require.NoError(t, c.Free(raw))
	}
	for _, raw := range slabs[0][1:] {
		require.NoError(t, c.Free(raw))
	}
	for _, raw := range slabs[2][:len(slabs[2])-1] {
		require.NoError(t, c.Free(raw))
	}
	before := c.FreeObjects()

	n, bytes := c.Recovery(1)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(pageSize), bytes)
	require.Equal(t, []uint64{slabs[1][0]}, f.slabs.Freed())
	require.Equal(t, before-pageSize/256, c.FreeObjects())

	require.True(t, c.IsPointerValid(slabs[0][0]))
	require.True(t, c.IsPointerValid(slabs[2][len(slabs[2])-1]))

	// Nothing else is idle.
	n, _ = c.Recovery(10)
	require.Zero(t, n)
	require.Equal(t, before-pageSize/256, c.FreeObjects())

	st := c.Stats()
	require.Equal(t, uint64(1), st.SlabsReleased)
	require.Equal(t, uint64(2), st.SlabsResident)
	require.Equal(t, uint64(2), st.Recoveries)
}

func Test_Cache_RecoveryRespectsBudget(t *testing.T) {
	f := newFixture(t, 8)
	c := f.cache(t, 1024)
	slabs := f.fill(t, c, 4)
	for _, s := range slabs {
		for _, raw := range s {
			require.NoError(t, c.Free(raw))
		}
	}

	n, _ := c.Recovery(1)
	require.Equal(t, 1, n)
	require.Equal(t, 12, c.FreeObjects())

	n, _ = c.Recovery(2)
	require.Equal(t, 2, n)

	n, _ = c.Recovery(0)
	require.Zero(t, n)
	require.Equal(t, 4, c.FreeObjects())

	n, bytes := c.Recovery(5)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(pageSize), bytes)
	require.Zero(t, c.FreeObjects())

	// The cache still works after losing every slab.
	raw := f.live(t, c)
	require.True(t, c.IsPointerValid(raw))
}

func Test_Cache_RecoveryLargeObjects(t *testing.T) {
	f := newFixture(t, 16)
	c := f.cache(t, 4*pageSize)

	a := f.live(t, c)
	b := f.live(t, c)
	require.NoError(t, c.Free(b))

	n, bytes := c.Recovery(4)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(4*pageSize), bytes)
	require.Equal(t, []uint64{b}, f.slabs.Freed())
	require.True(t, c.IsPointerValid(a))
}

func Test_Cache_RecoveryRestoresOriginLists(t *testing.T) {
	f := newFixture(t, 8)
	cpu := 0
	f.env.CPUs = 2
	f.env.CPU = func() int { return cpu }
	c := f.cache(t, 1024)

	keep := f.live(t, c) // slab stays partially used
	cpu = 1
	other := f.live(t, c)
	require.NoError(t, c.Free(other))

	before0 := length(f.arena, &c.lists[0])
	before1 := length(f.arena, &c.lists[1])

	// Only the second slab is idle.
	n, _ := c.Recovery(1)
	require.Equal(t, 1, n)
	require.Equal(t, before0, length(f.arena, &c.lists[0]), "first slab's nodes return to list 0")
	require.Zero(t, length(f.arena, &c.lists[1]))
	require.Equal(t, 3, before0)
	require.Equal(t, 4, before1)
	require.True(t, c.IsPointerValid(keep))
}

// The idleness test reads both the owner and the state of every cell. A
// cell on the list that names an owner keeps its slab resident.
func Test_Cache_RecoveryChecksOwnerAndState(t *testing.T) {
	f := newFixture(t, 4)
	c := f.cache(t, 2048)

	a := f.live(t, c)
	b := f.live(t, c)
	require.NoError(t, c.Free(a))
	require.NoError(t, c.Free(b))

	f.arena.Store(b+frame.OwnerOffset, 12)
	n, _ := c.Recovery(1)
	require.Zero(t, n)

	f.arena.Store(b+frame.OwnerOffset, 0)
	f.arena.Store(b+frame.StateOffset, frame.MagicClaimed)
	n, _ = c.Recovery(1)
	require.Zero(t, n)
	require.Equal(t, 2, c.FreeObjects(), "nodes go back even when the slab is kept")

	f.arena.Store(b+frame.StateOffset, frame.MagicFree)
	n, _ = c.Recovery(1)
	require.Equal(t, 1, n)
}

type failingSlabs struct{ *bumpSlabs }

func (failingSlabs) FreeSlab(uint64, uint64) error { return heaperr.ErrMisuse }

func Test_Cache_RecoveryKeepsSlabWhenReleaseFails(t *testing.T) {
	f := newFixture(t, 4)
	f.env.Slabs = failingSlabs{f.slabs}
	f.env.TrackSlabs = true
	c := f.cache(t, 512)

	raw := f.live(t, c)
	require.NoError(t, c.Free(raw))

	n, _ := c.Recovery(1)
	require.Zero(t, n)
	require.Equal(t, pageSize/512, c.FreeObjects())
	require.Len(t, c.TrackedSlabs(), 1)
}

// An allocator that finds its list empty while a pass holds the free nodes
// waits for the pass instead of failing to grow.
func Test_Cache_AllocateWaitsForRecoveryPass(t *testing.T) {
	f := newFixture(t, 1)
	c := f.cache(t, 1024)
	pinned := f.live(t, c)

	// Play the part of a pass: hold every free node with nothing left to grow.
	c.pass.Add(1)
	var held []uint64
	for {
		off, ok := pop(f.arena, &c.lists[0])
		if !ok {
			break
		}
		held = append(held, off)
	}
	require.Len(t, held, 3)

	got := make(chan error, 1)
	go func() {
		_, err := c.Allocate()
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("allocate returned during the pass: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	pushAll(f.arena, &c.lists[0], held)
	c.pass.Add(1)

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("allocate never resumed after the pass")
	}
	require.Equal(t, 2, c.FreeObjects())
	require.True(t, c.IsPointerValid(pinned))
}

func Test_Cache_AllocateFailsWithoutPass(t *testing.T) {
	f := newFixture(t, 1)
	c := f.cache(t, 2048)
	f.live(t, c)
	f.live(t, c)

	_, err := c.Allocate()
	require.ErrorIs(t, err, heaperr.ErrExhausted)
}

// A pass over a slab pinned by one live object gives every free node back,
// and allocators running beside it never see the heap as exhausted.
func Test_Cache_RecoveryNeverStarvesAllocators(t *testing.T) {
	f := newFixture(t, 1)
	c := f.cache(t, 64)
	f.live(t, c)

	var failures atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20000; i++ {
			raw, err := c.Allocate()
			if err != nil {
				failures.Add(1)
				continue
			}
			f.env.Framer.Install(f.arena, raw, c.Class())
			if err := c.Free(raw); err != nil {
				failures.Add(1)
			}
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			n, _ := c.Recovery(1)
			require.Zero(t, n)
		}
	}
	require.Zero(t, failures.Load())
	require.Equal(t, pageSize/64-1, c.FreeObjects())
}

// Recovery runs alongside allocators. Every object a worker holds must stay
// valid, and a released slab must never contain a live object.
func Test_Cache_RecoveryConcurrentWithTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency stress in short mode")
	}
	f := newFixture(t, 4096)
	c := f.cache(t, 128)

	const workers = 4
	var wg sync.WaitGroup
	done := make(chan struct{})
	errs := make(chan error, workers+1)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + w)))
			var mine []uint64
			for i := 0; i < 2000; i++ {
				if len(mine) > 0 && rng.Intn(2) == 0 {
					raw := mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					if !c.IsPointerValid(raw) {
						errs <- heaperr.ErrCorrupt
						return
					}
					if err := c.Free(raw); err != nil {
						errs <- err
						return
					}
					continue
				}
				raw, err := c.Allocate()
				if err != nil {
					errs <- err
					return
				}
				f.env.Framer.Install(f.arena, raw, c.Class())
				mine = append(mine, raw)
			}
			for _, raw := range mine {
				if err := c.Free(raw); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			c.Recovery(2)
		}
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Everything is free now, so a final pass releases every slab.
	c.Recovery(1 << 20)
	st := c.Stats()
	require.Zero(t, st.SlabsResident)
	require.Zero(t, c.FreeObjects())
}
