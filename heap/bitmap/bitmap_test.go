package bitmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kheap/internal/heaperr"
	"github.com/joshuapare/kheap/internal/mem"
	"github.com/joshuapare/kheap/vm"
)

const (
	testBase = 0x40000000
	pageSize = vm.DefaultPageSize
)

type fixture struct {
	space  *vm.Space
	frames *vm.FramePool
	bm     *Allocator
}

func newFixture(t *testing.T, pages, frameLimit uint64) *fixture {
	t.Helper()
	space, err := vm.Reserve(testBase, pages*pageSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close() })

	arena, err := mem.New(space.Base(), space.Bytes())
	require.NoError(t, err)

	frames := vm.NewFramePool(pageSize, frameLimit)
	bm, err := New(Config{
		Arena:    arena,
		PageSize: pageSize,
		Space:    space,
		Pages:    frames,
	})
	require.NoError(t, err)
	return &fixture{space: space, frames: frames, bm: bm}
}

// checkAccounting asserts that the resident count, the bitmap population,
// the page table and the frame pool all agree.
func (f *fixture) checkAccounting(t *testing.T) {
	t.Helper()
	resident := f.bm.Resident()
	require.Equal(t, resident, f.bm.PopCount())
	require.Equal(t, int(resident), f.space.MappedPages())
	require.Equal(t, int(resident), f.frames.InUse())
}

// ============================================================================
// Construction
// ============================================================================

func Test_Bitmap_New(t *testing.T) {
	f := newFixture(t, 16, 0)

	assert.Equal(t, uint64(16), f.bm.Pages())
	assert.Equal(t, uint64(1), f.bm.Reserved())
	assert.Equal(t, uint64(1), f.bm.Resident(), "the bitmap page is resident")
	assert.True(t, f.bm.IsAllocated(testBase))
	assert.False(t, f.bm.IsAllocated(testBase+pageSize))
	assert.False(t, f.bm.IsAllocated(testBase+16*pageSize))
	f.checkAccounting(t)
}

func Test_Bitmap_NewMultiPageBitmap(t *testing.T) {
	// 64K pages need 8 KiB of bitmap.
	f := newFixture(t, 1<<16, 0)

	assert.Equal(t, uint64(2), f.bm.Reserved())
	f.checkAccounting(t)
}

func Test_Bitmap_NewRejectsBadConfig(t *testing.T) {
	space, err := vm.Reserve(testBase, pageSize, pageSize)
	require.NoError(t, err)
	defer space.Close()
	arena, err := mem.New(space.Base(), space.Bytes())
	require.NoError(t, err)
	frames := vm.NewFramePool(pageSize, 0)

	_, err = New(Config{Arena: arena, PageSize: pageSize, Space: space})
	require.ErrorIs(t, err, heaperr.ErrMisuse)

	_, err = New(Config{Arena: arena, PageSize: 3000, Space: space, Pages: frames})
	require.ErrorIs(t, err, heaperr.ErrMisuse)

	_, err = New(Config{Arena: arena, PageSize: pageSize, Space: space, Pages: frames})
	require.ErrorIs(t, err, heaperr.ErrMisuse, "one page cannot hold its bitmap and a slab")
}

func Test_Bitmap_NewFailsWithoutFrames(t *testing.T) {
	space, err := vm.Reserve(testBase, 8*pageSize, pageSize)
	require.NoError(t, err)
	defer space.Close()
	arena, err := mem.New(space.Base(), space.Bytes())
	require.NoError(t, err)

	frames := vm.NewFramePool(pageSize, 1)
	frames.AllocatePage()

	_, err = New(Config{Arena: arena, PageSize: pageSize, Space: space, Pages: frames})
	require.ErrorIs(t, err, heaperr.ErrMapFailed)
}

// ============================================================================
// GetSlab / FreeSlab
// ============================================================================

func Test_Bitmap_GetSlabRejectsPartialPages(t *testing.T) {
	f := newFixture(t, 16, 0)

	for _, size := range []uint64{0, 2048, pageSize + 1} {
		_, err := f.bm.GetSlab(size)
		require.ErrorIs(t, err, heaperr.ErrMisuse, "size %d", size)
	}
	f.checkAccounting(t)
}

func Test_Bitmap_GetSlabMapsPages(t *testing.T) {
	f := newFixture(t, 16, 0)

	addr, err := f.bm.GetSlab(3 * pageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(testBase+pageSize), addr, "first slab follows the bitmap")

	for i := uint64(0); i < 3; i++ {
		require.True(t, f.space.IsMapped(addr+i*pageSize))
		require.True(t, f.bm.IsAllocated(addr+i*pageSize))
	}
	require.False(t, f.space.IsMapped(addr+3*pageSize))
	require.Equal(t, uint64(4), f.bm.Resident())
	f.checkAccounting(t)

	st := f.bm.Stats()
	require.Equal(t, uint64(1), st.SlabsAcquired)
	require.Equal(t, uint64(3), st.PagesAcquired)
}

func Test_Bitmap_Exhaustion(t *testing.T) {
	f := newFixture(t, 8, 0)

	_, err := f.bm.GetSlab(8 * pageSize)
	require.ErrorIs(t, err, heaperr.ErrExhausted)

	addr, err := f.bm.GetSlab(7 * pageSize)
	require.NoError(t, err)

	_, err = f.bm.GetSlab(pageSize)
	require.ErrorIs(t, err, heaperr.ErrExhausted)

	require.NoError(t, f.bm.FreeSlab(addr, 7*pageSize))
	_, err = f.bm.GetSlab(pageSize)
	require.NoError(t, err)
	f.checkAccounting(t)
}

func Test_Bitmap_GetSlabRollsBackOnMapFailure(t *testing.T) {
	// One frame for the bitmap and two more.
	f := newFixture(t, 16, 3)

	_, err := f.bm.GetSlab(3 * pageSize)
	require.ErrorIs(t, err, heaperr.ErrMapFailed)
	require.Equal(t, uint64(1), f.bm.Resident())
	require.False(t, f.bm.IsAllocated(testBase+pageSize))
	f.checkAccounting(t)

	_, err = f.bm.GetSlab(2 * pageSize)
	require.NoError(t, err)
	f.checkAccounting(t)
}

func Test_Bitmap_FreeSlabValidates(t *testing.T) {
	f := newFixture(t, 16, 0)
	addr, err := f.bm.GetSlab(2 * pageSize)
	require.NoError(t, err)

	require.ErrorIs(t, f.bm.FreeSlab(addr+1, pageSize), heaperr.ErrMisuse)
	require.ErrorIs(t, f.bm.FreeSlab(addr, 100), heaperr.ErrMisuse)
	require.ErrorIs(t, f.bm.FreeSlab(testBase, pageSize), heaperr.ErrMisuse, "bitmap pages are never freed")
	require.ErrorIs(t, f.bm.FreeSlab(addr, 3*pageSize), heaperr.ErrMisuse, "third page is free")
	require.ErrorIs(t, f.bm.FreeSlab(testBase+16*pageSize, pageSize), heaperr.ErrOutOfRange)
	require.ErrorIs(t, f.bm.FreeSlab(testBase-pageSize, pageSize), heaperr.ErrOutOfRange)
	f.checkAccounting(t)

	require.NoError(t, f.bm.FreeSlab(addr, 2*pageSize))
	require.False(t, f.space.IsMapped(addr))
	require.Equal(t, uint64(1), f.bm.Resident())
	f.checkAccounting(t)
}

func Test_Bitmap_FreedPagesReadZero(t *testing.T) {
	f := newFixture(t, 4, 0)

	addr, err := f.bm.GetSlab(pageSize)
	require.NoError(t, err)
	off := addr - testBase
	f.space.Bytes()[off] = 0xAB

	require.NoError(t, f.bm.FreeSlab(addr, pageSize))
	again, err := f.bm.GetSlab(pageSize)
	require.NoError(t, err)
	require.Equal(t, addr, again)
	require.Zero(t, f.space.Bytes()[off])
}

func Test_Bitmap_LargeSlab(t *testing.T) {
	f := newFixture(t, 512, 0)

	addr, err := f.bm.GetSlab(200 * pageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(testBase+64*pageSize), addr, "large runs start on a clear word")
	f.checkAccounting(t)
}

// Random acquire/release traffic keeps the resident count equal to the
// bitmap population and never hands out overlapping slabs.
func Test_Bitmap_RandomTraffic(t *testing.T) {
	f := newFixture(t, 1024, 0)
	rng := rand.New(rand.NewSource(42))

	type slab struct{ addr, pages uint64 }
	var live []slab
	owner := make(map[uint64]int)

	for iter := 0; iter < 2000; iter++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			s := live[i]
			require.NoError(t, f.bm.FreeSlab(s.addr, s.pages*pageSize))
			for p := uint64(0); p < s.pages; p++ {
				delete(owner, s.addr+p*pageSize)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			n := uint64(1) << rng.Intn(8)
			if rng.Intn(8) == 0 {
				n = uint64(rng.Intn(150) + 1)
			}
			addr, err := f.bm.GetSlab(n * pageSize)
			if err != nil {
				require.ErrorIs(t, err, heaperr.ErrExhausted)
				continue
			}
			for p := uint64(0); p < n; p++ {
				_, taken := owner[addr+p*pageSize]
				require.False(t, taken, "iter %d: page %#x handed out twice", iter, addr+p*pageSize)
				owner[addr+p*pageSize] = iter
			}
			live = append(live, slab{addr, n})
		}
		require.Equal(t, f.bm.Resident(), f.bm.PopCount(), "iter %d", iter)
	}
	f.checkAccounting(t)
}
