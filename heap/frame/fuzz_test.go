package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kheap/internal/heaperr"
)

// FuzzFramer_Frame checks that every request lands in the smallest class
// that holds it with the framing overhead.
func FuzzFramer_Frame(f *testing.F) {
	for _, n := range []uint64{0, 1, 8, 9, 4072, 4073, 1<<31 - 24, 1 << 31, ^uint64(0)} {
		f.Add(n, true, true)
		f.Add(n, false, false)
	}

	f.Fuzz(func(t *testing.T, n uint64, overrun, floor bool) {
		fr := Framer{PageSize: pageSize, OverrunCheck: overrun, PageFloor: floor}

		c, err := fr.Frame(n)
		if err != nil {
			require.ErrorIs(t, err, heaperr.ErrTooLarge)
			require.Greater(t, n, fr.Usable(NumClasses-1))
			return
		}
		require.Less(t, c, NumClasses)
		require.GreaterOrEqual(t, fr.Usable(c), n)
		require.GreaterOrEqual(t, ClassSize(c), fr.Floor())
		if c > 0 && ClassSize(c-1) >= fr.Floor() {
			require.Less(t, fr.Usable(c-1), n, "class %d would already fit %d bytes", c-1, n)
		}
	})
}
