package frame

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/kheap/internal/heaperr"
	"github.com/joshuapare/kheap/internal/mem"
)

// Framer holds the build-time choices that shape the layout. It owns no state.
type Framer struct {
	// PageSize is the native page size.
	PageSize uint64

	// OverrunCheck writes and validates the footer magic.
	OverrunCheck bool

	// PageFloor clamps every request up to one page before rounding.
	PageFloor bool
}

// FooterLen returns the footer size in effect.
func (f Framer) FooterLen() uint64 {
	if f.OverrunCheck {
		return FooterSize
	}
	return 0
}

// Overhead returns the bytes consumed by header and footer.
func (f Framer) Overhead() uint64 {
	return HeaderSize + f.FooterLen()
}

// Floor returns the smallest object size any request is rounded to.
func (f Framer) Floor() uint64 {
	if f.PageFloor && f.PageSize > MinObjectSize {
		return f.PageSize
	}
	return MinObjectSize
}

// Usable returns the caller-visible capacity of an object in class c.
func (f Framer) Usable(c int) uint64 {
	return ClassSize(c) - f.Overhead()
}

// Frame returns the size class that serves a request of n bytes.
func (f Framer) Frame(n uint64) (int, error) {
	total, carry := bits.Add64(n, f.Overhead(), 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d bytes", heaperr.ErrTooLarge, n)
	}
	total = max(total, f.Floor())
	c := bits.Len64(total - 1)
	if c >= NumClasses {
		return 0, fmt.Errorf("%w: %d bytes", heaperr.ErrTooLarge, n)
	}
	return c, nil
}

// Install frames the raw object at raw as a live allocation of class c and
// returns the caller-visible pointer. The header magic is written last so a
// concurrent verifier that sees MagicGuard also sees the footer.
func (f Framer) Install(a *mem.Arena, raw uint64, c int) uint64 {
	if f.OverrunCheck {
		a.Store(raw+ClassSize(c)-FooterSize, MagicGuard)
	}
	a.Store(raw+CacheOffset, uint64(c)+1)
	a.Store(raw+MagicOffset, MagicGuard)
	return raw + HeaderSize
}

// Strip validates the allocation at user pointer p and returns its size
// class and raw object address.
func (f Framer) Strip(a *mem.Arena, p uint64) (int, uint64, error) {
	if p < a.Base()+HeaderSize || p%mem.WordSize != 0 || !a.Contains(p, 1) {
		return 0, 0, fmt.Errorf("%w: pointer %#x", heaperr.ErrOutOfRange, p)
	}
	raw := p - HeaderSize
	c, err := f.Check(a, raw)
	if err != nil {
		return 0, 0, err
	}
	return c, raw, nil
}

// Check validates the header and footer of the live object at raw and
// returns its size class. It never mutates the arena.
func (f Framer) Check(a *mem.Arena, raw uint64) (int, error) {
	switch magic := a.Load(raw + MagicOffset); magic {
	case MagicGuard:
	case MagicFree:
		return 0, fmt.Errorf("%w: object %#x", heaperr.ErrDoubleFree, raw)
	default:
		return 0, fmt.Errorf("%w: possible heap underrun at %#x (header magic %#x)",
			heaperr.ErrCorrupt, raw, magic)
	}

	owner := a.Load(raw + CacheOffset)
	if owner < MinObjectShift+1 || owner > NumClasses {
		return 0, fmt.Errorf("%w: object %#x names unknown cache %d", heaperr.ErrCorrupt, raw, owner)
	}
	c := int(owner - 1)
	size := ClassSize(c)

	align := min(size, f.PageSize)
	if a.Offset(raw)%align != 0 || !a.Contains(raw, size) {
		return 0, fmt.Errorf("%w: object %#x is not a class %d cell", heaperr.ErrCorrupt, raw, c)
	}

	if f.OverrunCheck {
		if foot := a.Load(raw + size - FooterSize); foot != MagicGuard {
			return 0, fmt.Errorf("%w: possible heap overrun at %#x (footer magic %#x)",
				heaperr.ErrCorrupt, raw, foot)
		}
	}
	return c, nil
}
