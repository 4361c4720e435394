// Package mem provides word-level access to the heap's reserved virtual range.
//
// All metadata words (free-list links, header and footer fields, bitmap words)
// are read and written through Arena so that concurrent callers observe them
// with 64-bit atomic semantics.
package mem

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// WordSize is the size of one metadata word in bytes.
const WordSize = 8

// Arena maps virtual addresses in [Base, Base+len(data)) onto a byte window.
type Arena struct {
	base uint64
	data []byte
}

// New wraps data as the backing store for virtual addresses starting at base.
// data must be at least 8-byte aligned; page-aligned mappings always are.
func New(base uint64, data []byte) (*Arena, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("mem: empty arena")
	}
	if uintptr(unsafe.Pointer(&data[0]))%WordSize != 0 {
		return nil, fmt.Errorf("mem: arena backing is not word aligned")
	}
	return &Arena{base: base, data: data}, nil
}

// Base returns the first virtual address covered by the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the number of bytes covered by the arena.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// End returns the first virtual address past the arena.
func (a *Arena) End() uint64 { return a.base + uint64(len(a.data)) }

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr, n uint64) bool {
	if addr < a.base {
		return false
	}
	off := addr - a.base
	return off <= uint64(len(a.data)) && n <= uint64(len(a.data))-off
}

// Offset returns addr relative to the arena base.
func (a *Arena) Offset(addr uint64) uint64 { return addr - a.base }

// Addr returns the virtual address of an arena offset.
func (a *Arena) Addr(off uint64) uint64 { return a.base + off }

func (a *Arena) word(addr uint64) *uint64 {
	if addr%WordSize != 0 || !a.Contains(addr, WordSize) {
		panic(fmt.Sprintf("mem: bad word address %#x", addr))
	}
	return (*uint64)(unsafe.Pointer(&a.data[addr-a.base]))
}

// Load atomically reads the word at addr.
func (a *Arena) Load(addr uint64) uint64 {
	return atomic.LoadUint64(a.word(addr))
}

// Store atomically writes the word at addr.
func (a *Arena) Store(addr, v uint64) {
	atomic.StoreUint64(a.word(addr), v)
}

// CompareAndSwap atomically replaces the word at addr when it equals old.
func (a *Arena) CompareAndSwap(addr, old, v uint64) bool {
	return atomic.CompareAndSwapUint64(a.word(addr), old, v)
}

// Bytes returns the n-byte window starting at addr.
func (a *Arena) Bytes(addr, n uint64) []byte {
	if !a.Contains(addr, n) {
		panic(fmt.Sprintf("mem: window %#x+%d outside arena", addr, n))
	}
	off := addr - a.base
	return a.data[off : off+n : off+n]
}

// Words returns the n words starting at addr as a slice. The caller is
// responsible for synchronising access.
func (a *Arena) Words(addr, n uint64) []uint64 {
	if n == 0 {
		return nil
	}
	if !a.Contains(addr, n*WordSize) {
		panic(fmt.Sprintf("mem: %d words at %#x outside arena", n, addr))
	}
	return unsafe.Slice(a.word(addr), n)
}

// Zero clears n bytes starting at addr.
func (a *Arena) Zero(addr, n uint64) {
	clear(a.Bytes(addr, n))
}
