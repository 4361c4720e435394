// Package frame computes size classes and writes and validates the header
// and footer that surround every user allocation.
//
// An object of size class c occupies 1<<c bytes:
//
//	+--------+------------------------------+--------+
//	| Header |           payload            | Footer |
//	+--------+------------------------------+--------+
//	raw      raw+HeaderSize                 raw+size-FooterSize
//
// While the object is free the first words are reinterpreted as a Node:
// Node.State shares storage with Header.Magic and Node.Owner with
// Header.Cache, so a free object always carries MagicFree and a zero owner.
package frame

import "unsafe"

// Header precedes every live allocation.
type Header struct {
	Magic uint64 // MagicGuard while live, MagicFree once released
	Cache uint64 // owning size class + 1
}

// Footer follows every live allocation.
type Footer struct {
	Magic uint64
}

// Node overlays a free object on a free list.
type Node struct {
	State uint64 // MagicFree or MagicClaimed
	Owner uint64 // always zero while free
	Next  uint64 // tagged reference to the next free object
}

const (
	// MagicFree marks an object that sits on a free list.
	MagicFree uint64 = 0xb00b1e55
	// MagicClaimed marks an object popped for reuse but not yet framed.
	MagicClaimed uint64 = 0x67845753
	// MagicGuard brackets every live allocation.
	MagicGuard uint64 = 0x1337cafe
)

const (
	HeaderSize = uint64(unsafe.Sizeof(Header{}))
	FooterSize = uint64(unsafe.Sizeof(Footer{}))
	NodeSize   = uint64(unsafe.Sizeof(Node{}))

	MagicOffset = uint64(unsafe.Offsetof(Header{}.Magic))
	CacheOffset = uint64(unsafe.Offsetof(Header{}.Cache))

	StateOffset = uint64(unsafe.Offsetof(Node{}.State))
	OwnerOffset = uint64(unsafe.Offsetof(Node{}.Owner))
	NextOffset  = uint64(unsafe.Offsetof(Node{}.Next))
)

const (
	// NumClasses is the number of size classes, 2^0 through 2^31.
	NumClasses = 32

	// MinObjectShift is log2 of the smallest object that can hold a Node
	// and a Header plus Footer.
	MinObjectShift = 5

	// MinObjectSize is the smallest usable object size.
	MinObjectSize = uint64(1) << MinObjectShift
)

// The overlay only works if the node fits in the smallest object and its
// state and owner words coincide with the header's magic and cache words.
var (
	_ [MinObjectSize - NodeSize]struct{}
	_ [MinObjectSize - HeaderSize - FooterSize]struct{}
	_ [StateOffset - MagicOffset]struct{}
	_ [MagicOffset - StateOffset]struct{}
	_ [OwnerOffset - CacheOffset]struct{}
	_ [CacheOffset - OwnerOffset]struct{}
)

// ClassSize returns the object size of size class c.
func ClassSize(c int) uint64 { return uint64(1) << uint(c) }
