// Package heaperr holds the sentinel errors shared by the heap packages.
// The public heap package re-exports them.
package heaperr

import "errors"

var (
	// ErrExhausted indicates that no contiguous free run exists for a slab.
	ErrExhausted = errors.New("heap: backing store exhausted")

	// ErrCorrupt indicates a header, footer or free-list node that fails validation.
	ErrCorrupt = errors.New("heap: corruption detected")

	// ErrDoubleFree indicates a free of an object that is already free.
	ErrDoubleFree = errors.New("heap: double free")

	// ErrMisuse indicates an invalid slab or object size.
	ErrMisuse = errors.New("heap: misuse")

	// ErrTooLarge indicates a request that exceeds the largest size class.
	ErrTooLarge = errors.New("heap: allocation too large")

	// ErrOutOfRange indicates an address outside the heap's virtual range.
	ErrOutOfRange = errors.New("heap: address out of range")

	// ErrMapFailed indicates that a collaborator refused to supply or map a page.
	ErrMapFailed = errors.New("heap: page mapping failed")
)
