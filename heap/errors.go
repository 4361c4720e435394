package heap

import (
	"errors"

	"github.com/joshuapare/kheap/internal/heaperr"
)

var (
	// ErrExhausted indicates that no contiguous free run exists for a slab.
	ErrExhausted = heaperr.ErrExhausted

	// ErrCorrupt indicates a header, footer or free-list node that fails validation.
	ErrCorrupt = heaperr.ErrCorrupt

	// ErrDoubleFree indicates a free of an object that is already free.
	ErrDoubleFree = heaperr.ErrDoubleFree

	// ErrMisuse indicates an invalid configuration, slab or object size.
	ErrMisuse = heaperr.ErrMisuse

	// ErrTooLarge indicates a request that exceeds the largest size class.
	ErrTooLarge = heaperr.ErrTooLarge

	// ErrOutOfRange indicates a pointer outside the heap's virtual range.
	ErrOutOfRange = heaperr.ErrOutOfRange

	// ErrMapFailed indicates that a collaborator refused to supply or map a page.
	ErrMapFailed = heaperr.ErrMapFailed

	// ErrClosed indicates use of a heap after Close.
	ErrClosed = errors.New("heap: closed")
)
