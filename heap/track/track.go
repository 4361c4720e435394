// Package track attributes heap allocations to the call sites that made
// them, so a debugger can ask "who allocated this pointer" and "which sites
// hold the most memory".
//
// Both tables are bounded adaptive replacement caches: sites that stop
// allocating and pointers that are long gone age out instead of growing
// the tracker without limit.
package track

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// pointersPerSite sizes the pointer table relative to the site table.
const pointersPerSite = 64

// Site aggregates the allocations made from one call site.
type Site struct {
	Frame  string
	Allocs uint64
	Frees  uint64
	Bytes  uint64 // total bytes ever allocated
	Live   uint64 // bytes allocated and not yet freed
}

type owner struct {
	frame string
	size  uint64
}

// Tracker records allocation sites. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	sites  *lru.ARCCache // frame -> *Site
	owners *lru.ARCCache // pointer -> owner
}

// New returns a tracker that remembers up to capacity sites.
func New(capacity int) (*Tracker, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("track: capacity %d must be positive", capacity)
	}
	sites, err := lru.NewARC(capacity)
	if err != nil {
		return nil, fmt.Errorf("track: site table: %w", err)
	}
	owners, err := lru.NewARC(capacity * pointersPerSite)
	if err != nil {
		return nil, fmt.Errorf("track: pointer table: %w", err)
	}
	return &Tracker{sites: sites, owners: owners}, nil
}

// Caller names the frame skip levels above the function calling Caller.
func Caller(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s %s:%d", name, filepath.Base(file), line)
}

// Record attributes an allocation of size bytes at p to frame.
func (t *Tracker) Record(frame string, p, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.site(frame)
	s.Allocs++
	s.Bytes += size
	s.Live += size
	t.owners.Add(p, owner{frame: frame, size: size})
}

// Forget records that p was freed. Pointers the tracker never saw, or has
// already aged out, are ignored.
func (t *Tracker) Forget(p uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.owners.Get(p)
	if !ok {
		return
	}
	t.owners.Remove(p)
	o := v.(owner)
	if sv, ok := t.sites.Get(o.frame); ok {
		s := sv.(*Site)
		s.Frees++
		s.Live -= min(s.Live, o.size)
	}
}

// Lookup returns the site that allocated the live pointer p.
func (t *Tracker) Lookup(p uint64) (Site, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.owners.Peek(p)
	if !ok {
		return Site{}, false
	}
	sv, ok := t.sites.Peek(v.(owner).frame)
	if !ok {
		return Site{Frame: v.(owner).frame}, true
	}
	return *sv.(*Site), true
}

// Sites returns every remembered site, largest live footprint first.
func (t *Tracker) Sites() []Site {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Site, 0, t.sites.Len())
	for _, k := range t.sites.Keys() {
		if v, ok := t.sites.Peek(k); ok {
			out = append(out, *v.(*Site))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Live != out[j].Live {
			return out[i].Live > out[j].Live
		}
		return out[i].Frame < out[j].Frame
	})
	return out
}

// Len returns the number of remembered sites.
func (t *Tracker) Len() int {
	return t.sites.Len()
}

func (t *Tracker) site(frame string) *Site {
	if v, ok := t.sites.Get(frame); ok {
		return v.(*Site)
	}
	s := &Site{Frame: frame}
	t.sites.Add(frame, s)
	return s
}
