package heap

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ReaperConfig tunes background recovery.
type ReaperConfig struct {
	// HighWater is the resident page count above which the reaper runs
	// recovery passes.
	HighWater uint64

	// Interval is how often the reaper samples the resident count when
	// nothing pokes it.
	// Default: 1s
	Interval time.Duration

	// PassesPerSecond and Burst bound how often recovery may run.
	// Default: 10, 1
	PassesPerSecond float64
	Burst           int

	// SlabsPerPass is the recovery budget of one pass.
	// Default: 16
	SlabsPerPass int
}

// ReaperStats counts the work the reaper has done.
type ReaperStats struct {
	Wakeups    uint64
	Passes     uint64
	PagesFreed uint64
}

// Reaper runs recovery in the background whenever the heap's resident
// footprint exceeds a high-water mark.
type Reaper struct {
	heap    *Allocator
	cfg     ReaperConfig
	limiter *rate.Limiter
	poke    chan struct{}

	wakeups, passes, freed atomic.Uint64
}

// NewReaper returns a reaper for a. Call Run to start it.
func (a *Allocator) NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.PassesPerSecond <= 0 {
		cfg.PassesPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SlabsPerPass <= 0 {
		cfg.SlabsPerPass = 16
	}
	return &Reaper{
		heap:    a,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PassesPerSecond), cfg.Burst),
		poke:    make(chan struct{}, 1),
	}
}

// Poke asks the reaper to check the heap now. It never blocks.
func (r *Reaper) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Run reaps until ctx is done and returns ctx's error.
func (r *Reaper) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.poke:
		case <-tick.C:
		}
		r.wakeups.Add(1)
		if err := r.reap(ctx); err != nil {
			return err
		}
	}
}

// reap runs paced passes until the heap is under the high-water mark or a
// pass frees nothing.
func (r *Reaper) reap(ctx context.Context) error {
	for r.heap.ResidentPages() > r.cfg.HighWater {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		pages := r.heap.Recovery(r.cfg.SlabsPerPass)
		r.passes.Add(1)
		r.freed.Add(pages)
		if pages == 0 {
			r.heap.log.Debug("reaper found nothing idle",
				"resident", r.heap.ResidentPages(),
				"high_water", r.cfg.HighWater)
			return nil
		}
	}
	return nil
}

// Stats returns the reaper's counters.
func (r *Reaper) Stats() ReaperStats {
	return ReaperStats{
		Wakeups:    r.wakeups.Load(),
		Passes:     r.passes.Load(),
		PagesFreed: r.freed.Load(),
	}
}
