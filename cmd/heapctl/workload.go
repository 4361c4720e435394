package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/kheap/heap"
)

// StressConfig describes a random traffic run.
type StressConfig struct {
	Workers   int
	Ops       int     // operations per worker
	MaxSize   uint64  // largest request in bytes
	FreeRatio float64 // chance that an operation frees instead of allocating
	Seed      int64

	// RecoverEvery runs a recovery pass every that many operations per
	// worker. Zero disables inline recovery.
	RecoverEvery int

	// HighWater starts a reaper with this resident page mark. Zero disables it.
	HighWater uint64

	// Drain frees every live object when the run ends.
	Drain bool
}

// StressResult summarises a run.
type StressResult struct {
	Workers        int               `json:"workers"`
	Operations     uint64            `json:"operations"`
	Elapsed        time.Duration     `json:"elapsed_ns"`
	OutOfMemory    uint64            `json:"out_of_memory"`
	PagesRecovered uint64            `json:"pages_recovered"`
	Reaper         *heap.ReaperStats `json:"reaper,omitempty"`
}

type liveObject struct {
	p    uint64
	n    uint64
	fill byte
}

type stressRun struct {
	cfg    StressConfig
	h      *heap.Allocator
	reaper *heap.Reaper

	ops, oom, recovered atomic.Uint64
}

// runStressWorkload drives cfg.Workers goroutines of random allocate and
// free traffic through h. Every object is filled with a per-object byte on
// allocation and checked before it is freed.
func runStressWorkload(ctx context.Context, h *heap.Allocator, cfg StressConfig) (*StressResult, error) {
	if cfg.Workers <= 0 || cfg.Ops < 0 || cfg.MaxSize == 0 {
		return nil, fmt.Errorf("invalid workload: %d workers, %d ops, max size %d", cfg.Workers, cfg.Ops, cfg.MaxSize)
	}
	run := &stressRun{cfg: cfg, h: h}

	var reaperDone chan error
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.HighWater > 0 {
		run.reaper = h.NewReaper(heap.ReaperConfig{HighWater: cfg.HighWater, Interval: 10 * time.Millisecond})
		reaperDone = make(chan error, 1)
		go func() { reaperDone <- run.reaper.Run(rctx) }()
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, cfg.Workers)
	for w := range cfg.Workers {
		wg.Go(func() { errs[w] = run.worker(ctx, w) })
	}
	wg.Wait()
	elapsed := time.Since(start)

	res := &StressResult{
		Workers:        cfg.Workers,
		Operations:     run.ops.Load(),
		Elapsed:        elapsed,
		OutOfMemory:    run.oom.Load(),
		PagesRecovered: run.recovered.Load(),
	}
	if run.reaper != nil {
		cancel()
		<-reaperDone
		st := run.reaper.Stats()
		res.Reaper = &st
	}
	return res, errors.Join(errs...)
}

func (r *stressRun) worker(ctx context.Context, w int) error {
	rng := rand.New(rand.NewSource(r.cfg.Seed + int64(w)))
	var live []liveObject

	defer func() {
		if r.cfg.Drain {
			for _, o := range live {
				_ = r.h.TryFree(o.p)
			}
		}
	}()

	for i := 0; i < r.cfg.Ops; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		r.ops.Add(1)

		if r.cfg.RecoverEvery > 0 && i > 0 && i%r.cfg.RecoverEvery == 0 {
			r.recovered.Add(r.h.Recovery(16))
		}

		if len(live) > 0 && rng.Float64() < r.cfg.FreeRatio {
			j := rng.Intn(len(live))
			if err := r.free(live[j]); err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		n := 1 + uint64(rng.Int63n(int64(r.cfg.MaxSize)))
		p, err := r.h.TryAllocate(n)
		if errors.Is(err, heap.ErrExhausted) || errors.Is(err, heap.ErrMapFailed) {
			r.oom.Add(1)
			if r.reaper != nil {
				r.reaper.Poke()
			}
			// make room for the next request
			if len(live) > 0 {
				if err := r.free(live[0]); err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				live = live[1:]
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("worker %d: allocate %d bytes: %w", w, n, err)
		}

		o := liveObject{p: p, n: n, fill: byte(rng.Intn(255) + 1)}
		b := r.h.Bytes(p)
		if uint64(len(b)) < n {
			return fmt.Errorf("worker %d: allocation %#x offers %d bytes, asked for %d", w, p, len(b), n)
		}
		for k := range b[:n] {
			b[k] = o.fill
		}
		live = append(live, o)
	}
	return nil
}

func (r *stressRun) free(o liveObject) error {
	b := r.h.Bytes(o.p)
	if uint64(len(b)) < o.n {
		return fmt.Errorf("allocation %#x is no longer valid", o.p)
	}
	if b[0] != o.fill || b[o.n-1] != o.fill {
		return fmt.Errorf("allocation %#x was overwritten: want %#x, got %#x..%#x", o.p, o.fill, b[0], b[o.n-1])
	}
	return r.h.TryFree(o.p)
}
