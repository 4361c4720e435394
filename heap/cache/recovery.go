package cache

import (
	"fmt"

	"github.com/joshuapare/kheap/heap/frame"
)

// held is a node taken off a list by recovery, with the list it came from.
type held struct {
	off  uint64
	list int
}

// Recovery returns up to maxSlabs fully idle slabs to the slab source and
// reports how many slabs and bytes were released.
//
// Nodes are popped one at a time and grouped by slab. A slab qualifies only
// when recovery holds all of its cells and each of them reads as free with no
// owner. A slab with a busy cell is disqualified on its first node; the nodes
// of disqualified slabs go back onto their list as soon as that list has
// been drained. Popping stops once the budget is met.
//
// The pass number is odd while a pass runs. An allocator that found its list
// empty during a pass retries after the pass publishes its nodes.
func (c *Cache) Recovery(maxSlabs int) (slabs int, bytes uint64) {
	if c.Inert() || maxSlabs <= 0 {
		return 0, 0
	}

	c.mu.Acquire()
	defer c.mu.Release()
	c.pass.Add(1)
	defer c.pass.Add(1)
	c.recoveries.Add(1)

	groups := make(map[uint64][]held)
	busy := make(map[uint64]bool)
	keep := make([][]uint64, len(c.lists))

	for i := range c.lists {
		for slabs < maxSlabs {
			off, ok := pop(c.arena, &c.lists[i])
			if !ok {
				break
			}
			base := c.slabBase(off)
			if busy[base] {
				keep[i] = append(keep[i], off)
				continue
			}
			if _, seen := groups[base]; !seen && c.inUse(base) {
				busy[base] = true
				keep[i] = append(keep[i], off)
				continue
			}

			nodes := append(groups[base], held{off: off, list: i})
			if uint64(len(nodes)) < c.perSlab {
				groups[base] = nodes
				continue
			}
			delete(groups, base)
			if c.idle(nodes) && c.release(base) {
				slabs++
				bytes += c.slabSize
				continue
			}
			busy[base] = true
			for _, n := range nodes {
				keep[n.list] = append(keep[n.list], n.off)
			}
		}
		pushAll(c.arena, &c.lists[i], keep[i])
		keep[i] = nil
	}

	// Partial groups: slabs with cells on other lists or still allocated.
	for _, nodes := range groups {
		for _, n := range nodes {
			keep[n.list] = append(keep[n.list], n.off)
		}
	}
	for i, offs := range keep {
		pushAll(c.arena, &c.lists[i], offs)
	}

	if slabs > 0 {
		c.log.Debug("cache recovered slabs",
			"object_size", c.objSize,
			"slabs", slabs,
			"bytes", bytes)
	}
	return slabs, bytes
}

// waitPass reports whether a recovery pass overlapped the window that began
// when the pass number read start. If one is still running it waits for the
// pass to publish its nodes first.
func (c *Cache) waitPass(start uint64) bool {
	if start&1 == 0 && c.pass.Load() == start {
		return false
	}
	var spins backoff
	for c.pass.Load()&1 != 0 {
		spins.wait()
	}
	return true
}

// slabBase returns the arena offset of the slab holding the cell at off.
func (c *Cache) slabBase(off uint64) uint64 {
	if c.objSize >= c.slabSize {
		return off
	}
	return off &^ (c.slabSize - 1)
}

// inUse reports whether any cell of the slab at arena offset base is
// allocated or claimed.
func (c *Cache) inUse(base uint64) bool {
	slab := c.arena.Addr(base)
	for i := uint64(0); i < c.perSlab; i++ {
		cell := slab + i*c.objSize
		if c.arena.Load(cell+frame.OwnerOffset) != 0 || c.arena.Load(cell+frame.StateOffset) != frame.MagicFree {
			return true
		}
	}
	return false
}

// idle reports whether nodes covers every cell of one slab and each cell is
// free and unowned.
func (c *Cache) idle(nodes []held) bool {
	if uint64(len(nodes)) != c.perSlab {
		return false
	}
	for _, n := range nodes {
		raw := c.arena.Addr(n.off)
		if c.arena.Load(raw+frame.OwnerOffset) != 0 {
			return false
		}
		if c.arena.Load(raw+frame.StateOffset) != frame.MagicFree {
			return false
		}
	}
	return true
}

// release hands the slab at arena offset base back to the slab source.
func (c *Cache) release(base uint64) bool {
	addr := c.arena.Addr(base)
	c.untrackSlab(addr)
	if err := c.slabs.FreeSlab(addr, c.slabSize); err != nil {
		c.log.Error("cache failed to release slab",
			"object_size", c.objSize,
			"slab", fmt.Sprintf("%#x", addr),
			"err", err)
		c.trackSlab(addr)
		return false
	}
	c.slabsFreed.Add(1)
	return true
}
