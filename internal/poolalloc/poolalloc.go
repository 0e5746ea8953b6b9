// Package poolalloc manages a fixed, caller-supplied byte arena. Allocations
// are referenced through Handles that resolve via a handle table stored at the
// top of the arena, so blocks can be moved by Resize and Compact without the
// holders noticing.
package poolalloc

import (
	"fmt"

	"github.com/google/btree"
)

type block struct {
	Range
	slot int
}

// Allocator hands out blocks of a single arena. It is not thread-safe; callers
// sharing one must serialize every call, Compact included.
type Allocator struct {
	arena []byte

	// free tracks free runs below the handle table, ordered by start address.
	// Runs are always maximal: no two of them touch.
	free *btree.BTreeG[Range]
	// live tracks allocated blocks, ordered by start address.
	live *btree.BTreeG[block]

	// gens holds the generation of the allocation each table slot refers to,
	// 0 for a free slot. len(gens) is the number of table slots.
	gens    []uint64
	nextGen uint64
}

// New wraps arena. The allocator borrows the slice for its lifetime and never
// reallocates it; the caller keeps ownership.
func New(arena []byte) (*Allocator, error) {
	if len(arena) < WordSize {
		return nil, fmt.Errorf("arena of %d bytes: %w", len(arena), ErrArenaTooSmall)
	}
	a := &Allocator{
		arena:   arena,
		free:    btree.NewG[Range](32, Range.Less),
		live:    btree.NewG[block](32, func(a, b block) bool { return a.Less(b.Range) }),
		nextGen: 1,
	}
	a.free.ReplaceOrInsert(Range{Start: 0, End: len(arena)})
	return a, nil
}

// take marks r as allocated, splitting the free run that contains it.
func (a *Allocator) take(r Range) {
	var containing Range
	var found bool
	a.free.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		if item.Contains(r) {
			containing = item
			found = true
		}
		return false
	})
	if !found {
		panic(fmt.Sprintf("internal allocator error: range %v is not inside a free run", r))
	}

	a.free.Delete(containing)
	if containing.Start < r.Start {
		a.free.ReplaceOrInsert(Range{Start: containing.Start, End: r.Start})
	}
	if r.End < containing.End {
		a.free.ReplaceOrInsert(Range{Start: r.End, End: containing.End})
	}
}

// release returns r to the free runs, merging it with the runs directly before
// and after it.
func (a *Allocator) release(r Range) {
	merged := r

	if before, ok := a.runEndingAt(r.Start); ok {
		a.free.Delete(before)
		merged = merged.Merge(before)
	}
	if after, ok := a.free.Get(Range{Start: r.End}); ok {
		a.free.Delete(after)
		merged = merged.Merge(after)
	}

	a.free.ReplaceOrInsert(merged)
}

func (a *Allocator) runEndingAt(addr int) (Range, bool) {
	var run Range
	var found bool
	a.free.DescendLessOrEqual(Range{Start: addr}, func(item Range) bool {
		if item.End == addr {
			run = item
			found = true
		}
		return false
	})
	return run, found
}

// tailRun returns the free run that abuts the handle table, if any.
func (a *Allocator) tailRun() (Range, bool) {
	last, ok := a.free.Max()
	if !ok || last.End != a.tableBottom() {
		return Range{}, false
	}
	return last, true
}

// firstFit returns the lowest free run that can hold n bytes. When withSlot is
// set a new table word is needed too, which must come from the tail run.
func (a *Allocator) firstFit(n int, withSlot bool) (Range, bool) {
	bottom := a.tableBottom()
	if withSlot {
		if tail, ok := a.tailRun(); !ok || tail.Size() < WordSize {
			return Range{}, false
		}
	}

	var fit Range
	var found bool
	a.free.Ascend(func(item Range) bool {
		need := n
		if withSlot && item.End == bottom {
			need += WordSize
		}
		if item.Size() >= need {
			fit = item
			found = true
			return false
		}
		return true
	})
	return fit, found
}

// Allocate reserves n bytes and returns a handle to them. The contents of the
// new block are whatever the arena held before.
func (a *Allocator) Allocate(n int) (Handle, error) {
	if n <= 0 {
		return Nil, ErrInvalidSize
	}

	slot, hasSlot := a.findFreeSlot()
	fit, ok := a.firstFit(n, !hasSlot)
	if !ok {
		return Nil, ErrOutOfMemory
	}

	// Growing the table first keeps the word out of the block being carved
	// when fit is the tail run.
	if !hasSlot {
		slot = a.growTable()
	}
	r := Range{Start: fit.Start, End: fit.Start + n}
	a.take(r)

	gen := a.nextGen
	a.nextGen++
	a.gens[slot] = gen
	a.writeSlot(slot, r.Start)
	a.live.ReplaceOrInsert(block{Range: r, slot: slot})
	return Handle{ref: uint32(slot) + 1, gen: gen}, nil
}

// Free releases the block behind h. Freeing Nil or an already freed handle is
// a no-op.
func (a *Allocator) Free(h Handle) {
	b, ok := a.resolve(h)
	if !ok {
		return
	}
	a.live.Delete(b)
	a.release(b.Range)
	a.releaseSlot(b.slot)
}

// Resize changes the usable size of the block behind h to n bytes, keeping the
// first min(n, old size) bytes. The block may move, but h stays valid and is
// returned unchanged. A Nil or freed handle is allocated afresh. On error
// nothing has changed.
func (a *Allocator) Resize(h Handle, n int) (Handle, error) {
	b, ok := a.resolve(h)
	if !ok {
		return a.Allocate(n)
	}
	if n <= 0 {
		return h, ErrInvalidSize
	}

	size := b.Size()
	switch {
	case n < size:
		a.live.ReplaceOrInsert(block{Range: Range{Start: b.Start, End: b.Start + n}, slot: b.slot})
		a.release(Range{Start: b.Start + n, End: b.End})
		return h, nil
	case n == size:
		return h, nil
	}

	if a.growInPlace(b, n) {
		return h, nil
	}

	// Relocate. The old block stays live until the copy is done.
	fit, ok := a.firstFit(n, false)
	if !ok {
		return h, ErrOutOfMemory
	}
	r := Range{Start: fit.Start, End: fit.Start + n}
	a.take(r)
	copy(a.arena[r.Start:r.Start+size], a.arena[b.Start:b.End])
	a.live.Delete(b)
	a.release(b.Range)
	a.moveTo(b.slot, r)
	return h, nil
}

// growInPlace grows b to n bytes using the free runs directly around it: the
// following run first, then the tail of the preceding one, sliding the data
// back.
func (a *Allocator) growInPlace(b block, n int) bool {
	need := n - b.Size()
	after, hasAfter := a.free.Get(Range{Start: b.End})
	before, hasBefore := a.runEndingAt(b.Start)

	avail := 0
	if hasAfter {
		avail += after.Size()
	}
	if hasBefore {
		avail += before.Size()
	}
	if avail < need {
		return false
	}

	end := b.End
	if hasAfter {
		grab := min(need, after.Size())
		a.take(Range{Start: b.End, End: b.End + grab})
		end += grab
		need -= grab
	}
	start := b.Start
	if need > 0 {
		start -= need
		a.take(Range{Start: start, End: b.Start})
		copy(a.arena[start:], a.arena[b.Start:b.End])
	}

	a.live.Delete(b)
	a.moveTo(b.slot, Range{Start: start, End: end})
	return true
}

// moveTo records that the allocation in slot now occupies r.
func (a *Allocator) moveTo(slot int, r Range) {
	a.live.ReplaceOrInsert(block{Range: r, slot: slot})
	a.writeSlot(slot, r.Start)
}

// Bytes returns the block behind h, aliasing the arena. The slice is only
// valid until the next Allocate, Resize, Free or Compact. Nil and freed handles
// yield nil.
func (a *Allocator) Bytes(h Handle) []byte {
	b, ok := a.resolve(h)
	if !ok {
		return nil
	}
	return a.arena[b.Start:b.End:b.End]
}

// Size returns the usable size of the block behind h, or 0.
func (a *Allocator) Size(h Handle) int {
	b, ok := a.resolve(h)
	if !ok {
		return 0
	}
	return b.Size()
}

// Valid reports whether h refers to a live allocation.
func (a *Allocator) Valid(h Handle) bool {
	_, ok := a.resolve(h)
	return ok
}

// Len returns the number of live allocations.
func (a *Allocator) Len() int {
	return a.live.Len()
}

// MaxAllocatable returns the largest n for which Allocate(n) currently
// succeeds, or 0 if none does.
func (a *Allocator) MaxAllocatable() int {
	_, hasSlot := a.findFreeSlot()
	if !hasSlot {
		if tail, ok := a.tailRun(); !ok || tail.Size() < WordSize {
			return 0
		}
	}
	bottom := a.tableBottom()
	best := 0
	a.free.Ascend(func(item Range) bool {
		size := item.Size()
		if !hasSlot && item.End == bottom {
			size -= WordSize
		}
		best = max(best, size)
		return true
	})
	return best
}
