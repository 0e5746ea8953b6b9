package poolalloc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// run is either a live block or a free run, used to walk the arena in order.
type run struct {
	Range
	slot int // -1 for free runs
}

func (a *Allocator) runs() []run {
	runs := make([]run, 0, a.live.Len()+a.free.Len())
	a.live.Ascend(func(item block) bool {
		runs = append(runs, run{Range: item.Range, slot: item.slot})
		return true
	})
	a.free.Ascend(func(item Range) bool {
		runs = append(runs, run{Range: item, slot: -1})
		return true
	})
	slices.SortFunc(runs, func(x, y run) int { return x.Start - y.Start })
	return runs
}

// Dump renders the arena layout, one line per run in address order followed by
// the handle table:
//
//	used  [0, 100) 100 #0
//	free  [100, 1016) 916
//	table [1016, 1024) 8 1
func (a *Allocator) Dump() string {
	var sb strings.Builder
	for _, r := range a.runs() {
		if r.slot < 0 {
			fmt.Fprintf(&sb, "free  %v %d\n", r.Range, r.Size())
		} else {
			fmt.Fprintf(&sb, "used  %v %d #%d\n", r.Range, r.Size(), r.slot)
		}
	}
	table := Range{Start: a.tableBottom(), End: len(a.arena)}
	fmt.Fprintf(&sb, "table %v %d %d\n", table, table.Size(), a.slots())
	return sb.String()
}

type Stats struct {
	ArenaBytes     int
	FreeBytes      int
	FreeRuns       int
	LargestFree    int
	LiveBlocks     int
	LiveBytes      int
	TableSlots     int
	TableBytes     int
	MaxAllocatable int
}

// Fragmentation is the share of free bytes outside the largest free run.
func (s Stats) Fragmentation() float64 {
	if s.FreeBytes == 0 {
		return 0
	}
	return 1 - float64(s.LargestFree)/float64(s.FreeBytes)
}

func (a *Allocator) Stats() Stats {
	s := Stats{
		ArenaBytes:     len(a.arena),
		FreeRuns:       a.free.Len(),
		LiveBlocks:     a.live.Len(),
		TableSlots:     a.slots(),
		TableBytes:     a.slots() * WordSize,
		MaxAllocatable: a.MaxAllocatable(),
	}
	a.free.Ascend(func(item Range) bool {
		s.FreeBytes += item.Size()
		s.LargestFree = max(s.LargestFree, item.Size())
		return true
	})
	a.live.Ascend(func(item block) bool {
		s.LiveBytes += item.Size()
		return true
	})
	return s
}

// Fingerprint is a digest of the whole arena, table included. Two allocators
// with equal fingerprints hold byte-identical arenas.
func (a *Allocator) Fingerprint() [32]byte {
	return blake3.Sum256(a.arena)
}

// Verify checks the allocator's bookkeeping: live blocks and free runs tile
// the arena below the table without gaps or overlaps, free runs are maximal,
// and every table slot agrees with the live blocks.
func (a *Allocator) Verify() error {
	bottom := a.tableBottom()
	if bottom < 0 {
		return fmt.Errorf("handle table of %d slots exceeds arena of %d bytes", a.slots(), len(a.arena))
	}

	cursor := 0
	prevFree := false
	occupied := 0
	for _, r := range a.runs() {
		if r.Size() <= 0 {
			return fmt.Errorf("empty run %v", r.Range)
		}
		if r.Start != cursor {
			return fmt.Errorf("run %v does not start at %d", r.Range, cursor)
		}
		isFree := r.slot < 0
		if isFree && prevFree {
			return fmt.Errorf("free run %v follows another free run", r.Range)
		}
		if !isFree {
			if r.slot >= a.slots() {
				return fmt.Errorf("block %v refers to slot %d beyond table of %d", r.Range, r.slot, a.slots())
			}
			addr, ok := a.readSlot(r.slot)
			if !ok || addr != r.Start {
				return fmt.Errorf("slot %d does not point at block %v", r.slot, r.Range)
			}
			if a.gens[r.slot] == 0 {
				return fmt.Errorf("slot %d of block %v has no generation", r.slot, r.Range)
			}
			occupied++
		}
		prevFree = isFree
		cursor = r.End
	}
	if cursor != bottom {
		return fmt.Errorf("runs end at %d, table starts at %d", cursor, bottom)
	}

	for i, gen := range a.gens {
		_, ok := a.readSlot(i)
		if ok != (gen != 0) {
			return fmt.Errorf("slot %d word and generation %d disagree", i, gen)
		}
		if ok {
			occupied--
		}
	}
	if occupied != 0 {
		return fmt.Errorf("live blocks and occupied slots differ by %d", occupied)
	}
	if a.slots() > 0 && a.gens[a.slots()-1] == 0 {
		return fmt.Errorf("topmost slot %d is free", a.slots()-1)
	}

	s := a.Stats()
	if s.FreeBytes+s.LiveBytes+s.TableBytes != s.ArenaBytes {
		return fmt.Errorf("free %d + live %d + table %d != arena %d", s.FreeBytes, s.LiveBytes, s.TableBytes, s.ArenaBytes)
	}
	return nil
}
