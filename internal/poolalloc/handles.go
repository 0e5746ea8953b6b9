package poolalloc

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the number of arena bytes one handle table slot occupies.
const WordSize = 8

// Handle refers to a slot in the handle table, never to an arena address.
// Copies of a Handle refer to the same allocation. The zero value is Nil.
type Handle struct {
	ref uint32 // slot index + 1
	gen uint64
}

var Nil Handle

func (h Handle) IsNil() bool {
	return h.ref == 0
}

func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d", h.ref-1, h.gen)
}

func (a *Allocator) slots() int {
	return len(a.gens)
}

// tableBottom is the lowest arena offset used by the handle table.
func (a *Allocator) tableBottom() int {
	return len(a.arena) - a.slots()*WordSize
}

// Slot i lives in the i-th word counting down from the end of the arena.
func (a *Allocator) slotWord(i int) []byte {
	off := len(a.arena) - (i+1)*WordSize
	return a.arena[off : off+WordSize]
}

// readSlot returns the block address recorded in slot i. Free slots hold 0,
// occupied slots hold address+1.
func (a *Allocator) readSlot(i int) (int, bool) {
	v := binary.LittleEndian.Uint64(a.slotWord(i))
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

func (a *Allocator) writeSlot(i int, addr int) {
	binary.LittleEndian.PutUint64(a.slotWord(i), uint64(addr)+1)
}

func (a *Allocator) clearSlot(i int) {
	binary.LittleEndian.PutUint64(a.slotWord(i), 0)
}

// findFreeSlot returns the first free slot searching from the top of the arena.
func (a *Allocator) findFreeSlot() (int, bool) {
	for i, gen := range a.gens {
		if gen == 0 {
			return i, true
		}
	}
	return 0, false
}

// growTable adds one slot at the bottom of the table, taking its word from the
// free run that abuts the table. Callers must have checked that run exists.
func (a *Allocator) growTable() int {
	bottom := a.tableBottom()
	a.take(Range{Start: bottom - WordSize, End: bottom})
	a.gens = append(a.gens, 0)
	slot := a.slots() - 1
	a.clearSlot(slot)
	return slot
}

// releaseSlot marks the slot free. The table only shrinks when the freed slot
// is the most recently added one; any free slots that become topmost as a
// result go with it.
func (a *Allocator) releaseSlot(slot int) {
	a.clearSlot(slot)
	a.gens[slot] = 0
	if slot != a.slots()-1 {
		return
	}
	for a.slots() > 0 && a.gens[a.slots()-1] == 0 {
		bottom := a.tableBottom()
		a.gens = a.gens[:a.slots()-1]
		a.release(Range{Start: bottom, End: bottom + WordSize})
	}
}

// resolve maps a handle to its live block. Nil handles and handles whose
// allocation has been freed resolve to nothing.
func (a *Allocator) resolve(h Handle) (block, bool) {
	if h.IsNil() {
		return block{}, false
	}
	slot := int(h.ref - 1)
	if slot >= a.slots() || a.gens[slot] != h.gen {
		return block{}, false
	}
	addr, ok := a.readSlot(slot)
	if !ok {
		panic(fmt.Sprintf("internal allocator error: slot %d has generation %d but no address", slot, h.gen))
	}
	b, found := a.live.Get(block{Range: Range{Start: addr}})
	if !found || b.slot != slot {
		panic(fmt.Sprintf("internal allocator error: slot %d points at %d which is not its live block", slot, addr))
	}
	return b, true
}
