package poolalloc

// Compact slides every live block, in address order, down to the lowest free
// address so that at most one free run remains, directly below the handle
// table. Handles stay valid and resolve to the moved contents. Calling it again
// without intervening mutations changes nothing.
func (a *Allocator) Compact() {
	if a.free.Len() == 0 {
		return
	}
	if only, _ := a.free.Min(); a.free.Len() == 1 && only.End == a.tableBottom() {
		return
	}

	blocks := make([]block, 0, a.live.Len())
	a.live.Ascend(func(item block) bool {
		blocks = append(blocks, item)
		return true
	})

	a.live.Clear(false)
	cursor := 0
	for _, b := range blocks {
		size := b.Size()
		if b.Start != cursor {
			copy(a.arena[cursor:cursor+size], a.arena[b.Start:b.End])
		}
		a.moveTo(b.slot, Range{Start: cursor, End: cursor + size})
		cursor += size
	}

	a.free.Clear(false)
	if bottom := a.tableBottom(); cursor < bottom {
		a.free.ReplaceOrInsert(Range{Start: cursor, End: bottom})
	}
}
