package poolalloc

import "fmt"

// Range is a run of arena bytes.
type Range struct {
	Start int // inclusive
	End   int // exclusive
}

func (r Range) Size() int {
	return r.End - r.Start
}

func (r Range) Less(other Range) bool {
	return r.Start < other.Start
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start || other.End == r.Start
}

func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

func (r Range) Merge(other Range) Range {
	if !r.Overlaps(other) && !r.Adjacent(other) {
		panic("cannot merge non-overlapping, non-adjacent ranges")
	}
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
