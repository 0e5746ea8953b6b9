package storage

import "github.com/garethgeorge/afina/internal/poolalloc"

// Counters are cumulative since the store was created.
type Counters struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Compactions uint64
	OutOfMemory uint64
}

type Stats struct {
	Entries int
	Counters
	Arena poolalloc.Stats
}

func (s *ArenaStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:  s.order.Len(),
		Counters: s.counters,
		Arena:    s.alloc.Stats(),
	}
}
