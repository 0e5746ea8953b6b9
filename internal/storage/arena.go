package storage

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/garethgeorge/afina/internal/poolalloc"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"
)

// Entry layout inside the arena:
//
//	[0:4) flags, [4:6) key length, [6] encoding, [7] unused, key, value
const headerSize = 8

const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

type options struct {
	maxEntries        int
	compressThreshold int
	compactRate       rate.Limit
	logger            *slog.Logger
}

type Option = func(*options)

// WithMaxEntries caps the number of keys. The oldest key is evicted first.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithCompressThreshold zstd-compresses values of at least n bytes when that
// makes them smaller. 0 disables compression.
func WithCompressThreshold(n int) Option {
	return func(o *options) {
		o.compressThreshold = n
	}
}

// WithCompactRate limits how often the store compacts its arena to satisfy a
// write that did not fit. 0 never compacts on demand; evictions are used
// instead.
func WithCompactRate(r rate.Limit) Option {
	return func(o *options) {
		o.compactRate = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

type entry struct {
	hash   uint64
	handle poolalloc.Handle
	elem   *list.Element
}

// ArenaStore keeps every item inside one fixed arena managed by a
// poolalloc.Allocator. A single mutex guards every operation.
type ArenaStore struct {
	mu sync.Mutex

	alloc     *poolalloc.Allocator
	arenaSize int
	index     map[uint64][]*entry
	order     *list.List // of *entry, oldest first

	maxEntries        int
	compressThreshold int
	compactLimiter    *rate.Limiter
	logger            *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	counters Counters
}

var _ Storage = (*ArenaStore)(nil)

// New creates a store over arena. The caller keeps ownership of the slice and
// must not touch it while the store is in use.
func New(arena []byte, opts ...Option) (*ArenaStore, error) {
	o := options{
		maxEntries: 1 << 20,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", o.maxEntries)
	}

	alloc, err := poolalloc.New(arena)
	if err != nil {
		return nil, fmt.Errorf("creating allocator: %w", err)
	}

	s := &ArenaStore{
		alloc:             alloc,
		arenaSize:         len(arena),
		index:             make(map[uint64][]*entry),
		order:             list.New(),
		maxEntries:        o.maxEntries,
		compressThreshold: o.compressThreshold,
		logger:            o.logger,
	}
	if o.compactRate > 0 {
		s.compactLimiter = rate.NewLimiter(o.compactRate, 1)
	}
	if s.compressThreshold > 0 {
		s.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		s.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			s.encoder.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
	}
	return s, nil
}

// Close releases the compression state. The arena itself belongs to the caller.
func (s *ArenaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder != nil {
		s.encoder.Close()
		s.decoder.Close()
		s.encoder, s.decoder = nil, nil
	}
	return nil
}

func (s *ArenaStore) Put(key string, value []byte, flags uint32) error {
	if !validKey(key) {
		return ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(key); e != nil {
		return s.write(e, key, value, flags)
	}
	return s.insert(key, value, flags)
}

func (s *ArenaStore) PutIfAbsent(key string, value []byte, flags uint32) error {
	if !validKey(key) {
		return ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) != nil {
		return ErrExists
	}
	return s.insert(key, value, flags)
}

func (s *ArenaStore) Set(key string, value []byte, flags uint32) error {
	if !validKey(key) {
		return ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	return s.write(e, key, value, flags)
}

func (s *ArenaStore) Append(key string, data []byte) error {
	return s.concat(key, data, false)
}

func (s *ArenaStore) Prepend(key string, data []byte) error {
	return s.concat(key, data, true)
}

func (s *ArenaStore) concat(key string, data []byte, before bool) error {
	if !validKey(key) {
		return ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	item, err := s.read(e)
	if err != nil {
		return err
	}
	var value []byte
	if before {
		value = append(append(value, data...), item.Value...)
	} else {
		value = append(item.Value, data...)
	}
	return s.write(e, key, value, item.Flags)
}

func (s *ArenaStore) Get(key string) (Item, error) {
	if !validKey(key) {
		return Item{}, ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		s.counters.Misses++
		return Item{}, ErrNotFound
	}
	s.counters.Hits++
	return s.read(e)
}

func (s *ArenaStore) Delete(key string) error {
	if !validKey(key) {
		return ErrKeyInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return ErrNotFound
	}
	s.remove(e)
	return nil
}

func (s *ArenaStore) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compact()
}

func (s *ArenaStore) compact() {
	before := s.alloc.Stats()
	s.alloc.Compact()
	s.counters.Compactions++
	s.logger.Debug("arena compacted",
		"free_runs_before", before.FreeRuns,
		"largest_free_before", before.LargestFree,
		"largest_free_after", s.alloc.Stats().LargestFree)
}

func (s *ArenaStore) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.Dump()
}

// Fingerprint is a digest of the arena contents.
func (s *ArenaStore) Fingerprint() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.Fingerprint()
}

// Verify checks the allocator's bookkeeping and that every indexed entry
// resolves to a readable item.
func (s *ArenaStore) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.alloc.Verify(); err != nil {
		return err
	}
	if s.order.Len() != s.alloc.Len() {
		return fmt.Errorf("%d entries but %d allocations", s.order.Len(), s.alloc.Len())
	}
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if _, err := s.read(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *ArenaStore) keyOf(e *entry) []byte {
	b := s.alloc.Bytes(e.handle)
	if len(b) < headerSize {
		panic(fmt.Sprintf("entry handle %v resolves to %d bytes", e.handle, len(b)))
	}
	n := int(binary.LittleEndian.Uint16(b[4:6]))
	return b[headerSize : headerSize+n]
}

func (s *ArenaStore) lookup(key string) *entry {
	for _, e := range s.index[xxhash.Sum64String(key)] {
		if string(s.keyOf(e)) == key {
			return e
		}
	}
	return nil
}

func (s *ArenaStore) read(e *entry) (Item, error) {
	b := s.alloc.Bytes(e.handle)
	flags := binary.LittleEndian.Uint32(b[0:4])
	keyLen := int(binary.LittleEndian.Uint16(b[4:6]))
	key := string(b[headerSize : headerSize+keyLen])
	stored := b[headerSize+keyLen:]

	var value []byte
	switch b[6] {
	case encodingRaw:
		value = append([]byte(nil), stored...)
	case encodingZstd:
		if s.decoder == nil {
			return Item{}, fmt.Errorf("reading %q: compressed entry but compression is disabled", key)
		}
		var err error
		value, err = s.decoder.DecodeAll(stored, nil)
		if err != nil {
			return Item{}, fmt.Errorf("decompressing %q: %w", key, err)
		}
	default:
		return Item{}, fmt.Errorf("reading %q: unknown encoding %d", key, b[6])
	}
	return Item{Key: key, Value: value, Flags: flags}, nil
}

func (s *ArenaStore) encode(value []byte) (byte, []byte) {
	if s.encoder == nil || len(value) < s.compressThreshold {
		return encodingRaw, value
	}
	compressed := s.encoder.EncodeAll(value, nil)
	if len(compressed) >= len(value) {
		return encodingRaw, value
	}
	return encodingZstd, compressed
}

func (s *ArenaStore) insert(key string, value []byte, flags uint32) error {
	for s.order.Len() >= s.maxEntries {
		s.evictOldest(nil)
	}
	e := &entry{hash: xxhash.Sum64String(key)}
	if err := s.write(e, key, value, flags); err != nil {
		return err
	}
	e.elem = s.order.PushBack(e)
	s.index[e.hash] = append(s.index[e.hash], e)
	return nil
}

// write encodes the item into e's block, resizing it first. e may be a new
// entry with a Nil handle.
func (s *ArenaStore) write(e *entry, key string, value []byte, flags uint32) error {
	encoding, stored := s.encode(value)
	size := headerSize + len(key) + len(stored)
	if size+poolalloc.WordSize > s.arenaSize {
		return fmt.Errorf("storing %q (%d bytes): %w", key, size, ErrTooLarge)
	}

	h, err := s.reserve(e, size)
	if err != nil {
		return fmt.Errorf("storing %q (%d bytes): %w", key, size, err)
	}
	e.handle = h

	b := s.alloc.Bytes(h)
	binary.LittleEndian.PutUint32(b[0:4], flags)
	binary.LittleEndian.PutUint16(b[4:6], uint16(len(key)))
	b[6] = encoding
	b[7] = 0
	copy(b[headerSize:], key)
	copy(b[headerSize+len(key):], stored)
	return nil
}

// reserve resizes e's block to n bytes. When the arena is exhausted it
// compacts once, if the limiter allows, and then evicts the oldest other
// entries until the request fits.
func (s *ArenaStore) reserve(e *entry, n int) (poolalloc.Handle, error) {
	compacted := false
	for {
		h, err := s.alloc.Resize(e.handle, n)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, poolalloc.ErrOutOfMemory) {
			return e.handle, err
		}
		s.counters.OutOfMemory++

		if !compacted && s.compactLimiter != nil && s.compactLimiter.Allow() {
			compacted = true
			s.compact()
			continue
		}
		if !s.evictOldest(e) {
			return e.handle, fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
	}
}

// evictOldest removes the oldest entry other than keep.
func (s *ArenaStore) evictOldest(keep *entry) bool {
	for el := s.order.Front(); el != nil; el = el.Next() {
		victim := el.Value.(*entry)
		if victim == keep {
			continue
		}
		s.logger.Debug("evicting entry", "key", string(s.keyOf(victim)))
		s.remove(victim)
		s.counters.Evictions++
		return true
	}
	return false
}

func (s *ArenaStore) remove(e *entry) {
	bucket := s.index[e.hash]
	for i, other := range bucket {
		if other == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(s.index, e.hash)
	} else {
		s.index[e.hash] = bucket
	}
	s.order.Remove(e.elem)
	s.alloc.Free(e.handle)
	e.handle = poolalloc.Nil
}
