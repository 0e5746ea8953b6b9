package storage

import "errors"

const MaxKeyLength = 250

var (
	ErrNotFound   = errors.New("key not found")
	ErrExists     = errors.New("key already exists")
	ErrKeyInvalid = errors.New("key must be 1 to 250 bytes")
	ErrTooLarge   = errors.New("item does not fit in the arena")
)

// Item is a copy of a stored value; it stays valid after the store changes.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
}

// Storage is a key/value cache with capacity-based eviction.
type Storage interface {
	// Put stores value under key, replacing any existing value.
	Put(key string, value []byte, flags uint32) error
	// PutIfAbsent stores value only if key is not present, otherwise ErrExists.
	PutIfAbsent(key string, value []byte, flags uint32) error
	// Set replaces the value of an existing key, otherwise ErrNotFound.
	Set(key string, value []byte, flags uint32) error
	// Append adds data after the existing value of key, otherwise ErrNotFound.
	Append(key string, data []byte) error
	// Prepend adds data before the existing value of key, otherwise ErrNotFound.
	Prepend(key string, data []byte) error
	Get(key string) (Item, error)
	Delete(key string) error

	// Compact defragments the backing memory.
	Compact()
	Stats() Stats
	Dump() string
}

func validKey(key string) bool {
	return len(key) > 0 && len(key) <= MaxKeyLength
}
