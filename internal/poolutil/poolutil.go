package poolutil

import (
	"bufio"
	"io"
)

// Pool keeps up to size idle items in a channel. Items beyond that are left to
// the garbage collector.
type Pool[T any] struct {
	New   func() T
	Reset func(T) T
	pool  chan T
}

func NewPool[T any](new func() T, reset func(T) T, size int) *Pool[T] {
	return &Pool[T]{
		New:   new,
		Reset: reset,
		pool:  make(chan T, size),
	}
}

func (p *Pool[T]) Get() T {
	select {
	case item := <-p.pool:
		return item
	default:
		return p.New()
	}
}

func (p *Pool[T]) Put(item T) {
	if p.Reset != nil {
		item = p.Reset(item)
	}
	select {
	case p.pool <- item:
	default:
	}
}

// Idle is the number of items waiting to be reused.
func (p *Pool[T]) Idle() int {
	return len(p.pool)
}

// NewReaderPool pools bufio.Readers of bufSize bytes. Returned readers are
// detached from their source so a closed connection is not kept alive.
func NewReaderPool(bufSize, size int) *Pool[*bufio.Reader] {
	return NewPool(
		func() *bufio.Reader { return bufio.NewReaderSize(nil, bufSize) },
		func(r *bufio.Reader) *bufio.Reader { r.Reset(nil); return r },
		size)
}

// NewWriterPool pools bufio.Writers of bufSize bytes. Unflushed data is
// discarded on Put.
func NewWriterPool(bufSize, size int) *Pool[*bufio.Writer] {
	return NewPool(
		func() *bufio.Writer { return bufio.NewWriterSize(io.Discard, bufSize) },
		func(w *bufio.Writer) *bufio.Writer { w.Reset(io.Discard); return w },
		size)
}
