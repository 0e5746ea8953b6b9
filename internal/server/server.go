// Package server is a blocking TCP front end for the cache: one executor task
// per connection, reading text protocol requests until the client leaves.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/garethgeorge/afina/internal/executor"
	"github.com/garethgeorge/afina/internal/poolutil"
	"github.com/garethgeorge/afina/internal/protocol"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const bufferSize = 16 * 1024

type Options struct {
	Listen       string
	Workers      int
	QueueSize    int
	IdleTimeout  time.Duration
	MaxValueSize int
}

type Server struct {
	opts    Options
	handler *protocol.Handler
	logger  *slog.Logger

	exec    *executor.Executor
	readers *poolutil.Pool[*bufio.Reader]
	writers *poolutil.Pool[*bufio.Writer]

	ln       net.Listener
	eg       errgroup.Group
	stopOnce sync.Once
	stopping chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(handler *protocol.Handler, opts Options, logger *slog.Logger) *Server {
	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = protocol.DefaultMaxValueSize
	}
	return &Server{
		opts:     opts,
		handler:  handler,
		logger:   logger,
		readers:  poolutil.NewReaderPool(bufferSize, opts.Workers),
		writers:  poolutil.NewWriterPool(bufferSize, opts.Workers),
		stopping: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start listens and begins accepting connections in the background. The
// server stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.exec = executor.New("connections", s.opts.Workers, s.opts.QueueSize)
	s.logger.Info("server listening", "addr", ln.Addr().String(), "workers", s.opts.Workers)

	s.eg.Go(s.acceptLoop)
	s.eg.Go(func() error {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopping:
		}
		return nil
	})
	return nil
}

// Addr is the address the server listens on, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener and interrupts idle connections. Requests already
// read are still answered.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.ln != nil {
			s.ln.Close()
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for c := range s.conns {
			c.SetReadDeadline(time.Now())
		}
	})
}

// Wait blocks until the server has stopped and every connection is closed.
func (s *Server) Wait() error {
	err := s.eg.Wait()
	if s.exec != nil {
		s.exec.Stop(false)
	}
	return err
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.stopped() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.Stop()
			return fmt.Errorf("accept: %w", err)
		}

		id := uuid.NewString()
		logger := s.logger.With("conn", id, "remote", c.RemoteAddr().String())
		if !s.track(c) {
			c.Close()
			continue
		}
		if !s.exec.Execute(func() { s.serveConn(c, logger) }) {
			logger.Warn("too many connections, closing")
			s.untrack(c)
			c.Close()
			continue
		}
		logger.Debug("connection accepted")
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// armDeadline sets the idle deadline for the next request, or reports false
// once the server is stopping.
func (s *Server) armDeadline(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	if s.opts.IdleTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
	return true
}

func (s *Server) serveConn(c net.Conn, logger *slog.Logger) {
	defer func() {
		s.untrack(c)
		c.Close()
		logger.Debug("connection closed")
	}()

	r := s.readers.Get()
	r.Reset(c)
	defer s.readers.Put(r)
	w := s.writers.Get()
	w.Reset(c)
	defer s.writers.Put(w)

	for {
		if !s.armDeadline(c) {
			return
		}

		req, err := protocol.ReadRequest(r, s.opts.MaxValueSize)
		if err != nil {
			if protocol.WriteError(w, err) {
				if w.Flush() != nil {
					return
				}
				continue
			}
			w.Flush()
			if !isClosed(err) {
				logger.Warn("reading request", "err", err)
			}
			return
		}

		if err := s.handler.Execute(req, w); err != nil {
			if !errors.Is(err, protocol.ErrQuit) {
				logger.Warn("writing reply", "err", err)
			}
			w.Flush()
			return
		}
		// Pipelined requests are answered in one write.
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				logger.Debug("flushing reply", "err", err)
				return
			}
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
