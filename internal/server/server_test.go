package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/garethgeorge/afina/internal/logging"
	"github.com/garethgeorge/afina/internal/protocol"
	"github.com/garethgeorge/afina/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts Options) (*Server, context.CancelFunc) {
	t.Helper()
	st, err := storage.New(make([]byte, 64*1024))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	srv := New(&protocol.Handler{Storage: st, Version: "test"}, opts, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, srv.Wait())
	})
	return srv, cancel
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(s string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, s)
	require.NoError(c.t, err)
}

func (c *client) readLines(n int) []string {
	c.t.Helper()
	var lines []string
	for i := 0; i < n; i++ {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		lines = append(lines, strings.TrimSuffix(line, "\r\n"))
	}
	return lines
}

func TestServer_Commands(t *testing.T) {
	srv, _ := startServer(t, Options{})
	c := dial(t, srv)

	c.send("set greeting 3 0 5\r\nhello\r\n")
	assert.Equal(t, []string{"STORED"}, c.readLines(1))

	c.send("get greeting missing\r\n")
	assert.Equal(t, []string{"VALUE greeting 3 5", "hello", "END"}, c.readLines(3))

	c.send("delete greeting\r\nget greeting\r\n")
	assert.Equal(t, []string{"DELETED", "END"}, c.readLines(2))

	c.send("nonsense\r\nversion\r\n")
	assert.Equal(t, []string{"ERROR", "VERSION test"}, c.readLines(2))

	c.send("quit\r\n")
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_Pipelining(t *testing.T) {
	srv, _ := startServer(t, Options{})
	c := dial(t, srv)

	var in strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&in, "set k%d 0 0 2\r\n%02d\r\n", i, i)
	}
	in.WriteString("get k7 k42\r\n")
	c.send(in.String())

	for i, line := range c.readLines(50) {
		require.Equal(t, "STORED", line, i)
	}
	assert.Equal(t, []string{"VALUE k7 0 2", "07", "VALUE k42 0 2", "42", "END"}, c.readLines(5))
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv, _ := startServer(t, Options{Workers: 8})
	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			r := bufio.NewReader(conn)
			for i := 0; i < 20; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				fmt.Fprintf(conn, "set %s 0 0 %d\r\n%s\r\nget %s\r\n", key, len(key), key, key)
				want := []string{"STORED", fmt.Sprintf("VALUE %s 0 %d", key, len(key)), key, "END"}
				for _, exp := range want {
					line, err := r.ReadString('\n')
					if !assert.NoError(t, err) {
						return
					}
					assert.Equal(t, exp, strings.TrimSuffix(line, "\r\n"))
				}
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}

func TestServer_RejectsWhenSaturated(t *testing.T) {
	srv, _ := startServer(t, Options{Workers: 1, QueueSize: 0})

	busy := dial(t, srv)
	busy.send("version\r\n")
	assert.Equal(t, []string{"VERSION test"}, busy.readLines(1))

	extra := dial(t, srv)
	extra.send("version\r\n")
	_, err := extra.r.ReadString('\n')
	assert.Error(t, err)

	// The first connection is unaffected.
	busy.send("version\r\n")
	assert.Equal(t, []string{"VERSION test"}, busy.readLines(1))
}

func TestServer_IdleTimeout(t *testing.T) {
	srv, _ := startServer(t, Options{IdleTimeout: 50 * time.Millisecond})
	c := dial(t, srv)
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_StopClosesIdleConnections(t *testing.T) {
	srv, cancel := startServer(t, Options{})
	c := dial(t, srv)
	c.send("version\r\n")
	assert.Equal(t, []string{"VERSION test"}, c.readLines(1))

	cancel()
	waited := make(chan error, 1)
	go func() { waited <- srv.Wait() }()
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	_, err = net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}
