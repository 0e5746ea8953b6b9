package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/garethgeorge/afina/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("storage command", func(t *testing.T) {
		cmd, err := Parse("set foo 42 0 5 noreply")
		require.NoError(t, err)
		assert.Equal(t, Command{Name: "set", Keys: []string{"foo"}, Flags: 42, Bytes: 5, NoReply: true}, cmd)
		assert.True(t, cmd.IsStorage())
	})

	t.Run("retrieval", func(t *testing.T) {
		cmd, err := Parse("get a b  c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, cmd.Keys)
		assert.False(t, cmd.IsStorage())
	})

	t.Run("unknown", func(t *testing.T) {
		for _, line := range []string{"", "   ", "incr a 1", "SET a 0 0 1"} {
			_, err := Parse(line)
			assert.ErrorIs(t, err, ErrUnknownCommand, line)
		}
	})

	t.Run("client errors", func(t *testing.T) {
		for _, line := range []string{
			"set a 0 0",
			"set a 0 0 1 reply",
			"set a x 0 1",
			"set a 0 x 1",
			"set a 0 0 -1",
			"set a 4294967296 0 1",
			"get",
			"delete",
			"delete a b",
			"stats now",
			"set " + strings.Repeat("k", storage.MaxKeyLength+1) + " 0 0 1",
			"get a\x01b",
		} {
			_, err := Parse(line)
			var clientErr *ClientError
			assert.True(t, errors.As(err, &clientErr), "%q: %v", line, err)
		}
	})
}

func TestReadRequest(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(
		"set a 1 0 5\r\nhello\r\n" +
			"set b 0 0 3\r\nabcdef\r\n" +
			"get a\r\n"))

	req, err := ReadRequest(r, DefaultMaxValueSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), req.Body)

	_, err = ReadRequest(r, DefaultMaxValueSize)
	assert.ErrorIs(t, err, ErrBadDataChunk)

	t.Run("oversized value is skipped", func(t *testing.T) {
		r := bufio.NewReader(strings.NewReader("set a 0 0 10\r\n0123456789\r\nget a\r\n"))
		_, err := ReadRequest(r, 4)
		var clientErr *ClientError
		require.True(t, errors.As(err, &clientErr))
		req, err := ReadRequest(r, 4)
		require.NoError(t, err)
		assert.Equal(t, "get", req.Name)
	})

	t.Run("long line is skipped", func(t *testing.T) {
		r := bufio.NewReader(strings.NewReader("get " + strings.Repeat("k ", 3000) + "\r\nversion\r\n"))
		_, err := ReadRequest(r, DefaultMaxValueSize)
		var clientErr *ClientError
		require.True(t, errors.As(err, &clientErr))
		req, err := ReadRequest(r, DefaultMaxValueSize)
		require.NoError(t, err)
		assert.Equal(t, "version", req.Name)
	})

	t.Run("eof", func(t *testing.T) {
		_, err := ReadRequest(bufio.NewReader(strings.NewReader("")), DefaultMaxValueSize)
		assert.ErrorIs(t, err, io.EOF)
		_, err = ReadRequest(bufio.NewReader(strings.NewReader("set a 0 0 5\r\nhe")), DefaultMaxValueSize)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

// session feeds input through ReadRequest and Execute the way a connection
// does and returns everything written back.
func session(t *testing.T, h *Handler, input string) string {
	t.Helper()
	r := bufio.NewReader(strings.NewReader(input))
	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	for {
		req, err := ReadRequest(r, DefaultMaxValueSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !WriteError(w, err) {
				break
			}
			continue
		}
		if err := h.Execute(req, w); err != nil {
			require.ErrorIs(t, err, ErrQuit)
			break
		}
	}
	require.NoError(t, w.Flush())
	return out.String()
}

func newHandler(t *testing.T, arenaSize int) *Handler {
	t.Helper()
	s, err := storage.New(make([]byte, arenaSize))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &Handler{Storage: s, Version: "test"}
}

func TestHandler_Session(t *testing.T) {
	h := newHandler(t, 4096)

	out := session(t, h, ""+
		"set a 5 0 3\r\nfoo\r\n"+
		"add a 0 0 3\r\nbar\r\n"+
		"add b 0 0 3\r\nbar\r\n"+
		"replace c 0 0 1\r\nx\r\n"+
		"append a 0 0 4\r\n-end\r\n"+
		"prepend a 0 0 6\r\nstart-\r\n"+
		"get a b c\r\n"+
		"delete b\r\n"+
		"delete b\r\n"+
		"set q 0 0 1 noreply\r\nq\r\n"+
		"delete q noreply\r\n"+
		"bogus\r\n"+
		"get\r\n"+
		"version\r\n"+
		"quit\r\n"+
		"get a\r\n")

	assert.Equal(t, ""+
		"STORED\r\n"+
		"NOT_STORED\r\n"+
		"STORED\r\n"+
		"NOT_STORED\r\n"+
		"STORED\r\n"+
		"STORED\r\n"+
		"VALUE a 5 13\r\nstart-foo-end\r\n"+
		"VALUE b 0 3\r\nbar\r\n"+
		"END\r\n"+
		"DELETED\r\n"+
		"NOT_FOUND\r\n"+
		"ERROR\r\n"+
		"CLIENT_ERROR missing key\r\n"+
		"VERSION test\r\n", out)
}

func TestHandler_BadChunkCloses(t *testing.T) {
	h := newHandler(t, 4096)
	out := session(t, h, "set a 0 0 1\r\nxyz\r\nget a\r\n")
	assert.Equal(t, "CLIENT_ERROR bad data chunk\r\n", out)
}

func TestHandler_OutOfMemory(t *testing.T) {
	h := newHandler(t, 128)
	out := session(t, h, "set big 0 0 200\r\n"+strings.Repeat("x", 200)+"\r\n")
	assert.Equal(t, "SERVER_ERROR out of memory storing object\r\n", out)
}

func TestHandler_Diagnostics(t *testing.T) {
	h := newHandler(t, 256)
	session(t, h, "set a 0 0 10\r\n0123456789\r\nset b 0 0 10\r\n0123456789\r\ndelete a\r\n")

	out := session(t, h, "stats\r\n")
	assert.Contains(t, out, "STAT curr_items 1\r\n")
	assert.Contains(t, out, "STAT arena_bytes 256\r\n")
	assert.Contains(t, out, "STAT free_runs 2\r\n")
	assert.True(t, strings.HasSuffix(out, "END\r\n"))

	out = session(t, h, "defrag\r\nstats\r\n")
	assert.True(t, strings.HasPrefix(out, "OK\r\n"))
	assert.Contains(t, out, "STAT free_runs 1\r\n")
	assert.Contains(t, out, "STAT fragmentation 0.0000\r\n")

	// Entry b is 8 header + 1 key + 10 value bytes, compacted to the bottom.
	out = session(t, h, "dump\r\n")
	assert.Equal(t, ""+
		"used  [0, 19) 19 #1\r\n"+
		"free  [19, 240) 221\r\n"+
		"table [240, 256) 16 2\r\n"+
		"END\r\n", out)
}
