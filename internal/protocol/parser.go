package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/garethgeorge/afina/internal/storage"
)

const (
	MaxLineLength       = 2048
	DefaultMaxValueSize = 1 << 20
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadDataChunk   = errors.New("bad data chunk")
	ErrQuit           = errors.New("quit")
)

// ClientError is a malformed request. The connection can carry on after it
// unless the request body could not be consumed.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string {
	return e.Msg
}

func clientErrorf(format string, args ...any) *ClientError {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

type Command struct {
	Name    string
	Keys    []string
	Flags   uint32
	Exptime int64
	Bytes   int
	NoReply bool
}

var storageCommands = map[string]bool{
	"set": true, "add": true, "replace": true, "append": true, "prepend": true,
}

// IsStorage reports whether the command is followed by a data block.
func (c Command) IsStorage() bool {
	return storageCommands[c.Name]
}

// Parse parses one command line without its trailing CRLF.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}
	cmd := Command{Name: fields[0]}
	args := fields[1:]

	switch {
	case cmd.IsStorage():
		// <cmd> <key> <flags> <exptime> <bytes> [noreply]
		if len(args) != 4 && len(args) != 5 {
			return Command{}, clientErrorf("bad command line format")
		}
		if len(args) == 5 {
			if args[4] != "noreply" {
				return Command{}, clientErrorf("bad command line format")
			}
			cmd.NoReply = true
		}
		if err := checkKey(args[0]); err != nil {
			return Command{}, err
		}
		cmd.Keys = args[:1]
		flags, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return Command{}, clientErrorf("bad flags %q", args[1])
		}
		cmd.Flags = uint32(flags)
		cmd.Exptime, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return Command{}, clientErrorf("bad exptime %q", args[2])
		}
		n, err := strconv.Atoi(args[3])
		if err != nil || n < 0 {
			return Command{}, clientErrorf("bad data chunk size %q", args[3])
		}
		cmd.Bytes = n

	case cmd.Name == "get" || cmd.Name == "gets":
		if len(args) == 0 {
			return Command{}, clientErrorf("missing key")
		}
		for _, k := range args {
			if err := checkKey(k); err != nil {
				return Command{}, err
			}
		}
		cmd.Keys = args

	case cmd.Name == "delete":
		// delete <key> [noreply]
		if len(args) == 0 || len(args) > 2 {
			return Command{}, clientErrorf("bad command line format")
		}
		if len(args) == 2 {
			if args[1] != "noreply" {
				return Command{}, clientErrorf("bad command line format")
			}
			cmd.NoReply = true
		}
		if err := checkKey(args[0]); err != nil {
			return Command{}, err
		}
		cmd.Keys = args[:1]

	case cmd.Name == "stats" || cmd.Name == "defrag" || cmd.Name == "dump" ||
		cmd.Name == "version" || cmd.Name == "quit":
		if len(args) != 0 {
			return Command{}, clientErrorf("%s takes no arguments", cmd.Name)
		}

	default:
		return Command{}, ErrUnknownCommand
	}
	return cmd, nil
}

func checkKey(key string) error {
	if len(key) > storage.MaxKeyLength {
		return clientErrorf("key longer than %d bytes", storage.MaxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return clientErrorf("key contains control characters")
		}
	}
	return nil
}

// Request is a parsed command with its data block, if any.
type Request struct {
	Command
	Body []byte
}

// ReadRequest reads one command line and, for storage commands, its data block.
// Client errors that leave the stream in sync are returned as *ClientError or
// ErrUnknownCommand; anything else means the connection should be closed.
func ReadRequest(r *bufio.Reader, maxValueSize int) (Request, error) {
	line, err := readLine(r)
	if err != nil {
		return Request{}, err
	}
	cmd, err := Parse(line)
	if err != nil {
		return Request{}, err
	}
	req := Request{Command: cmd}
	if !cmd.IsStorage() {
		return req, nil
	}

	if cmd.Bytes > maxValueSize {
		// Skip the block so the next command is read from the right place.
		if _, err := io.CopyN(io.Discard, r, int64(cmd.Bytes)+2); err != nil {
			return Request{}, err
		}
		return Request{}, clientErrorf("object too large for cache")
	}
	body := make([]byte, cmd.Bytes+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return Request{}, err
	}
	if !bytes.HasSuffix(body, []byte("\r\n")) {
		return Request{}, ErrBadDataChunk
	}
	req.Body = body[:cmd.Bytes]
	return req, nil
}

func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			sb.Write(chunk)
			tooLong = sb.Len() > MaxLineLength
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}
	if tooLong {
		return "", clientErrorf("line too long")
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}
