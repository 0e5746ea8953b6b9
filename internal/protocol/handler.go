package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/garethgeorge/afina/internal/storage"
)

// Handler executes requests against a Storage and writes the replies.
type Handler struct {
	Storage storage.Storage
	Version string
}

// Execute runs req and writes its reply to w. It returns ErrQuit when the
// client asked to close the connection and any error from w.
func (h *Handler) Execute(req Request, w *bufio.Writer) error {
	switch req.Name {
	case "set", "add", "replace", "append", "prepend":
		reply := h.store(req)
		if req.NoReply {
			return nil
		}
		return writeLine(w, reply)

	case "get", "gets":
		for _, key := range req.Keys {
			item, err := h.Storage.Get(key)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return writeLine(w, "SERVER_ERROR "+err.Error())
			}
			fmt.Fprintf(w, "VALUE %s %d %d\r\n", item.Key, item.Flags, len(item.Value))
			w.Write(item.Value)
			w.WriteString("\r\n")
		}
		return writeLine(w, "END")

	case "delete":
		reply := "DELETED"
		if err := h.Storage.Delete(req.Keys[0]); errors.Is(err, storage.ErrNotFound) {
			reply = "NOT_FOUND"
		} else if err != nil {
			reply = "SERVER_ERROR " + err.Error()
		}
		if req.NoReply {
			return nil
		}
		return writeLine(w, reply)

	case "stats":
		for _, stat := range statLines(h.Storage.Stats()) {
			fmt.Fprintf(w, "STAT %s %s\r\n", stat.name, stat.value)
		}
		return writeLine(w, "END")

	case "defrag":
		h.Storage.Compact()
		return writeLine(w, "OK")

	case "dump":
		for _, line := range strings.Split(strings.TrimSuffix(h.Storage.Dump(), "\n"), "\n") {
			writeLine(w, line)
		}
		return writeLine(w, "END")

	case "version":
		return writeLine(w, "VERSION "+h.Version)

	case "quit":
		return ErrQuit
	}
	return writeLine(w, "ERROR")
}

func (h *Handler) store(req Request) string {
	key := req.Keys[0]
	var err error
	switch req.Name {
	case "set":
		err = h.Storage.Put(key, req.Body, req.Flags)
	case "add":
		err = h.Storage.PutIfAbsent(key, req.Body, req.Flags)
	case "replace":
		err = h.Storage.Set(key, req.Body, req.Flags)
	case "append":
		err = h.Storage.Append(key, req.Body)
	case "prepend":
		err = h.Storage.Prepend(key, req.Body)
	}

	switch {
	case err == nil:
		return "STORED"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExists):
		return "NOT_STORED"
	case errors.Is(err, storage.ErrTooLarge):
		return "SERVER_ERROR out of memory storing object"
	default:
		return "SERVER_ERROR " + err.Error()
	}
}

// WriteError writes the reply for an error returned by ReadRequest. It reports
// false when the connection can not continue after it.
func WriteError(w *bufio.Writer, err error) bool {
	var clientErr *ClientError
	switch {
	case errors.Is(err, ErrUnknownCommand):
		writeLine(w, "ERROR")
		return true
	case errors.As(err, &clientErr):
		writeLine(w, "CLIENT_ERROR "+clientErr.Msg)
		return true
	case errors.Is(err, ErrBadDataChunk):
		writeLine(w, "CLIENT_ERROR bad data chunk")
		return false
	}
	return false
}

func writeLine(w *bufio.Writer, line string) error {
	w.WriteString(line)
	_, err := w.WriteString("\r\n")
	return err
}

type stat struct {
	name  string
	value string
}

func statLines(s storage.Stats) []stat {
	d := func(name string, v int) stat { return stat{name, fmt.Sprint(v)} }
	u := func(name string, v uint64) stat { return stat{name, fmt.Sprint(v)} }
	return []stat{
		d("curr_items", s.Entries),
		u("get_hits", s.Hits),
		u("get_misses", s.Misses),
		u("evictions", s.Evictions),
		u("compactions", s.Compactions),
		u("out_of_memory", s.OutOfMemory),
		d("arena_bytes", s.Arena.ArenaBytes),
		d("free_bytes", s.Arena.FreeBytes),
		d("free_runs", s.Arena.FreeRuns),
		d("largest_free", s.Arena.LargestFree),
		d("live_blocks", s.Arena.LiveBlocks),
		d("live_bytes", s.Arena.LiveBytes),
		d("table_slots", s.Arena.TableSlots),
		d("table_bytes", s.Arena.TableBytes),
		d("max_allocatable", s.Arena.MaxAllocatable),
		{"fragmentation", fmt.Sprintf("%.4f", s.Arena.Fragmentation())},
	}
}
