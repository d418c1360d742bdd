// Package journal implements the replicated log's durable storage: an
// append-only sequence of entries split into segment files named by the
// index of their first entry.
package journal

import (
	"errors"
	"strconv"
)

var (
	ErrNotFound      = errors.New("journal: entry not found")
	ErrNonContiguous = errors.New("journal: non-contiguous append")
	ErrOutOfRange    = errors.New("journal: index out of range")
	ErrCorrupt       = errors.New("journal: corrupt segment")
	ErrClosed        = errors.New("journal: closed")
)

// Kind tags the payload carried by an Entry. Kinds this build does not know
// are kept verbatim so newer peers can replicate through older ones.
type Kind uint8

const (
	KindCommand Kind = 1
	KindNoop    Kind = 2
)

// Known reports whether k is a payload kind this build interprets.
func (k Kind) Known() bool { return k == KindCommand || k == KindNoop }

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindNoop:
		return "noop"
	default:
		return "opaque(" + strconv.Itoa(int(k)) + ")"
	}
}

// Entry is one slot of the replicated log.
type Entry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Kind  Kind   `json:"kind"`
	Data  []byte `json:"data,omitempty"`
}

// Store is the log storage contract the consensus engine depends on.
// Append must not return before the entries are durable.
type Store interface {
	// FirstIndex is the lowest index still held. On an empty store it is
	// LastIndex()+1.
	FirstIndex() uint64
	LastIndex() uint64
	Entry(index uint64) (Entry, error)
	// Entries returns [lo, hi] bounded by maxBytes of payload; at least one
	// entry is returned when lo is present.
	Entries(lo, hi uint64, maxBytes int) ([]Entry, error)
	Append(entries ...Entry) error
	// TruncateSuffix drops every entry with index >= from.
	TruncateSuffix(from uint64) error
	// CompactPrefix releases storage for entries with index <= upTo. Entries
	// may remain readable until their whole segment is covered.
	CompactPrefix(upTo uint64) error
	// Reset drops everything; the next append must carry index next.
	Reset(next uint64) error
	Size() int64
	Close() error
}

func checkContiguous(last uint64, entries []Entry) error {
	want := last + 1
	for _, e := range entries {
		if e.Index != want {
			return ErrNonContiguous
		}
		want++
	}
	return nil
}
