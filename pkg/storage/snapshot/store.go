// Package snapshot persists state-machine snapshots tagged with the last log
// index and term they cover, and splits them into chunks for transfer.
package snapshot

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrNoSnapshot    = errors.New("snapshot: none available")
	ErrCorrupt       = errors.New("snapshot: corrupt")
	ErrSinkClosed    = errors.New("snapshot: sink already closed")
	ErrChunkOrder    = errors.New("snapshot: chunk out of order")
	ErrChunkChecksum = errors.New("snapshot: chunk hash chain mismatch")
)

// Meta identifies a snapshot.
type Meta struct {
	Index    uint64 `json:"index"`
	Term     uint64 `json:"term"`
	Size     int64  `json:"size"`
	Checksum uint64 `json:"checksum"`
}

func (m Meta) String() string { return fmt.Sprintf("%d-%d", m.Index, m.Term) }

// Sink receives snapshot bytes. Close makes the snapshot durable and
// visible; Cancel discards it.
type Sink interface {
	io.Writer
	Close() error
	Cancel() error
	Meta() Meta
}

// Store keeps snapshots. Latest returns ErrNoSnapshot when empty.
type Store interface {
	Create(index, term uint64) (Sink, error)
	Latest() (Meta, error)
	List() ([]Meta, error)
	Open(m Meta) (io.ReadCloser, error)
}

// Load reads the latest snapshot fully and verifies its checksum.
func Load(s Store) (Meta, []byte, error) {
	m, err := s.Latest()
	if err != nil {
		return Meta{}, nil, err
	}
	data, err := Read(s, m)
	return m, data, err
}

// Read returns the bytes of the snapshot described by m.
func Read(s Store, m Meta) ([]byte, error) {
	rc, err := s.Open(m)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != m.Size || checksum(data) != m.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, m)
	}
	return data, nil
}
