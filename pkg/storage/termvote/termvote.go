// Package termvote persists the election state every member must never
// forget: its current term and whom it voted for in that term.
package termvote

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var (
	keyTermVote   = []byte("termvote")
	keyCommitHint = []byte("commit_hint")

	ErrTermRegression = errors.New("termvote: term must not decrease")
)

// State is the durable election record.
type State struct {
	Term     uint64 `codec:"term"`
	VotedFor string `codec:"voted_for"`
}

// Store wraps a raft.StableStore. Term and vote are written as one value
// under one key so they are never observed half-updated.
type Store struct {
	mu    sync.Mutex
	kv    raft.StableStore
	state State
}

// Open loads state from kv.
func Open(kv raft.StableStore) (*Store, error) {
	s := &Store{kv: kv}
	b, err := kv.Get(keyTermVote)
	if err != nil && !notFound(kv, err) {
		return nil, fmt.Errorf("termvote: load: %w", err)
	}
	if len(b) > 0 {
		if err := codec.NewDecoderBytes(b, &codec.MsgpackHandle{}).Decode(&s.state); err != nil {
			return nil, fmt.Errorf("termvote: decode: %w", err)
		}
	}
	return s, nil
}

// OpenBolt opens (or creates) termvote.db under dir.
func OpenBolt(dir string) (*Store, error) {
	bs, err := raftboltdb.NewBoltStore(filepath.Join(dir, "termvote.db"))
	if err != nil {
		return nil, fmt.Errorf("termvote: open bolt: %w", err)
	}
	s, err := Open(bs)
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	return s, nil
}

// NewInmem returns a Store that forgets everything on restart.
func NewInmem() *Store {
	s, _ := Open(raft.NewInmemStore())
	return s
}

// notFound reports a missing key. raft-boltdb returns ErrKeyNotFound;
// raft.InmemStore returns an unexported error with the same text, so other
// stores are matched on that text.
func notFound(kv raft.StableStore, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return true
	}
	if _, bolt := kv.(*raftboltdb.BoltStore); bolt {
		return false
	}
	return err.Error() == "not found"
}

func (s *Store) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Save durably records (term, votedFor) before returning.
func (s *Store) Save(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term < s.state.Term {
		return fmt.Errorf("%w: %d < %d", ErrTermRegression, term, s.state.Term)
	}
	next := State{Term: term, VotedFor: votedFor}
	var b []byte
	if err := codec.NewEncoderBytes(&b, &codec.MsgpackHandle{}).Encode(&next); err != nil {
		return fmt.Errorf("termvote: encode: %w", err)
	}
	if err := s.kv.Set(keyTermVote, b); err != nil {
		return fmt.Errorf("termvote: persist: %w", err)
	}
	s.state = next
	return nil
}

// CommitHint is the highest index this member has seen committed. It may lag
// the truth; it never runs ahead of it.
func (s *Store) CommitHint() (uint64, error) {
	v, err := s.kv.GetUint64(keyCommitHint)
	if err != nil && !notFound(s.kv, err) {
		return 0, err
	}
	return v, nil
}

func (s *Store) SaveCommitHint(index uint64) error {
	return s.kv.SetUint64(keyCommitHint, index)
}

func (s *Store) Close() error {
	if c, ok := s.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
