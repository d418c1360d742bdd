// Package kv is a small replicated key/value state machine used by the
// CLI, the demo and the tests.
package kv

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	c "github.com/amirimatin/go-raft/pkg/consensus"
	base "github.com/amirimatin/go-raft/pkg/state"
)

const (
	OpPut    = "put"
	OpDelete = "delete"
)

type pair struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Result is returned from Apply for every command.
type Result struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Index   uint64 `json:"index"`
	Existed bool   `json:"existed"`
}

// Store is an in-memory map driven by committed commands.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	applied uint64
}

func New() *Store { return &Store{data: make(map[string][]byte)} }

// PutCommand encodes a put for Append.
func PutCommand(key string, value []byte) ([]byte, error) {
	return encode(OpPut, pair{Key: key, Value: value})
}

func DeleteCommand(key string) ([]byte, error) {
	return encode(OpDelete, pair{Key: key})
}

func encode(op string, p pair) ([]byte, error) {
	if p.Key == "" {
		return nil, fmt.Errorf("kv: empty key")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c.Command{Op: op, Payload: payload})
}

// Apply decodes a consensus.Command. Malformed commands yield an error value
// rather than a panic so a bad client cannot wedge the log.
func (s *Store) Apply(index uint64, data []byte) interface{} {
	var cmd c.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("kv: decode command at %d: %w", index, err)
	}
	var p pair
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("kv: decode payload at %d: %w", index, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = index
	_, existed := s.data[p.Key]
	switch cmd.Op {
	case OpPut:
		s.data[p.Key] = append([]byte(nil), p.Value...)
	case OpDelete:
		delete(s.data, p.Key)
	default:
		return fmt.Errorf("kv: unknown op %q", cmd.Op)
	}
	return Result{Op: cmd.Op, Key: p.Key, Index: index, Existed: existed}
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// AppliedIndex is the index of the last command applied.
func (s *Store) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

type snapshotV1 struct {
	Version int    `json:"version"`
	Applied uint64 `json:"applied"`
	Pairs   []pair `json:"pairs"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := make([]pair, 0, len(s.data))
	for k, v := range s.data {
		arr = append(arr, pair{Key: k, Value: v})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
	return json.Marshal(snapshotV1{Version: 1, Applied: s.applied, Pairs: arr})
}

func (s *Store) Restore(buf []byte) error {
	var snap snapshotV1
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, &snap); err != nil {
			return err
		}
		if snap.Version != 1 {
			return fmt.Errorf("kv: unsupported snapshot version %d", snap.Version)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte, len(snap.Pairs))
	for _, p := range snap.Pairs {
		s.data[p.Key] = p.Value
	}
	s.applied = snap.Applied
	return nil
}

var _ base.StateMachine = (*Store)(nil)
