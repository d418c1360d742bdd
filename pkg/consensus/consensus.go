package consensus

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotLeader        = errors.New("consensus: not leader")
	ErrEntryOverwritten = errors.New("consensus: entry overwritten by a newer leader")
	ErrOutcomeUnknown   = errors.New("consensus: entry outcome unknown")
	ErrStopped          = errors.New("consensus: node stopped")
	ErrTimeout          = errors.New("consensus: timed out waiting for apply")
)

// Command represents a log command. The semantics of Op/Payload are
// defined by the state machine integration (e.g., key/value put/delete).
type Command struct {
	Op      string `json:"op"`
	Payload []byte `json:"payload,omitempty"`
}

// Pending tracks one appended entry. Committed closes once a majority holds
// the entry; Applied closes once the local state machine applied it. Both
// also close when the entry fails, in which case Err is non-nil.
type Pending interface {
	Index() uint64
	Term() uint64
	Committed() <-chan struct{}
	Applied() <-chan struct{}
	Err() error
	// Response is the state machine's result, valid after Applied closes.
	Response() interface{}
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
	Start(ctx context.Context) error
	// Append places payload at the end of the leader's log.
	Append(payload []byte) (Pending, error)
	// Apply encodes cmd, appends it and waits until it is applied locally.
	Apply(cmd Command, timeout time.Duration) (interface{}, error)
	IsLeader() bool
	Leader() (id string, addr string, ok bool)
	Term() uint64
	Stop() error
}

// Wait blocks until p is applied, ctx ends or timeout elapses (zero means no
// timeout), returning the state machine result.
func Wait(ctx context.Context, p Pending, timeout time.Duration) (interface{}, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case <-p.Applied():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tc:
		return nil, ErrTimeout
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return p.Response(), nil
}
