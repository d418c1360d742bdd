package raftcons

import (
	"errors"
	"time"

	c "github.com/amirimatin/go-raft/pkg/consensus"
)

// Role is the node's position in the election protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	// PreLeader won the election but has not yet committed an entry of its
	// own term. It replicates but refuses client writes.
	PreLeader
	Leader
	// IsolatedLeader has lost contact with a majority. It keeps leading and
	// accepting writes, which stall until contact returns.
	IsolatedLeader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case PreLeader:
		return "pre-leader"
	case Leader:
		return "leader"
	case IsolatedLeader:
		return "isolated-leader"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	for _, x := range []Role{Follower, Candidate, PreLeader, Leader, IsolatedLeader} {
		if x.String() == string(b) {
			*r = x
			return nil
		}
	}
	return errors.New("raftcons: unknown role " + string(b))
}

// leading covers every role that owns replication.
func (r Role) leading() bool { return r == PreLeader || r == Leader || r == IsolatedLeader }

func (r Role) acceptsWrites() bool { return r == Leader || r == IsolatedLeader }

var (
	ErrNotLeader        = c.ErrNotLeader
	ErrEntryOverwritten = c.ErrEntryOverwritten
	ErrStopped          = c.ErrStopped
	// ErrOutcomeUnknown resolves entries a snapshot install swept away before
	// their fate was observed locally.
	ErrOutcomeUnknown = c.ErrOutcomeUnknown
	ErrNotStarted     = errors.New("raftcons: not started")
	// ErrUncommittedState refuses a snapshot while commands applied ahead of
	// consensus are still uncommitted.
	ErrUncommittedState = errors.New("raftcons: state machine holds uncommitted entries")

	ErrTransferInProgress = errors.New("raftcons: leadership transfer in progress")
	ErrTransferTimeout    = errors.New("raftcons: leadership transfer timed out")
	ErrNoTransferTarget   = errors.New("raftcons: no follower to transfer leadership to")
)

// PeerStatus is the leader's view of one follower.
type PeerStatus struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	MatchIndex  uint64    `json:"matchIndex"`
	NextIndex   uint64    `json:"nextIndex"`
	LastContact time.Time `json:"lastContact,omitempty"`
	Installing  bool      `json:"installingSnapshot,omitempty"`
}

// Status is a point-in-time copy of the node's state.
type Status struct {
	ID            string       `json:"id"`
	Addr          string       `json:"addr"`
	Role          Role         `json:"role"`
	Term          uint64       `json:"term"`
	VotedFor      string       `json:"votedFor,omitempty"`
	LeaderID      string       `json:"leaderId,omitempty"`
	LeaderAddr    string       `json:"leaderAddr,omitempty"`
	CommitIndex   uint64       `json:"commitIndex"`
	LastApplied   uint64       `json:"lastApplied"`
	FirstIndex    uint64       `json:"firstIndex"`
	LastIndex     uint64       `json:"lastIndex"`
	SnapshotIndex uint64       `json:"snapshotIndex"`
	SnapshotTerm  uint64       `json:"snapshotTerm"`
	Policy        string       `json:"policy"`
	Peers         []PeerStatus `json:"peers,omitempty"`
	Error         string       `json:"error,omitempty"`
}
