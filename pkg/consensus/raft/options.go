package raftcons

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/pkg/state"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage/termvote"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Peer is another voting member. Addr is its RaftTransport address.
type Peer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Options configure the Raft-based Consensus implementation.
type Options struct {
	NodeID string
	Logger hclog.Logger

	// Peers lists the other voting members; an entry for NodeID is ignored.
	Peers []Peer

	Policy Policy

	// Storage and networking. Journal, Snapshots and TermVote are owned by
	// the caller; Close releases them.
	Journal   journal.Store
	Snapshots snapshot.Store
	TermVote  *termvote.Store
	Transport transport.RaftTransport

	// StateMachine defaults to an empty kv.Store.
	StateMachine state.StateMachine

	// Timeouts (optional). Zero means defaults.
	HeartbeatInterval time.Duration
	// ElectionTimeout is the lower bound; each wait is drawn from [T, 2T).
	ElectionTimeout time.Duration
	// IsolationWindow is how recent a follower's reply must be to count
	// towards the leader's majority contact.
	IsolationWindow time.Duration
	RPCTimeout      time.Duration
	ApplyTimeout    time.Duration // client-side apply wait
	TransferTimeout time.Duration // leadership hand-off, 2x ElectionTimeout by default

	// Replication batching.
	MaxAppendEntries int
	MaxAppendBytes   int

	// Snapshot triggers. Zero selects the default; a negative interval turns
	// the timer off and a zero SnapshotMaxJournalBytes ignores journal size.
	SnapshotThreshold       uint64
	SnapshotMaxJournalBytes int64
	SnapshotInterval        time.Duration
	// TrailingLogs entries stay in the journal behind each snapshot so
	// slightly lagging followers can catch up without a transfer.
	TrailingLogs      uint64
	SnapshotChunkSize int

	// Hooks run on the node's event loop and must not block.
	OnCommit     func(e journal.Entry)
	OnApply      func(e journal.Entry, result interface{})
	OnRoleChange func(role Role, term uint64)
}

const (
	defaultHeartbeat        = 100 * time.Millisecond
	defaultElectionTimeout  = 1 * time.Second
	defaultMaxAppendEntries = 256
	defaultMaxAppendBytes   = 1 << 20
	defaultSnapshotInterval = 2 * time.Minute
	defaultTrailingLogs     = 1024
	defaultSnapshotEvery    = 8192
)

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = defaultElectionTimeout
	}
	if o.IsolationWindow <= 0 {
		o.IsolationWindow = 10 * o.HeartbeatInterval
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = o.ElectionTimeout
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = 2 * o.ElectionTimeout
	}
	if o.MaxAppendEntries <= 0 {
		o.MaxAppendEntries = defaultMaxAppendEntries
	}
	if o.MaxAppendBytes <= 0 {
		o.MaxAppendBytes = defaultMaxAppendBytes
	}
	if o.SnapshotThreshold == 0 {
		o.SnapshotThreshold = defaultSnapshotEvery
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.TrailingLogs == 0 {
		o.TrailingLogs = defaultTrailingLogs
	}
}

func (o *Options) validate() error {
	if o.NodeID == "" {
		return fmt.Errorf("raftcons: empty NodeID")
	}
	if o.Journal == nil || o.Snapshots == nil || o.TermVote == nil {
		return fmt.Errorf("raftcons: journal, snapshot and term/vote stores are required")
	}
	if o.Transport == nil {
		return fmt.Errorf("raftcons: nil transport")
	}
	if o.ElectionTimeout <= o.HeartbeatInterval {
		return fmt.Errorf("raftcons: election timeout %s must exceed heartbeat %s", o.ElectionTimeout, o.HeartbeatInterval)
	}
	seen := map[string]bool{o.NodeID: true}
	for _, p := range o.Peers {
		if p.ID == o.NodeID {
			continue
		}
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("raftcons: peer needs id and addr: %+v", p)
		}
		if seen[p.ID] {
			return fmt.Errorf("raftcons: duplicate peer %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
