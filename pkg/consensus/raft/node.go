// Package raftcons is a RAFT consensus engine. Each Node owns a journal, a
// snapshot store and a term/vote store, and talks to its peers through a
// transport.RaftTransport. All protocol state is owned by a single event
// loop goroutine; timers and RPC replies reach it as events.
package raftcons

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	c "github.com/amirimatin/go-raft/pkg/consensus"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage/termvote"
	"github.com/amirimatin/go-raft/pkg/transport"
)

type peer struct {
	id, addr    string
	nextIndex   uint64
	matchIndex  uint64
	inflight    bool
	lastContact time.Time
	transfer    *transfer
}

// Node implements consensus.Consensus.
type Node struct {
	opts    Options
	log     hclog.Logger
	id      string
	policy  Policy
	trans   transport.RaftTransport
	journal journal.Store
	snaps   snapshot.Store
	tv      *termvote.Store
	fsm     *entryFSM
	peers   map[string]*peer
	order   []string
	rng     *rand.Rand

	// owned by the event loop
	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	lastApplied uint64
	snapIndex   uint64
	snapTerm    uint64
	lastSnapAt  time.Time
	hintSaved   uint64
	votes       map[string]bool
	noopIndex   uint64
	pending     map[uint64]*pending
	preApplied  map[uint64]preApplied
	inbound     *snapshot.Assembler
	outbound    *outboundSnapshot
	xfer        *leaderTransfer
	fatal       error

	electionGen   uint64
	electionTimer *time.Timer
	heartbeatGen  uint64
	heartbeatTmr  *time.Timer
	transferGen   uint64

	events     chan event
	proposals  chan *proposal
	shutdownCh chan struct{}
	doneCh     chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
	started    atomic.Bool

	mu       sync.RWMutex
	view     Status
	failErr  error
	lch      chan c.LeaderInfo
	lastSeen c.LeaderInfo
}

type preApplied struct {
	term   uint64
	result interface{}
}

func New(opts Options) (*Node, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	sm := opts.StateMachine
	if sm == nil {
		sm = kv.New()
	}
	n := &Node{
		opts:       opts,
		log:        opts.Logger.Named("raft").With("node", opts.NodeID),
		id:         opts.NodeID,
		policy:     opts.Policy,
		trans:      opts.Transport,
		journal:    opts.Journal,
		snaps:      opts.Snapshots,
		tv:         opts.TermVote,
		peers:      make(map[string]*peer),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:    make(map[uint64]*pending),
		preApplied: make(map[uint64]preApplied),
		events:     make(chan event, 256),
		proposals:  make(chan *proposal, 1024),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		lch:        make(chan c.LeaderInfo, 16),
	}
	n.fsm = newEntryFSM(sm, n.log)
	for _, p := range opts.Peers {
		if p.ID == opts.NodeID {
			continue
		}
		n.peers[p.ID] = &peer{id: p.ID, addr: p.Addr}
		n.order = append(n.order, p.ID)
	}
	return n, nil
}

// Start recovers persisted state and starts the event loop.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-n.shutdownCh:
		return ErrStopped
	default:
	}
	var err error
	n.startOnce.Do(func() {
		if err = n.recover(); err != nil {
			return
		}
		n.started.Store(true)
		n.resetElectionTimer()
		n.publish()
		go n.run()
		if n.opts.SnapshotInterval > 0 {
			go n.snapshotTicker()
		}
		n.log.Info("node started", "term", n.term, "peers", len(n.peers), "policy", fmt.Sprint(n.policy),
			"commit", n.commitIndex, "last_index", n.lastIndex())
	})
	return err
}

// Stop halts the event loop. Outstanding pending entries fail with
// ErrStopped. Stores stay open.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		close(n.shutdownCh)
		if n.started.Load() {
			<-n.doneCh
		} else {
			close(n.doneCh)
		}
	})
	return nil
}

// Close stops the node and releases its transport and stores.
func (n *Node) Close() error {
	_ = n.Stop()
	var result error
	if err := n.trans.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.tv.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Done closes once the event loop has exited, after Stop or a fatal error.
func (n *Node) Done() <-chan struct{} { return n.doneCh }

// Err reports the persistence failure that stopped the node, if any.
func (n *Node) Err() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.failErr
}

func (n *Node) run() {
	defer n.shutdown()
	for {
		select {
		case <-n.shutdownCh:
			return
		case rpc := <-n.trans.Consumer():
			n.handleRPC(rpc)
		case ev := <-n.events:
			n.handleEvent(ev)
		case p := <-n.proposals:
			batch := []*proposal{p}
		drain:
			for len(batch) < n.opts.MaxAppendEntries {
				select {
				case q := <-n.proposals:
					batch = append(batch, q)
				default:
					break drain
				}
			}
			n.handleProposals(batch)
		}
		if n.fatal != nil {
			return
		}
		n.publish()
	}
}

func (n *Node) shutdown() {
	n.stopElectionTimer()
	n.stopHeartbeat()
	reason := ErrStopped
	if n.fatal != nil {
		reason = n.fatal
	}
	n.finishTransfer(reason)
	for idx, p := range n.pending {
		p.fail(reason)
		delete(n.pending, idx)
	}
	if n.inbound != nil {
		n.inbound.Abort()
		n.inbound = nil
	}
	// proposals still queued never reached the journal
	for drained := false; !drained; {
		select {
		case p := <-n.proposals:
			p.reply <- proposalResult{err: reason}
		default:
			drained = true
		}
	}
	n.publish()
	n.log.Info("node stopped", "term", n.term, "commit", n.commitIndex, "applied", n.lastApplied)
	close(n.lch)
	close(n.doneCh)
}

// fail records a persistence failure. The loop exits after the current
// event; durable state may be behind what was in memory.
func (n *Node) fail(err error) {
	if n.fatal != nil {
		return
	}
	n.fatal = err
	n.log.Error("storage failure, stopping node", "error", err)
	n.mu.Lock()
	n.failErr = err
	n.mu.Unlock()
}

func (n *Node) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.shutdownCh:
	case <-n.doneCh:
	}
}

// call posts a request event and waits for the loop to answer it.
func (n *Node) call(ctx context.Context, ev event, reply <-chan error) error {
	select {
	case n.events <- ev:
	case <-n.doneCh:
		return n.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-n.doneCh:
		return n.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) stoppedErr() error {
	if err := n.Err(); err != nil {
		return err
	}
	return ErrStopped
}

func (n *Node) setRole(r Role) {
	if r == n.role {
		return
	}
	old := n.role
	n.role = r
	n.log.Info("role changed", "from", old.String(), "to", r.String(), "term", n.term)
	metrics.Role.WithLabelValues(n.id).Set(float64(r))
	isolated := 0.0
	if r == IsolatedLeader {
		isolated = 1
	}
	metrics.LeaderIsolated.WithLabelValues(n.id).Set(isolated)
	if n.opts.OnRoleChange != nil {
		n.opts.OnRoleChange(r, n.term)
	}
}

func (n *Node) quorum() int { return (len(n.peers)+1)/2 + 1 }

func (n *Node) lastIndex() uint64 { return n.journal.LastIndex() }

// termAt resolves the term of index i from the snapshot boundary or the
// journal. ok is false when the entry is neither.
func (n *Node) termAt(i uint64) (uint64, bool) {
	if i == 0 {
		return 0, true
	}
	if i == n.snapIndex {
		return n.snapTerm, true
	}
	if i < n.snapIndex && i < n.journal.FirstIndex() {
		return 0, false
	}
	e, err := n.journal.Entry(i)
	if err != nil {
		return 0, false
	}
	return e.Term, true
}

func (n *Node) lastLog() (uint64, uint64) {
	idx := n.lastIndex()
	t, _ := n.termAt(idx)
	return idx, t
}

func (n *Node) persistTermVote(term uint64, vote string) error {
	if err := n.tv.Save(term, vote); err != nil {
		n.fail(fmt.Errorf("persist term %d vote %q: %w", term, vote, err))
		return err
	}
	if term != n.term {
		metrics.Term.WithLabelValues(n.id).Set(float64(term))
	}
	n.term, n.votedFor = term, vote
	return nil
}

func (n *Node) appendLocal(entries []journal.Entry) error {
	if err := n.journal.Append(entries...); err != nil {
		n.fail(fmt.Errorf("journal append at %d: %w", entries[0].Index, err))
		return err
	}
	return nil
}

// dropFrom forgets pending and pre-applied entries at or above from; the
// journal no longer holds them.
func (n *Node) dropFrom(from uint64, reason error) {
	for idx, p := range n.pending {
		if idx >= from {
			p.fail(reason)
			delete(n.pending, idx)
		}
	}
	for idx, pa := range n.preApplied {
		if idx >= from {
			n.log.Warn("entry applied ahead of consensus was overwritten", "index", idx, "term", pa.term)
			delete(n.preApplied, idx)
		}
	}
}

func (n *Node) peerAddr(id string) string {
	if id == n.id {
		return n.trans.Addr()
	}
	if p, ok := n.peers[id]; ok {
		return p.addr
	}
	return ""
}

// publish copies loop state into the view read by the public accessors.
func (n *Node) publish() {
	first, last := n.journal.FirstIndex(), n.lastIndex()
	st := Status{
		ID:            n.id,
		Addr:          n.trans.Addr(),
		Role:          n.role,
		Term:          n.term,
		VotedFor:      n.votedFor,
		LeaderID:      n.leaderID,
		LeaderAddr:    n.peerAddr(n.leaderID),
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		FirstIndex:    first,
		LastIndex:     last,
		SnapshotIndex: n.snapIndex,
		SnapshotTerm:  n.snapTerm,
		Policy:        fmt.Sprint(n.policy),
	}
	if n.fatal != nil {
		st.Error = n.fatal.Error()
	}
	if n.role.leading() {
		for _, id := range n.order {
			p := n.peers[id]
			st.Peers = append(st.Peers, PeerStatus{
				ID: p.id, Addr: p.addr, MatchIndex: p.matchIndex, NextIndex: p.nextIndex,
				LastContact: p.lastContact, Installing: p.transfer != nil,
			})
		}
	}
	n.mu.Lock()
	n.view = st
	n.mu.Unlock()

	metrics.CommitIndex.WithLabelValues(n.id).Set(float64(n.commitIndex))
	metrics.AppliedIndex.WithLabelValues(n.id).Set(float64(n.lastApplied))
	metrics.LastLogIndex.WithLabelValues(n.id).Set(float64(last))
	if sj, ok := n.journal.(interface{ Segments() int }); ok {
		metrics.JournalSegments.WithLabelValues(n.id).Set(float64(sj.Segments()))
	}
	isLeader := 0.0
	if n.role == Leader {
		isLeader = 1
	}
	metrics.IsLeader.WithLabelValues(n.id).Set(isLeader)

	if n.leaderID != "" && (n.leaderID != n.lastSeen.ID || n.term != n.lastSeen.Term) {
		li := c.LeaderInfo{ID: n.leaderID, Addr: st.LeaderAddr, Term: n.term}
		if n.lastSeen.ID != "" && n.lastSeen.ID != li.ID {
			metrics.LeaderChanges.Inc()
		}
		n.lastSeen = li
		n.emitLeader(li)
	}
}

// LeaderCh delivers leader updates; it closes when the node stops.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
	select {
	case n.lch <- li:
	default:
		// drop to avoid blocking; last-writer-wins semantics are ok for leadership
	}
}

// Status returns a copy of the node's current state.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	st := n.view
	st.Peers = append([]PeerStatus(nil), n.view.Peers...)
	return st
}

func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.view.Role
}

func (n *Node) IsLeader() bool { return n.Role() == Leader }

func (n *Node) Leader() (id string, addr string, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.view.LeaderID == "" {
		return "", "", false
	}
	return n.view.LeaderID, n.view.LeaderAddr, true
}

func (n *Node) Term() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.view.Term
}

// Append places payload in the leader's journal and returns a handle that
// resolves when the entry commits and applies.
func (n *Node) Append(payload []byte) (c.Pending, error) {
	return n.propose(context.Background(), journal.KindCommand, payload)
}

// AppendContext is Append bounded by ctx while waiting for the journal write.
func (n *Node) AppendContext(ctx context.Context, payload []byte) (c.Pending, error) {
	return n.propose(ctx, journal.KindCommand, payload)
}

func (n *Node) propose(ctx context.Context, kind journal.Kind, data []byte) (c.Pending, error) {
	if !n.started.Load() {
		return nil, ErrNotStarted
	}
	if err := n.Err(); err != nil {
		return nil, err
	}
	if !n.Role().acceptsWrites() {
		return nil, ErrNotLeader
	}
	pr := &proposal{kind: kind, data: data, reply: make(chan proposalResult, 1)}
	select {
	case n.proposals <- pr:
	case <-n.doneCh:
		return nil, n.stoppedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-pr.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.p, nil
	case <-n.doneCh:
		// shutdown answers queued proposals before closing doneCh
		select {
		case res := <-pr.reply:
			if res.err != nil {
				return nil, res.err
			}
			return res.p, nil
		default:
			return nil, n.stoppedErr()
		}
	}
}

// Apply encodes cmd as JSON, appends it and waits until it is applied. An
// error returned by the state machine is returned as the error.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	p, err := n.Append(data)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = n.opts.ApplyTimeout
	}
	v, err := c.Wait(context.Background(), p, timeout)
	if err != nil {
		return nil, err
	}
	if e, ok := v.(error); ok && e != nil {
		return nil, e
	}
	return v, nil
}

// Campaign starts an election now. It is the only way to elect a leader when
// the policy disables automatic elections.
func (n *Node) Campaign(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	return n.call(ctx, campaignRequest{reply: reply}, reply)
}

// Snapshot captures the state machine now and compacts the journal.
func (n *Node) Snapshot(ctx context.Context) (snapshot.Meta, error) {
	if !n.started.Load() {
		return snapshot.Meta{}, ErrNotStarted
	}
	reply := make(chan error, 1)
	req := snapshotRequest{reply: reply, meta: new(snapshot.Meta)}
	if err := n.call(ctx, req, reply); err != nil {
		return snapshot.Meta{}, err
	}
	return *req.meta, nil
}

var _ c.Consensus = (*Node)(nil)
var _ c.LeaderNotifier = (*Node)(nil)
