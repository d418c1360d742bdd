package raftcons

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/transport"
)

func noopEntry(index, term uint64) []journal.Entry {
	return []journal.Entry{{Index: index, Term: term, Kind: journal.KindNoop}}
}

func (n *Node) replicateAll() {
	for _, id := range n.order {
		n.replicate(n.peers[id])
	}
}

// replicate sends the next batch (or a heartbeat) to p unless an RPC to it
// is already in flight. Followers behind the journal's first index get the
// snapshot instead.
func (n *Node) replicate(p *peer) {
	if p.inflight || n.fatal != nil {
		return
	}
	if p.transfer != nil {
		n.sendSnapshotChunk(p)
		return
	}
	if p.nextIndex < 1 {
		p.nextIndex = 1
	}
	last := n.lastIndex()
	if p.nextIndex > last+1 {
		p.nextIndex = last + 1
	}
	prev := p.nextIndex - 1
	prevTerm, ok := n.termAt(prev)
	if !ok {
		n.sendSnapshotChunk(p)
		return
	}
	var entries []journal.Entry
	if p.nextIndex <= last {
		hi := min(last, p.nextIndex+uint64(n.opts.MaxAppendEntries)-1)
		es, err := n.journal.Entries(p.nextIndex, hi, n.opts.MaxAppendBytes)
		switch {
		case errors.Is(err, journal.ErrNotFound), errors.Is(err, journal.ErrOutOfRange):
			n.sendSnapshotChunk(p)
			return
		case err != nil:
			n.fail(fmt.Errorf("journal read %d..%d: %w", p.nextIndex, hi, err))
			return
		}
		entries = es
	}
	req := &transport.AppendEntriesRequest{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	p.inflight = true
	go func(id, addr string) {
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
		defer cancel()
		resp, err := n.trans.AppendEntries(ctx, addr, req)
		n.post(appendResult{peer: id, term: req.Term, prev: prev, count: len(entries), resp: resp, err: err})
	}(p.id, p.addr)
}

func (n *Node) onAppendResult(ev appendResult) {
	p, ok := n.peers[ev.peer]
	if !ok {
		return
	}
	if ev.term == n.term {
		p.inflight = false
	}
	if ev.err != nil {
		metrics.AppendEntries.WithLabelValues(n.id, "error").Inc()
		n.log.Trace("append entries failed", "peer", ev.peer, "error", ev.err)
		return
	}
	if ev.resp.Term > n.term {
		n.stepDown(ev.resp.Term, "")
		return
	}
	if !n.role.leading() || ev.term != n.term {
		return
	}
	p.lastContact = time.Now()
	if ev.resp.Success {
		metrics.AppendEntries.WithLabelValues(n.id, "success").Inc()
		match := ev.prev + uint64(ev.count)
		if match > p.matchIndex {
			p.matchIndex = match
		}
		if p.nextIndex < p.matchIndex+1 {
			p.nextIndex = p.matchIndex + 1
		}
		n.advanceCommit()
		if p.nextIndex <= n.lastIndex() {
			n.replicate(p)
		}
		return
	}
	metrics.AppendEntries.WithLabelValues(n.id, "reject").Inc()
	next := min(ev.resp.LastIndex+1, p.nextIndex-1)
	next = max(next, p.matchIndex+1, 1)
	n.log.Debug("append rejected, backing off", "peer", ev.peer, "next_index", next, "hint", ev.resp.LastIndex)
	p.nextIndex = next
	n.replicate(p)
}

// advanceCommit commits the highest index held by a majority, but only
// when that entry belongs to the current term.
func (n *Node) advanceCommit() {
	if !n.role.leading() {
		return
	}
	if n.role == IsolatedLeader {
		n.checkIsolation()
		if n.role == IsolatedLeader {
			return
		}
	}
	matches := make([]uint64, 0, len(n.peers)+1)
	matches = append(matches, n.lastIndex())
	for _, p := range n.peers {
		matches = append(matches, p.matchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	idx := matches[n.quorum()-1]
	if idx <= n.commitIndex {
		return
	}
	if t, ok := n.termAt(idx); !ok || t != n.term {
		return
	}
	n.setCommit(idx)
}

// setCommit raises commitIndex, resolves commit notifications and applies.
func (n *Node) setCommit(idx uint64) {
	if last := n.lastIndex(); idx > last {
		idx = last
	}
	if idx <= n.commitIndex {
		return
	}
	old := n.commitIndex
	n.commitIndex = idx
	for i := old + 1; i <= idx; i++ {
		if p, ok := n.pending[i]; ok {
			if t, ok := n.termAt(i); ok && t == p.term {
				p.commit()
			}
		}
		if n.opts.OnCommit != nil {
			if e, err := n.journal.Entry(i); err == nil {
				n.opts.OnCommit(e)
			}
		}
	}
	if n.role == PreLeader && n.commitIndex >= n.noopIndex {
		n.setRole(Leader)
		n.log.Info("leadership established", "term", n.term, "commit", n.commitIndex)
	}
	n.applyCommitted()
}

// applyCommitted feeds committed entries to the state machine in order.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex && n.fatal == nil {
		idx := n.lastApplied + 1
		e, err := n.journal.Entry(idx)
		if err != nil {
			n.fail(fmt.Errorf("read committed entry %d: %w", idx, err))
			return
		}
		var result interface{}
		if pa, ok := n.preApplied[idx]; ok && pa.term == e.Term {
			result = pa.result
			delete(n.preApplied, idx)
		} else {
			result = n.fsm.apply(e)
		}
		n.lastApplied = idx
		if n.opts.OnApply != nil {
			n.opts.OnApply(e, result)
		}
		if p, ok := n.pending[idx]; ok {
			delete(n.pending, idx)
			if p.term == e.Term {
				p.commit()
				p.apply(result)
			} else {
				p.fail(ErrEntryOverwritten)
			}
		}
	}
	if n.lastApplied > n.hintSaved {
		if err := n.tv.SaveCommitHint(n.lastApplied); err != nil {
			n.log.Warn("failed to persist commit hint", "index", n.lastApplied, "error", err)
		} else {
			n.hintSaved = n.lastApplied
		}
	}
	n.maybeSnapshot()
}

// handleAppendEntries is the follower side of replication. New entries are
// durable before a successful reply.
func (n *Node) handleAppendEntries(req *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	resp := &transport.AppendEntriesResponse{Term: n.term, LastIndex: n.lastIndex()}
	if req.Term < n.term {
		return resp, nil
	}
	if req.Term == n.term && n.role.leading() {
		n.log.Error("append entries from another leader in the same term", "term", n.term, "from", req.LeaderID)
		return resp, nil
	}
	if req.Term > n.term || n.role != Follower || n.leaderID != req.LeaderID {
		n.stepDown(req.Term, req.LeaderID)
		if n.fatal != nil {
			return nil, n.fatal
		}
	} else {
		n.resetElectionTimer()
	}
	resp.Term = n.term

	prev, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries
	if prev < n.snapIndex {
		// everything up to snapIndex is committed and matches the leader
		skip := n.snapIndex - prev
		if uint64(len(entries)) <= skip {
			entries = nil
		} else {
			entries = entries[skip:]
		}
		prev, prevTerm = n.snapIndex, n.snapTerm
	}
	if prev > n.lastIndex() {
		return resp, nil
	}
	if t, ok := n.termAt(prev); !ok || t != prevTerm {
		resp.LastIndex = n.conflictHint(prev, t)
		n.log.Debug("append rejected, log mismatch", "prev_index", prev, "prev_term", prevTerm, "local_term", t, "hint", resp.LastIndex)
		return resp, nil
	}

	var toAppend []journal.Entry
	for i, e := range entries {
		if e.Index > n.lastIndex() {
			toAppend = entries[i:]
			break
		}
		if t, ok := n.termAt(e.Index); ok && t == e.Term {
			continue
		}
		if e.Index <= n.commitIndex {
			n.log.Error("refusing to truncate committed entry", "index", e.Index, "commit", n.commitIndex, "leader", req.LeaderID)
			resp.LastIndex = n.commitIndex
			return resp, nil
		}
		n.log.Info("truncating conflicting suffix", "from", e.Index, "last", n.lastIndex())
		if err := n.journal.TruncateSuffix(e.Index); err != nil {
			n.fail(fmt.Errorf("journal truncate from %d: %w", e.Index, err))
			return nil, n.fatal
		}
		n.dropFrom(e.Index, ErrEntryOverwritten)
		toAppend = entries[i:]
		break
	}
	if len(toAppend) > 0 {
		if err := n.appendLocal(toAppend); err != nil {
			return nil, err
		}
	}
	lastNew := prev + uint64(len(entries))
	if req.LeaderCommit > n.commitIndex {
		n.setCommit(min(req.LeaderCommit, lastNew))
		if n.fatal != nil {
			return nil, n.fatal
		}
	}
	resp.Success = true
	resp.LastIndex = lastNew
	return resp, nil
}

// conflictHint tells the leader where to resume after a prev-entry mismatch:
// just before the first local entry of the conflicting term, never below
// commitIndex.
func (n *Node) conflictHint(prev, term uint64) uint64 {
	if term == 0 {
		return max(min(prev-1, n.lastIndex()), n.commitIndex)
	}
	i := prev
	first := max(n.journal.FirstIndex(), n.snapIndex+1)
	for i > first && i > n.commitIndex+1 {
		t, ok := n.termAt(i - 1)
		if !ok || t != term {
			break
		}
		i--
	}
	return max(i-1, n.commitIndex)
}
