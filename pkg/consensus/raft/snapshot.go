package raftcons

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// outboundSnapshot caches the latest snapshot's bytes while any follower
// needs them.
type outboundSnapshot struct {
	meta    snapshot.Meta
	chunker *snapshot.Chunker
}

// transfer tracks one follower's snapshot install.
type transfer struct {
	id      string
	meta    snapshot.Meta
	total   int
	next    int
	started time.Time
}

func (n *Node) snapshotTicker() {
	t := time.NewTicker(n.opts.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.post(snapshotTick{})
		case <-n.shutdownCh:
			return
		case <-n.doneCh:
			return
		}
	}
}

func (n *Node) onSnapshotTick() {
	if n.appliedAhead() {
		return
	}
	if n.lastApplied > n.snapIndex && time.Since(n.lastSnapAt) >= n.opts.SnapshotInterval {
		if _, err := n.takeSnapshot(); err != nil {
			n.log.Warn("periodic snapshot failed", "error", err)
		}
	}
}

func (n *Node) maybeSnapshot() {
	if n.lastApplied <= n.snapIndex || n.appliedAhead() {
		return
	}
	due := n.lastApplied-n.snapIndex >= n.opts.SnapshotThreshold
	if !due && n.opts.SnapshotMaxJournalBytes > 0 {
		due = n.journal.Size() >= n.opts.SnapshotMaxJournalBytes
	}
	if !due {
		return
	}
	if _, err := n.takeSnapshot(); err != nil {
		n.log.Warn("snapshot failed", "error", err)
	}
}

// appliedAhead reports whether the state machine holds entries applied
// ahead of consensus that have not committed yet. Its state is then newer
// than lastApplied and must not be captured.
func (n *Node) appliedAhead() bool {
	for idx := range n.preApplied {
		if idx > n.lastApplied {
			return true
		}
	}
	return false
}

// takeSnapshot captures the state machine at lastApplied, persists it and
// compacts the journal, keeping TrailingLogs entries behind the snapshot.
// A failed capture or write leaves everything as it was.
func (n *Node) takeSnapshot() (snapshot.Meta, error) {
	if n.appliedAhead() {
		return snapshot.Meta{}, ErrUncommittedState
	}
	if n.lastApplied <= n.snapIndex {
		return snapshot.Meta{Index: n.snapIndex, Term: n.snapTerm}, nil
	}
	idx := n.lastApplied
	term, ok := n.termAt(idx)
	if !ok {
		return snapshot.Meta{}, fmt.Errorf("raftcons: no term for applied index %d", idx)
	}
	start := time.Now()
	data, err := n.fsm.snapshot()
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("capture state: %w", err)
	}
	sink, err := n.snaps.Create(idx, term)
	if err != nil {
		return snapshot.Meta{}, err
	}
	if _, err := sink.Write(data); err != nil {
		_ = sink.Cancel()
		return snapshot.Meta{}, err
	}
	if err := sink.Close(); err != nil {
		return snapshot.Meta{}, err
	}
	meta := sink.Meta()
	n.snapIndex, n.snapTerm = idx, term
	n.lastSnapAt = time.Now()
	n.outbound = nil
	metrics.SnapshotsTaken.WithLabelValues(n.id).Inc()
	metrics.SnapshotIndex.WithLabelValues(n.id).Set(float64(idx))
	if idx > n.opts.TrailingLogs {
		if err := n.journal.CompactPrefix(idx - n.opts.TrailingLogs); err != nil {
			n.fail(fmt.Errorf("journal compact to %d: %w", idx-n.opts.TrailingLogs, err))
			return meta, err
		}
	}
	n.log.Info("snapshot taken", "index", idx, "term", term, "bytes", len(data),
		"first_index", n.journal.FirstIndex(), "took", time.Since(start))
	return meta, nil
}

func (n *Node) loadOutbound() (*outboundSnapshot, error) {
	latest, err := n.snaps.Latest()
	if err != nil {
		return nil, err
	}
	if n.outbound != nil && n.outbound.meta == latest {
		return n.outbound, nil
	}
	data, err := snapshot.Read(n.snaps, latest)
	if err != nil {
		return nil, err
	}
	n.outbound = &outboundSnapshot{meta: latest, chunker: snapshot.NewChunker(data, n.opts.SnapshotChunkSize)}
	return n.outbound, nil
}

// sendSnapshotChunk sends the next chunk of p's transfer, starting one if
// needed. Chunks stand in for heartbeats to p until the install finishes.
func (n *Node) sendSnapshotChunk(p *peer) {
	if p.inflight {
		return
	}
	src, err := n.loadOutbound()
	if err != nil {
		n.log.Warn("follower needs a snapshot but none is loadable", "peer", p.id, "next_index", p.nextIndex, "error", err)
		return
	}
	if p.transfer == nil || p.transfer.meta != src.meta {
		p.transfer = &transfer{id: uuid.NewString(), meta: src.meta, total: src.chunker.Total(), started: time.Now()}
		n.log.Info("starting snapshot transfer", "peer", p.id, "transfer", p.transfer.id,
			"index", src.meta.Index, "term", src.meta.Term, "chunks", p.transfer.total)
	}
	tr := p.transfer
	i := tr.next
	req := &transport.InstallSnapshotRequest{
		Term:              n.term,
		LeaderID:          n.id,
		LastIncludedIndex: tr.meta.Index,
		LastIncludedTerm:  tr.meta.Term,
		TransferID:        tr.id,
		ChunkIndex:        i,
		TotalChunks:       tr.total,
		PrevChunkHash:     src.chunker.PrevHash(i),
		Data:              src.chunker.Chunk(i),
	}
	p.inflight = true
	metrics.SnapshotChunksSent.WithLabelValues(n.id).Inc()
	go func(id, addr string) {
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
		defer cancel()
		resp, err := n.trans.InstallSnapshot(ctx, addr, req)
		n.post(installResult{peer: id, term: req.Term, transferID: req.TransferID, chunk: i, resp: resp, err: err})
	}(p.id, p.addr)
}

func (n *Node) onInstallResult(ev installResult) {
	p, ok := n.peers[ev.peer]
	if !ok {
		return
	}
	if ev.term == n.term {
		p.inflight = false
	}
	if ev.err != nil {
		n.log.Debug("install snapshot chunk failed", "peer", ev.peer, "chunk", ev.chunk, "error", ev.err)
		return
	}
	if ev.resp.Term > n.term {
		n.stepDown(ev.resp.Term, "")
		return
	}
	if !n.role.leading() || ev.term != n.term || p.transfer == nil || p.transfer.id != ev.transferID {
		return
	}
	p.lastContact = time.Now()
	tr := p.transfer
	if ev.resp.Success && ev.resp.NextChunk >= tr.total {
		n.log.Info("snapshot transfer complete", "peer", p.id, "transfer", tr.id, "index", tr.meta.Index,
			"took", time.Since(tr.started))
		p.transfer = nil
		if tr.meta.Index > p.matchIndex {
			p.matchIndex = tr.meta.Index
		}
		p.nextIndex = p.matchIndex + 1
		n.advanceCommit()
		n.replicate(p)
		return
	}
	next := ev.resp.NextChunk
	if next < 0 || next >= tr.total {
		next = 0
	}
	if !ev.resp.Success {
		n.log.Debug("snapshot chunk rejected", "peer", p.id, "chunk", ev.chunk, "resume", next)
	}
	tr.next = next
	n.sendSnapshotChunk(p)
}

// handleInstallSnapshot receives chunks into an Assembler. A transfer with
// a new id restarts reception; the final chunk installs the snapshot.
func (n *Node) handleInstallSnapshot(req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	resp := &transport.InstallSnapshotResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if req.Term == n.term && n.role.leading() {
		n.log.Error("install snapshot from another leader in the same term", "term", n.term, "from", req.LeaderID)
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

	if req.LastIncludedIndex <= n.lastApplied {
		// already have everything this snapshot covers
		if n.inbound != nil && n.inbound.TransferID == req.TransferID {
			n.inbound.Abort()
			n.inbound = nil
		}
		resp.Success = true
		resp.NextChunk = req.TotalChunks
		return resp, nil
	}
	if req.ChunkIndex == 0 && (n.inbound == nil || n.inbound.TransferID != req.TransferID) {
		if n.inbound != nil {
			n.log.Info("abandoning snapshot transfer", "transfer", n.inbound.TransferID)
			n.inbound.Abort()
		}
		a, err := snapshot.NewAssembler(n.snaps, req.TransferID, req.LastIncludedIndex, req.LastIncludedTerm, req.TotalChunks)
		if err != nil {
			n.log.Error("cannot start snapshot reception", "error", err)
			n.inbound = nil
			return resp, nil
		}
		n.inbound = a
		n.log.Info("receiving snapshot", "transfer", req.TransferID, "index", req.LastIncludedIndex, "chunks", req.TotalChunks)
	}
	if n.inbound == nil || n.inbound.TransferID != req.TransferID {
		resp.NextChunk = 0
		return resp, nil
	}
	if err := n.inbound.Accept(req.ChunkIndex, req.PrevChunkHash, req.Data); err != nil {
		// a duplicate of an accepted chunk is answered as success
		resp.Success = req.ChunkIndex < n.inbound.Next()
		resp.NextChunk = n.inbound.Next()
		if !resp.Success {
			n.log.Debug("snapshot chunk refused", "chunk", req.ChunkIndex, "want", n.inbound.Next(), "error", err)
		}
		return resp, nil
	}
	resp.Success = true
	resp.NextChunk = n.inbound.Next()
	if !n.inbound.Done() {
		return resp, nil
	}

	a := n.inbound
	n.inbound = nil
	meta, err := a.Commit()
	if err != nil {
		n.log.Error("failed to persist received snapshot", "error", err)
		return &transport.InstallSnapshotResponse{Term: n.term}, nil
	}
	data, err := snapshot.Read(n.snaps, meta)
	if err != nil {
		n.log.Error("failed to read back received snapshot", "error", err)
		return &transport.InstallSnapshotResponse{Term: n.term}, nil
	}
	if err := n.installSnapshot(meta, data); err != nil {
		return nil, err
	}
	return resp, nil
}

// installSnapshot replaces the state machine with data and moves the log
// boundary to meta. A journal suffix that agrees with the snapshot is kept.
func (n *Node) installSnapshot(meta snapshot.Meta, data []byte) error {
	if err := n.fsm.restore(data); err != nil {
		n.fail(fmt.Errorf("restore snapshot %s: %w", meta, err))
		return n.fatal
	}
	if t, ok := n.termAt(meta.Index); ok && t == meta.Term && meta.Index <= n.lastIndex() {
		if err := n.journal.CompactPrefix(meta.Index); err != nil {
			n.fail(fmt.Errorf("journal compact to %d: %w", meta.Index, err))
			return n.fatal
		}
		for idx, p := range n.pending {
			if idx <= meta.Index {
				p.fail(ErrOutcomeUnknown)
				delete(n.pending, idx)
			}
		}
	} else {
		if err := n.journal.Reset(meta.Index + 1); err != nil {
			n.fail(fmt.Errorf("journal reset to %d: %w", meta.Index+1, err))
			return n.fatal
		}
		for idx, p := range n.pending {
			p.fail(ErrOutcomeUnknown)
			delete(n.pending, idx)
		}
	}
	n.preApplied = make(map[uint64]preApplied)
	n.snapIndex, n.snapTerm = meta.Index, meta.Term
	n.commitIndex = max(n.commitIndex, meta.Index)
	n.lastApplied = meta.Index
	n.lastSnapAt = time.Now()
	n.outbound = nil
	metrics.SnapshotsInstalled.WithLabelValues(n.id).Inc()
	metrics.SnapshotIndex.WithLabelValues(n.id).Set(float64(meta.Index))
	n.log.Info("snapshot installed", "index", meta.Index, "term", meta.Term, "bytes", len(data),
		"last_index", n.lastIndex())
	if err := n.tv.SaveCommitHint(meta.Index); err == nil {
		n.hintSaved = meta.Index
	}
	n.applyCommitted()
	return nil
}
