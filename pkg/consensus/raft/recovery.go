package raftcons

import (
	"errors"
	"fmt"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
)

// recover rebuilds in-memory state from the stores: term and vote first,
// then the newest snapshot, then whatever the journal holds past it. Entries
// up to the persisted commit hint are re-applied; the rest waits for a
// leader.
func (n *Node) recover() error {
	st := n.tv.Load()
	n.term, n.votedFor = st.Term, st.VotedFor
	metrics.Term.WithLabelValues(n.id).Set(float64(n.term))

	meta, data, err := snapshot.Load(n.snaps)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
	case err != nil:
		return fmt.Errorf("raftcons: load snapshot: %w", err)
	default:
		if err := n.fsm.restore(data); err != nil {
			return fmt.Errorf("raftcons: restore snapshot %s: %w", meta, err)
		}
		n.snapIndex, n.snapTerm = meta.Index, meta.Term
		n.commitIndex, n.lastApplied = meta.Index, meta.Index
		metrics.SnapshotIndex.WithLabelValues(n.id).Set(float64(meta.Index))
		n.log.Info("restored snapshot", "index", meta.Index, "term", meta.Term, "bytes", len(data))
	}

	first, last := n.journal.FirstIndex(), n.journal.LastIndex()
	if last < n.snapIndex || first > n.snapIndex+1 {
		n.log.Warn("journal does not line up with snapshot, discarding it",
			"first", first, "last", last, "snapshot_index", n.snapIndex)
		if err := n.journal.Reset(n.snapIndex + 1); err != nil {
			return fmt.Errorf("raftcons: reset journal: %w", err)
		}
	}

	hint, err := n.tv.CommitHint()
	if err != nil {
		return fmt.Errorf("raftcons: load commit hint: %w", err)
	}
	n.hintSaved = hint
	if c := min(hint, n.lastIndex()); c > n.commitIndex {
		n.commitIndex = c
		n.applyCommitted()
		if n.fatal != nil {
			return n.fatal
		}
	}
	return nil
}
