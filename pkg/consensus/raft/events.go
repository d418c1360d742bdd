package raftcons

import (
	"fmt"

	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

type event interface{}

type electionTimeout struct{ gen uint64 }

type heartbeatTick struct{ gen uint64 }

type snapshotTick struct{}

type voteResult struct {
	peer string
	term uint64
	resp *transport.RequestVoteResponse
	err  error
}

type appendResult struct {
	peer  string
	term  uint64
	prev  uint64
	count int
	resp  *transport.AppendEntriesResponse
	err   error
}

type installResult struct {
	peer       string
	term       uint64
	transferID string
	chunk      int
	resp       *transport.InstallSnapshotResponse
	err        error
}

type campaignRequest struct{ reply chan error }

type snapshotRequest struct {
	reply chan error
	meta  *snapshot.Meta
}

type proposal struct {
	kind  journal.Kind
	data  []byte
	reply chan proposalResult
}

type proposalResult struct {
	p   *pending
	err error
}

func (n *Node) handleEvent(ev event) {
	switch e := ev.(type) {
	case electionTimeout:
		n.onElectionTimeout(e)
	case heartbeatTick:
		n.onHeartbeat(e)
	case snapshotTick:
		n.onSnapshotTick()
	case voteResult:
		n.onVoteResult(e)
	case appendResult:
		n.onAppendResult(e)
		n.progressTransfer()
	case installResult:
		n.onInstallResult(e)
		n.progressTransfer()
	case timeoutNowResult:
		n.onTimeoutNowResult(e)
	case transferRequest:
		n.onTransferRequest(e)
	case transferTimeout:
		n.onTransferTimeout(e)
	case campaignRequest:
		e.reply <- n.onCampaignRequest()
	case snapshotRequest:
		m, err := n.takeSnapshot()
		*e.meta = m
		e.reply <- err
	default:
		n.log.Error("unexpected event", "type", fmt.Sprintf("%T", ev))
	}
}

func (n *Node) handleRPC(rpc transport.RPC) {
	switch req := rpc.Command.(type) {
	case *transport.RequestVoteRequest:
		resp, err := n.handleRequestVote(req)
		rpc.Respond(resp, err)
	case *transport.AppendEntriesRequest:
		resp, err := n.handleAppendEntries(req)
		rpc.Respond(resp, err)
	case *transport.InstallSnapshotRequest:
		resp, err := n.handleInstallSnapshot(req)
		rpc.Respond(resp, err)
	case *transport.TimeoutNowRequest:
		resp, err := n.handleTimeoutNow(req)
		rpc.Respond(resp, err)
	default:
		rpc.Respond(nil, fmt.Errorf("raftcons: unexpected rpc %T", rpc.Command))
	}
}

// handleProposals appends a batch of client commands with one journal write.
func (n *Node) handleProposals(batch []*proposal) {
	if !n.role.acceptsWrites() || n.xfer != nil {
		err := ErrNotLeader
		if n.xfer != nil {
			err = ErrTransferInProgress
		}
		for _, pr := range batch {
			pr.reply <- proposalResult{err: err}
		}
		return
	}
	last := n.lastIndex()
	entries := make([]journal.Entry, len(batch))
	for i, pr := range batch {
		entries[i] = journal.Entry{Index: last + 1 + uint64(i), Term: n.term, Kind: pr.kind, Data: pr.data}
	}
	if err := n.appendLocal(entries); err != nil {
		for _, pr := range batch {
			pr.reply <- proposalResult{err: err}
		}
		return
	}
	preApply := n.policy.ApplyBeforeConsensus()
	for i, pr := range batch {
		e := entries[i]
		p := newPending(e.Index, e.Term)
		n.pending[e.Index] = p
		if preApply && e.Kind == journal.KindCommand {
			res := n.fsm.apply(e)
			n.preApplied[e.Index] = preApplied{term: e.Term, result: res}
			p.apply(res)
		}
		pr.reply <- proposalResult{p: p}
	}
	n.replicateAll()
	n.advanceCommit()
}
