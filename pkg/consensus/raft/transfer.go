package raftcons

import (
	"context"
	"fmt"
	"time"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// leaderTransfer is the hand-off in progress on a leader. Client writes are
// refused until it finishes so the target can catch up with a fixed log.
type leaderTransfer struct {
	target  string
	reply   chan error
	timer   *time.Timer
	sent    bool
	started time.Time
}

type transferRequest struct {
	target string
	reply  chan error
}

type transferTimeout struct{ gen uint64 }

type timeoutNowResult struct {
	peer string
	term uint64
	resp *transport.TimeoutNowResponse
	err  error
}

// TransferLeadership hands leadership to target, or to the most caught-up
// follower when target is empty. It returns once this node has stepped
// down; the new leader is then observable through Leader and LeaderCh.
// Writes are refused with ErrTransferInProgress meanwhile, and resume if
// the hand-off times out.
func (n *Node) TransferLeadership(ctx context.Context, target string) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	return n.call(ctx, transferRequest{target: target, reply: reply}, reply)
}

func (n *Node) onTransferRequest(req transferRequest) {
	if !n.role.acceptsWrites() {
		req.reply <- ErrNotLeader
		return
	}
	if n.xfer != nil {
		req.reply <- ErrTransferInProgress
		return
	}
	target := req.target
	if target == n.id {
		req.reply <- nil
		return
	}
	if target == "" {
		target = n.bestFollower()
		if target == "" {
			req.reply <- ErrNoTransferTarget
			return
		}
	} else if _, ok := n.peers[target]; !ok {
		req.reply <- fmt.Errorf("%w: unknown member %q", ErrNoTransferTarget, target)
		return
	}
	n.transferGen++
	gen := n.transferGen
	n.xfer = &leaderTransfer{
		target:  target,
		reply:   req.reply,
		started: time.Now(),
		timer:   time.AfterFunc(n.opts.TransferTimeout, func() { n.post(transferTimeout{gen: gen}) }),
	}
	p := n.peers[target]
	n.log.Info("transferring leadership", "target", target, "term", n.term,
		"match_index", p.matchIndex, "last_index", n.lastIndex())
	n.progressTransfer()
	if n.xfer != nil && !n.xfer.sent {
		n.replicate(p)
	}
}

// bestFollower picks the follower with the highest match index.
func (n *Node) bestFollower() string {
	var best *peer
	for _, id := range n.order {
		p := n.peers[id]
		if best == nil || p.matchIndex > best.matchIndex {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.id
}

// progressTransfer sends TimeoutNow once the target holds the whole log.
func (n *Node) progressTransfer() {
	x := n.xfer
	if x == nil || x.sent || !n.role.leading() {
		return
	}
	p := n.peers[x.target]
	if p.matchIndex < n.lastIndex() {
		return
	}
	x.sent = true
	req := &transport.TimeoutNowRequest{Term: n.term, LeaderID: n.id}
	n.log.Debug("target caught up, sending timeout-now", "target", p.id, "match_index", p.matchIndex)
	go func(id, addr string) {
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
		defer cancel()
		resp, err := n.trans.TimeoutNow(ctx, addr, req)
		n.post(timeoutNowResult{peer: id, term: req.Term, resp: resp, err: err})
	}(p.id, p.addr)
}

func (n *Node) onTimeoutNowResult(ev timeoutNowResult) {
	if ev.err == nil && ev.resp.Term > n.term {
		n.stepDown(ev.resp.Term, "")
		return
	}
	x := n.xfer
	if x == nil || x.target != ev.peer || ev.term != n.term {
		return
	}
	if ev.err != nil || !ev.resp.Success {
		// retried on the next append reply from the target
		x.sent = false
		n.log.Debug("timeout-now not accepted", "target", ev.peer, "error", ev.err)
	}
}

func (n *Node) onTransferTimeout(ev transferTimeout) {
	if ev.gen != n.transferGen || n.xfer == nil {
		return
	}
	n.log.Warn("leadership transfer timed out, resuming writes", "target", n.xfer.target, "term", n.term)
	n.finishTransfer(ErrTransferTimeout)
}

func (n *Node) finishTransfer(err error) {
	x := n.xfer
	if x == nil {
		return
	}
	n.xfer = nil
	n.transferGen++
	x.timer.Stop()
	if err == nil {
		n.log.Info("leadership transferred", "target", x.target, "term", n.term, "took", time.Since(x.started))
	}
	x.reply <- err
}

// handleTimeoutNow starts an election at once on behalf of the leader.
func (n *Node) handleTimeoutNow(req *transport.TimeoutNowRequest) (*transport.TimeoutNowResponse, error) {
	resp := &transport.TimeoutNowResponse{Term: n.term}
	if req.Term < n.term || n.role.leading() {
		return resp, nil
	}
	if req.Term > n.term {
		n.stepDown(req.Term, req.LeaderID)
		if n.fatal != nil {
			return nil, n.fatal
		}
	}
	n.log.Info("leader handed over leadership, campaigning", "from", req.LeaderID, "term", n.term)
	resp.Term = n.term
	resp.Success = true
	n.campaign()
	if n.fatal != nil {
		return nil, n.fatal
	}
	return resp, nil
}
