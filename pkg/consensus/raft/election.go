package raftcons

import (
	"context"
	"time"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/transport"
)

func (n *Node) randomElectionTimeout() time.Duration {
	t := n.opts.ElectionTimeout
	return t + time.Duration(n.rng.Int63n(int64(t)))
}

// resetElectionTimer re-arms the election timer with a fresh random wait.
// Leaders never run it; followers only do when automatic elections are on.
func (n *Node) resetElectionTimer() {
	n.stopElectionTimer()
	if n.role.leading() {
		return
	}
	if n.role == Follower && !n.policy.AutomaticElectionsEnabled() {
		return
	}
	gen := n.electionGen
	n.electionTimer = time.AfterFunc(n.randomElectionTimeout(), func() { n.post(electionTimeout{gen: gen}) })
}

func (n *Node) stopElectionTimer() {
	n.electionGen++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
}

func (n *Node) onElectionTimeout(ev electionTimeout) {
	if ev.gen != n.electionGen {
		return
	}
	switch n.role {
	case Follower:
		if n.policy.AutomaticElectionsEnabled() {
			n.log.Info("election timeout, no contact from leader", "term", n.term, "leader", n.leaderID)
			n.campaign()
		}
	case Candidate:
		if n.policy.AutomaticElectionsEnabled() {
			n.log.Info("election timed out without a winner, retrying", "term", n.term)
			n.campaign()
			return
		}
		n.log.Info("manual election timed out, reverting to follower", "term", n.term)
		n.setRole(Follower)
		n.stopElectionTimer()
	}
}

func (n *Node) onCampaignRequest() error {
	if n.role.leading() {
		return nil
	}
	n.campaign()
	return n.fatal
}

// campaign starts an election for term+1.
func (n *Node) campaign() {
	if err := n.persistTermVote(n.term+1, n.id); err != nil {
		return
	}
	n.leaderID = ""
	n.setRole(Candidate)
	n.votes = map[string]bool{n.id: true}
	metrics.Elections.WithLabelValues(n.id).Inc()
	n.resetElectionTimer()
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		return
	}
	lastIdx, lastTerm := n.lastLog()
	req := &transport.RequestVoteRequest{Term: n.term, CandidateID: n.id, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
	n.log.Debug("requesting votes", "term", n.term, "last_index", lastIdx, "last_term", lastTerm)
	for _, id := range n.order {
		p := n.peers[id]
		go func(id, addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
			defer cancel()
			resp, err := n.trans.RequestVote(ctx, addr, req)
			n.post(voteResult{peer: id, term: req.Term, resp: resp, err: err})
		}(p.id, p.addr)
	}
}

func (n *Node) onVoteResult(ev voteResult) {
	if ev.err != nil {
		n.log.Debug("vote request failed", "peer", ev.peer, "term", ev.term, "error", ev.err)
		return
	}
	if ev.resp.Term > n.term {
		n.stepDown(ev.resp.Term, "")
		return
	}
	if n.role != Candidate || ev.term != n.term || !ev.resp.Granted {
		return
	}
	n.votes[ev.peer] = true
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
	}
}

// handleRequestVote grants at most one vote per term, only to candidates
// whose log is at least as up to date as ours. The vote is durable before
// the reply leaves.
func (n *Node) handleRequestVote(req *transport.RequestVoteRequest) (*transport.RequestVoteResponse, error) {
	resp := &transport.RequestVoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if req.Term > n.term {
		n.stepDown(req.Term, "")
		if n.fatal != nil {
			return nil, n.fatal
		}
		resp.Term = n.term
	}
	lastIdx, lastTerm := n.lastLog()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		if n.votedFor != req.CandidateID {
			if err := n.persistTermVote(n.term, req.CandidateID); err != nil {
				return nil, err
			}
		}
		resp.Granted = true
		metrics.VotesGranted.WithLabelValues(n.id).Inc()
		n.log.Info("vote granted", "candidate", req.CandidateID, "term", n.term)
	} else {
		n.log.Debug("vote denied", "candidate", req.CandidateID, "term", n.term, "voted_for", n.votedFor, "up_to_date", upToDate)
	}
	n.resetElectionTimer()
	return resp, nil
}

// stepDown adopts term (clearing the vote when it is newer) and becomes a
// follower of leader, which may be empty.
func (n *Node) stepDown(term uint64, leader string) {
	if term > n.term {
		if err := n.persistTermVote(term, ""); err != nil {
			return
		}
	}
	if n.role.leading() {
		n.log.Info("stepping down", "term", n.term, "leader", leader)
		n.stopHeartbeat()
		n.outbound = nil
		for _, p := range n.peers {
			p.transfer = nil
		}
	}
	n.finishTransfer(nil)
	n.leaderID = leader
	n.setRole(Follower)
	n.resetElectionTimer()
}

// becomeLeader enters PreLeader and appends a no-op for the new term. The
// node turns Leader once that entry commits.
func (n *Node) becomeLeader() {
	n.stopElectionTimer()
	n.setRole(PreLeader)
	n.leaderID = n.id
	last := n.lastIndex()
	now := time.Now()
	for _, p := range n.peers {
		p.nextIndex = last + 1
		p.matchIndex = 0
		p.inflight = false
		p.transfer = nil
		p.lastContact = now
	}
	n.log.Info("election won", "term", n.term, "votes", len(n.votes))
	if err := n.appendLocal(noopEntry(last+1, n.term)); err != nil {
		return
	}
	n.noopIndex = last + 1
	n.replicateAll()
	n.scheduleHeartbeat()
	n.advanceCommit()
}

func (n *Node) scheduleHeartbeat() {
	n.heartbeatGen++
	gen := n.heartbeatGen
	if n.heartbeatTmr != nil {
		n.heartbeatTmr.Stop()
	}
	n.heartbeatTmr = time.AfterFunc(n.opts.HeartbeatInterval, func() { n.post(heartbeatTick{gen: gen}) })
}

func (n *Node) stopHeartbeat() {
	n.heartbeatGen++
	if n.heartbeatTmr != nil {
		n.heartbeatTmr.Stop()
		n.heartbeatTmr = nil
	}
}

func (n *Node) onHeartbeat(ev heartbeatTick) {
	if ev.gen != n.heartbeatGen || !n.role.leading() {
		return
	}
	n.checkIsolation()
	n.replicateAll()
	n.scheduleHeartbeat()
}

// checkIsolation moves between Leader and IsolatedLeader depending on how
// many followers answered within IsolationWindow.
func (n *Node) checkIsolation() {
	if n.role != Leader && n.role != IsolatedLeader {
		return
	}
	need := n.quorum() - 1
	active := 0
	now := time.Now()
	for _, p := range n.peers {
		if now.Sub(p.lastContact) <= n.opts.IsolationWindow {
			active++
		}
	}
	switch {
	case active < need && n.role == Leader:
		n.log.Warn("lost contact with majority, leader isolated", "term", n.term, "active", active, "need", need)
		n.setRole(IsolatedLeader)
	case active >= need && n.role == IsolatedLeader:
		n.log.Info("majority contact restored", "term", n.term, "active", active)
		n.setRole(Leader)
	}
}
