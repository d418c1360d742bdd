package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
	Start(ctx context.Context) error
	Status(ctx context.Context) (*ClusterStatus, error)
	Propose(ctx context.Context, data []byte) (transport.ProposeResponse, error)
	Snapshot(ctx context.Context) (transport.SnapshotResponse, error)
	TransferLeadership(ctx context.Context, target string) (transport.TransferResponse, error)
	Stop(ctx context.Context) error
	LeaderCh() <-chan consensus.LeaderInfo
}

// Cluster is the concrete implementation of the Facade. It wires a
// consensus node to the management RPC surface and forwards proposals
// that reach a follower to the leader.
type Cluster struct {
	opts Options
	log  hclog.Logger
	node Engine
	rpcS transport.RPCServer
	rpcC transport.RPCClient
	mgmt map[string]string
	eb   eventBus
	lch  chan consensus.LeaderInfo

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
	}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a new Cluster instance from validated options. It performs no
// network activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.ProposeTimeout <= 0 {
		opts.ProposeTimeout = 5 * time.Second
	}
	c := &Cluster{
		opts: opts,
		log:  logutil.OrNull(opts.Logger).Named("cluster"),
		node: opts.Node,
		rpcS: opts.RPCServer,
		rpcC: opts.RPCClient,
		mgmt: make(map[string]string, len(opts.Members)),
		lch:  make(chan consensus.LeaderInfo, 8),
	}
	for _, m := range opts.Members {
		if m.MgmtAddr != "" {
			c.mgmt[m.ID] = m.MgmtAddr
		}
	}
	return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
	return c.Stop(context.Background())
}

// Start launches the consensus node and the management endpoint, then
// follows leadership changes.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.started {
		return nil
	}
	if c.run.closed {
		return errors.New("cluster: stopped")
	}
	metrics.Register()
	if err := c.node.Start(ctx); err != nil {
		return err
	}
	c.run.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.leaderLoop()
	go c.healthLoop(loopCtx)

	if c.rpcS != nil {
		if ts, ok := c.rpcS.(transport.TransferServer); ok {
			ts.HandleTransfer(c.transfer)
		}
		if err := c.rpcS.Start(loopCtx, c.statusJSON, c.propose, c.Snapshot); err != nil {
			return fmt.Errorf("cluster: start management server: %w", err)
		}
		c.log.Info("management endpoint listening", "addr", c.rpcS.Addr())
	}
	return nil
}

// Stop shuts down the management server and the consensus node, closing
// its transport and stores. A leader first hands leadership to a follower
// so the cluster does not wait out an election timeout.
func (c *Cluster) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.run.closed {
		c.mu.Unlock()
		return nil
	}
	c.run.closed = true
	started := c.run.started
	c.mu.Unlock()

	if st := c.node.Status(); started && st.Role == raftcons.Leader && len(st.Peers) > 0 {
		tctx, cancel := context.WithTimeout(ctx, c.opts.ProposeTimeout)
		if err := c.node.TransferLeadership(tctx, ""); err != nil {
			c.log.Warn("leadership transfer before stop failed", "error", err)
		}
		cancel()
	}

	var result error
	if c.cancel != nil {
		c.cancel()
	}
	if c.rpcS != nil && started {
		if err := c.rpcS.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.node.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if started {
		c.wg.Wait()
	}
	return result
}

// LeaderCh delivers leadership changes observed by this node. It closes
// once the node stops. Updates are dropped while nobody reads.
func (c *Cluster) LeaderCh() <-chan consensus.LeaderInfo { return c.lch }

func (c *Cluster) leaderLoop() {
	defer c.wg.Done()
	defer close(c.lch)
	for li := range c.node.LeaderCh() {
		c.log.Info("leader change observed", "leader", li.ID, "term", li.Term)
		liCopy := li
		c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
		if c.opts.OnLeaderChange != nil {
			c.opts.OnLeaderChange(liCopy)
		}
		select {
		case c.lch <- liCopy:
		default:
		}
	}
}

// healthLoop turns role and leader transitions into events, since the
// engine reports them only through its status view.
func (c *Cluster) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var (
		hadLeader bool
		isolated  bool
		failed    bool
	)
	check := func() {
		st := c.node.Status()
		if s, ok := c.rpcS.(interface{ SetServing(bool) }); ok {
			s.SetServing(st.LeaderID != "" && st.Error == "")
		}
		switch {
		case st.LeaderID != "":
			hadLeader = true
		case hadLeader:
			hadLeader = false
			c.eb.publish(Event{Type: EventElectionStart, At: time.Now(), Term: st.Term})
			if c.opts.OnElectionStart != nil {
				c.opts.OnElectionStart()
			}
		}
		if now := st.Role == raftcons.IsolatedLeader; now != isolated {
			isolated = now
			typ := EventReconnected
			if now {
				typ = EventIsolated
				c.log.Warn("leader lost contact with a quorum", "term", st.Term)
			}
			c.eb.publish(Event{Type: typ, At: time.Now(), Term: st.Term})
		}
		if st.Error != "" && !failed {
			failed = true
			c.log.Error("consensus node failed", "error", st.Error)
			c.eb.publish(Event{Type: EventFailed, At: time.Now(), Term: st.Term, Details: map[string]string{"error": st.Error}})
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.node.Done():
			check()
			return
		case <-ticker.C:
			check()
		}
	}
}

// Status returns this node's view of the cluster.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
	_, end := tracing.StartSpan(ctx, "cluster.status")
	defer end()
	st := c.node.Status()
	s := &ClusterStatus{
		NodeID:        c.opts.NodeID,
		Role:          st.Role.String(),
		Term:          st.Term,
		LeaderID:      st.LeaderID,
		LeaderAddr:    c.mgmtAddr(st.LeaderID),
		CommitIndex:   st.CommitIndex,
		LastApplied:   st.LastApplied,
		FirstIndex:    st.FirstIndex,
		LastIndex:     st.LastIndex,
		SnapshotIndex: st.SnapshotIndex,
		SnapshotTerm:  st.SnapshotTerm,
		Policy:        st.Policy,
		Peers:         st.Peers,
	}
	s.Healthy = st.LeaderID != "" && st.Error == ""
	if st.LeaderID == "" {
		s.Warnings = append(s.Warnings, "no leader known")
	} else if s.LeaderAddr == "" {
		s.Warnings = append(s.Warnings, "leader management address unknown")
	}
	if st.Role == raftcons.IsolatedLeader {
		s.Warnings = append(s.Warnings, "leader is isolated from a quorum; writes will not commit")
	}
	if st.Error != "" {
		s.Warnings = append(s.Warnings, "node failed: "+st.Error)
	}
	return s, nil
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// MgmtAddr is the bound management address, or "" when none is running.
func (c *Cluster) MgmtAddr() string {
	if c.rpcS == nil {
		return ""
	}
	return c.rpcS.Addr()
}

// mgmtAddr maps a member ID to its management address; for this node it is
// the running server's address.
func (c *Cluster) mgmtAddr(id string) string {
	if id == "" {
		return ""
	}
	if id == c.opts.NodeID && c.rpcS != nil {
		return c.rpcS.Addr()
	}
	return c.mgmt[id]
}

// Propose appends data on the leader and waits until it is applied there.
// On a follower the request is forwarded to the leader's management
// endpoint.
func (c *Cluster) Propose(ctx context.Context, data []byte) (transport.ProposeResponse, error) {
	return c.propose(ctx, transport.ProposeRequest{Data: data})
}

func (c *Cluster) propose(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.propose")
	defer end()
	resp, err := c.proposeLocal(ctx, req.Data)
	if !errors.Is(err, consensus.ErrNotLeader) {
		if err != nil {
			metrics.Proposals.WithLabelValues("error").Inc()
		} else {
			metrics.Proposals.WithLabelValues("ok").Inc()
		}
		return resp, err
	}
	st := c.node.Status()
	resp.Leader = c.mgmtAddr(st.LeaderID)
	switch {
	case st.LeaderID == "":
		return resp, ErrNoLeader
	case st.LeaderID == c.opts.NodeID, req.Forwarded:
		return resp, err
	case c.rpcC == nil:
		return resp, ErrNoRPCClient
	case resp.Leader == "":
		return resp, fmt.Errorf("cluster: no management address for leader %s", st.LeaderID)
	}
	c.log.Debug("forwarding proposal", "leader", st.LeaderID, "addr", resp.Leader)
	req.Forwarded = true
	metrics.Proposals.WithLabelValues("forwarded").Inc()
	return c.rpcC.PostPropose(ctx, resp.Leader, req)
}

func (c *Cluster) proposeLocal(ctx context.Context, data []byte) (transport.ProposeResponse, error) {
	var resp transport.ProposeResponse
	p, err := c.node.AppendContext(ctx, data)
	if err != nil {
		return resp, err
	}
	resp.Index, resp.Term = p.Index(), p.Term()
	v, err := consensus.Wait(ctx, p, c.opts.ProposeTimeout)
	if err != nil {
		return resp, err
	}
	if e, ok := v.(error); ok && e != nil {
		return resp, e
	}
	if v != nil {
		if resp.Result, err = json.Marshal(v); err != nil {
			return resp, fmt.Errorf("cluster: encode result: %w", err)
		}
	}
	return resp, nil
}

// Snapshot takes a snapshot of the local state machine now.
func (c *Cluster) Snapshot(ctx context.Context) (transport.SnapshotResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.snapshot")
	defer end()
	meta, err := c.node.Snapshot(ctx)
	if err != nil {
		return transport.SnapshotResponse{}, err
	}
	c.log.Info("snapshot taken on request", "index", meta.Index, "term", meta.Term)
	return transport.SnapshotResponse{Index: meta.Index, Term: meta.Term}, nil
}

// TransferLeadership hands leadership to target, or to the most caught-up
// follower when target is empty. A follower forwards the request to the
// leader's management endpoint.
func (c *Cluster) TransferLeadership(ctx context.Context, target string) (transport.TransferResponse, error) {
	return c.transfer(ctx, transport.TransferRequest{Target: target})
}

func (c *Cluster) transfer(ctx context.Context, req transport.TransferRequest) (transport.TransferResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.transfer", "target", req.Target)
	defer end()
	var resp transport.TransferResponse
	err := c.node.TransferLeadership(ctx, req.Target)
	if err == nil {
		return c.awaitNewLeader(ctx)
	}
	if !errors.Is(err, consensus.ErrNotLeader) {
		return resp, err
	}
	st := c.node.Status()
	addr := c.mgmtAddr(st.LeaderID)
	switch {
	case st.LeaderID == "":
		return resp, ErrNoLeader
	case st.LeaderID == c.opts.NodeID, req.Forwarded:
		return resp, err
	case addr == "":
		return resp, fmt.Errorf("cluster: no management address for leader %s", st.LeaderID)
	}
	tc, ok := c.rpcC.(transport.TransferClient)
	if !ok {
		return resp, ErrNoRPCClient
	}
	c.log.Debug("forwarding leadership transfer", "leader", st.LeaderID, "addr", addr)
	req.Forwarded = true
	return tc.PostTransfer(ctx, addr, req)
}

// awaitNewLeader reports the leader elected after a hand-off, once known.
func (c *Cluster) awaitNewLeader(ctx context.Context) (transport.TransferResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProposeTimeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := c.node.Status()
		if st.LeaderID != "" && st.LeaderID != c.opts.NodeID {
			return transport.TransferResponse{Leader: st.LeaderID, Term: st.Term}, nil
		}
		select {
		case <-ctx.Done():
			return transport.TransferResponse{Term: st.Term}, nil
		case <-ticker.C:
		}
	}
}

var _ Facade = (*Cluster)(nil)
