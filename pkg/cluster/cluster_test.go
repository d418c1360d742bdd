package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/discovery"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage/termvote"
	"github.com/amirimatin/go-raft/pkg/transport"
	"github.com/amirimatin/go-raft/pkg/transport/inmem"
)

// loopback routes management calls to in-process servers by address.
type loopback struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
	calls   int
}

type fakeServer struct {
	addr     string
	net      *loopback
	status   transport.StatusFunc
	propose  transport.ProposeFunc
	snapshot transport.SnapshotFunc
	transfer transport.TransferFunc
}

func (s *fakeServer) HandleTransfer(fn transport.TransferFunc) { s.transfer = fn }

func (s *fakeServer) Start(_ context.Context, st transport.StatusFunc, p transport.ProposeFunc, sn transport.SnapshotFunc) error {
	s.status, s.propose, s.snapshot = st, p, sn
	s.net.mu.Lock()
	s.net.servers[s.addr] = s
	s.net.mu.Unlock()
	return nil
}
func (s *fakeServer) Addr() string { return s.addr }

func (s *fakeServer) Stop(context.Context) error { return nil }

func (l *loopback) server(addr string) (*fakeServer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	s, ok := l.servers[addr]
	if !ok {
		return nil, fmt.Errorf("no server at %s", addr)
	}
	return s, nil
}

func (l *loopback) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	s, err := l.server(addr)
	if err != nil {
		return nil, err
	}
	return s.status(ctx)
}

func (l *loopback) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	s, err := l.server(addr)
	if err != nil {
		return transport.ProposeResponse{}, err
	}
	// round-trip through JSON like the real clients
	b, _ := json.Marshal(req)
	var in transport.ProposeRequest
	_ = json.Unmarshal(b, &in)
	resp, err := s.propose(ctx, in)
	if err != nil {
		return resp, errors.New(err.Error())
	}
	return resp, nil
}

func (l *loopback) PostSnapshot(ctx context.Context, addr string) (transport.SnapshotResponse, error) {
	s, err := l.server(addr)
	if err != nil {
		return transport.SnapshotResponse{}, err
	}
	return s.snapshot(ctx)
}

func (l *loopback) PostTransfer(ctx context.Context, addr string, req transport.TransferRequest) (transport.TransferResponse, error) {
	s, err := l.server(addr)
	if err != nil {
		return transport.TransferResponse{}, err
	}
	resp, err := s.transfer(ctx, req)
	if err != nil {
		return resp, errors.New(err.Error())
	}
	return resp, nil
}

func (l *loopback) forwarded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// newTestClusters starts size clusters over an in-memory network. before
// runs on each cluster ahead of Start.
func newTestClusters(t *testing.T, size int, before func(id string, c *Cluster)) (map[string]*Cluster, map[string]*raftcons.Node) {
	t.Helper()
	net := inmem.NewNetwork()
	lb := &loopback{servers: make(map[string]*fakeServer)}
	var members []discovery.Member
	var peers []raftcons.Peer
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("c%d", i)
		members = append(members, discovery.Member{ID: id, RaftAddr: id, MgmtAddr: "mgmt-" + id})
		peers = append(peers, raftcons.Peer{ID: id, Addr: id})
	}
	clusters := make(map[string]*Cluster)
	nodes := make(map[string]*raftcons.Node)
	for _, m := range members {
		n, err := raftcons.New(raftcons.Options{
			NodeID:            m.ID,
			Peers:             peers,
			Journal:           journal.NewInmem(),
			Snapshots:         snapshot.NewInmemStore(),
			TermVote:          termvote.NewInmem(),
			Transport:         net.NewTransport(m.ID),
			StateMachine:      kv.New(),
			HeartbeatInterval: 10 * time.Millisecond,
			ElectionTimeout:   80 * time.Millisecond,
			SnapshotInterval:  -1,
		})
		require.NoError(t, err)
		c, err := New(Options{
			NodeID:    m.ID,
			Node:      n,
			Members:   members,
			RPCServer: &fakeServer{addr: m.MgmtAddr, net: lb},
			RPCClient: lb,
		})
		require.NoError(t, err)
		if before != nil {
			before(m.ID, c)
		}
		require.NoError(t, c.Start(context.Background()))
		t.Cleanup(func() { _ = c.Close() })
		clusters[m.ID], nodes[m.ID] = c, n
	}
	return clusters, nodes
}

func waitLeader(t *testing.T, nodes map[string]*raftcons.Node) string {
	t.Helper()
	var leader string
	require.Eventually(t, func() bool {
		count := 0
		for id, n := range nodes {
			if n.Role() == raftcons.Leader {
				leader = id
				count++
			}
		}
		return count == 1
	}, 5*time.Second, 5*time.Millisecond)
	return leader
}

func TestCluster_ProposeForwardsToLeader(t *testing.T) {
	clusters, nodes := newTestClusters(t, 3, nil)
	leader := waitLeader(t, nodes)
	var follower string
	for id := range clusters {
		if id != leader {
			follower = id
			break
		}
	}
	require.Eventually(t, func() bool {
		id, _, ok := nodes[follower].Leader()
		return ok && id == leader
	}, 2*time.Second, 5*time.Millisecond)

	cmd, err := kv.PutCommand("color", []byte("blue"))
	require.NoError(t, err)
	resp, err := clusters[follower].Propose(context.Background(), cmd)
	require.NoError(t, err)
	require.NotZero(t, resp.Index)
	require.Equal(t, 1, clusters[follower].rpcC.(*loopback).forwarded())

	var res kv.Result
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Equal(t, "color", res.Key)
	require.Equal(t, resp.Index, res.Index)

	// state machine errors come back as errors, not results
	_, err = clusters[leader].Propose(context.Background(), []byte("not json"))
	require.Error(t, err)
}

func TestCluster_ForwardedProposalIsNotRelayedAgain(t *testing.T) {
	clusters, nodes := newTestClusters(t, 3, nil)
	leader := waitLeader(t, nodes)
	for id, c := range clusters {
		if id == leader {
			continue
		}
		require.Eventually(t, func() bool { _, _, ok := nodes[id].Leader(); return ok }, 2*time.Second, 5*time.Millisecond)
		resp, err := c.propose(context.Background(), transport.ProposeRequest{Data: []byte("{}"), Forwarded: true})
		require.ErrorIs(t, err, raftcons.ErrNotLeader)
		require.Equal(t, "mgmt-"+leader, resp.Leader)
	}
	require.Zero(t, clusters[leader].rpcC.(*loopback).forwarded())
}

func TestCluster_StatusAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(map[string]<-chan Event)
	clusters, nodes := newTestClusters(t, 3, func(id string, c *Cluster) { events[id] = c.Subscribe(ctx) })
	leader := waitLeader(t, nodes)

	require.Eventually(t, func() bool {
		st, err := clusters[leader].Status(ctx)
		return err == nil && st.Healthy && st.Role == "leader"
	}, 2*time.Second, 5*time.Millisecond)
	st, err := clusters[leader].Status(ctx)
	require.NoError(t, err)
	require.Equal(t, leader, st.LeaderID)
	require.Equal(t, "mgmt-"+leader, st.LeaderAddr)
	require.Len(t, st.Peers, 2)
	require.Empty(t, st.Warnings)

	b, err := clusters[leader].statusJSON(ctx)
	require.NoError(t, err)
	var decoded ClusterStatus
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, st.Term, decoded.Term)

	timeout := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case ev := <-events[leader]:
			seen = ev.Type == EventLeaderChanged && ev.Leader.ID == leader
		case <-timeout:
			t.Fatal("no leader event")
		}
	}

	snap, err := clusters[leader].Snapshot(ctx)
	require.NoError(t, err)
	require.NotZero(t, snap.Index)
}

func TestCluster_StopIsIdempotent(t *testing.T) {
	clusters, nodes := newTestClusters(t, 1, nil)
	waitLeader(t, nodes)
	c := clusters["c1"]
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	_, ok := <-c.LeaderCh()
	for ok {
		_, ok = <-c.LeaderCh()
	}
	_, err := c.Propose(context.Background(), []byte("{}"))
	require.Error(t, err)
}

func TestCluster_TransferLeadershipFromFollower(t *testing.T) {
	clusters, nodes := newTestClusters(t, 3, nil)
	leader := waitLeader(t, nodes)
	var follower string
	for id := range clusters {
		if id != leader {
			follower = id
			break
		}
	}
	require.Eventually(t, func() bool {
		id, _, ok := nodes[follower].Leader()
		return ok && id == leader
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := clusters[follower].TransferLeadership(context.Background(), follower)
	require.NoError(t, err)
	require.Equal(t, follower, resp.Leader)
	require.Equal(t, follower, waitLeader(t, nodes))
}

func TestCluster_StopHandsOffLeadership(t *testing.T) {
	clusters, nodes := newTestClusters(t, 3, nil)
	leader := waitLeader(t, nodes)
	term := nodes[leader].Term()
	require.NoError(t, clusters[leader].Stop(context.Background()))

	// the stopped leader voted for its successor in the next term
	st := nodes[leader].Status()
	require.Equal(t, term+1, st.Term)
	require.NotEmpty(t, st.VotedFor)
	require.NotEqual(t, leader, st.VotedFor)

	rest := make(map[string]*raftcons.Node)
	for id, n := range nodes {
		if id != leader {
			rest[id] = n
		}
	}
	require.Equal(t, st.VotedFor, waitLeader(t, rest))
}
