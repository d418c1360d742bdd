//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/pkg/bootstrap"
	"github.com/amirimatin/go-raft/pkg/cluster"
	"github.com/amirimatin/go-raft/pkg/transport"
)

type node struct {
	id   string
	cfg  bootstrap.Config
	mgmt string
	cl   *cluster.Cluster
}

// freeAddrs reserves n loopback ports. Another process may grab one before
// it is reused; the tests accept that race.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	var ls []net.Listener
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		ls = append(ls, l)
		out = append(out, l.Addr().String())
	}
	for _, l := range ls {
		_ = l.Close()
	}
	return out
}

// startThreeNodes runs n1..n3 on disk over loopback gRPC with the given
// management protocol. tweak may adjust each config before start.
func startThreeNodes(t *testing.T, ctx context.Context, proto string, tweak func(*bootstrap.Config)) map[string]*node {
	t.Helper()
	addrs := freeAddrs(t, 6)
	var peers []string
	nodes := make(map[string]*node, 3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("n%d", i+1)
		peers = append(peers, fmt.Sprintf("%s=%s/%s", id, addrs[i], addrs[i+3]))
		nodes[id] = &node{id: id, mgmt: addrs[i+3]}
	}
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		n := nodes[fmt.Sprintf("n%d", i+1)]
		n.cfg = bootstrap.Config{
			NodeID:            n.id,
			RaftAddr:          addrs[i],
			MgmtAddr:          n.mgmt,
			MgmtProto:         proto,
			PeersCSV:          strings.Join(peers, ","),
			DataDir:           filepath.Join(dir, n.id),
			HeartbeatInterval: 50 * time.Millisecond,
			ElectionTimeout:   400 * time.Millisecond,
			Logger:            hclog.New(&hclog.LoggerOptions{Name: n.id, Level: hclog.Warn}),
		}
		if tweak != nil {
			tweak(&n.cfg)
		}
		n.start(t, ctx)
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.stop()
		}
	})
	return nodes
}

func (n *node) start(t *testing.T, ctx context.Context) {
	t.Helper()
	cl, err := bootstrap.Run(ctx, n.cfg)
	if err != nil {
		t.Fatalf("%s: %v", n.id, err)
	}
	n.cl = cl
}

func (n *node) stop() {
	if n.cl != nil {
		_ = n.cl.Stop(context.Background())
		n.cl = nil
	}
}

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		err := fn()
		if err == nil {
			return
		}
		last = err
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (cluster.ClusterStatus, error) {
	var s cluster.ClusterStatus
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

// waitLeader polls every running node until they agree on one leader.
func waitLeader(t *testing.T, ctx context.Context, cli transport.RPCClient, nodes map[string]*node) *node {
	t.Helper()
	var leader *node
	waitUntil(t, 20*time.Second, func() error {
		leaderID := ""
		for _, n := range nodes {
			if n.cl == nil {
				continue
			}
			s, err := fetchStatus(ctx, cli, n.mgmt)
			if err != nil {
				return err
			}
			if !s.Healthy || (leaderID != "" && s.LeaderID != leaderID) {
				return errNotYet
			}
			leaderID = s.LeaderID
		}
		if n, ok := nodes[leaderID]; ok && n.cl != nil {
			leader = n
			return nil
		}
		return errNotYet
	})
	return leader
}
