package raftcons

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage/termvote"
	"github.com/amirimatin/go-raft/pkg/transport/inmem"
)

// recordingKV is a kv.Store that remembers which indexes it applied and
// which snapshots it restored.
type recordingKV struct {
	*kv.Store
	mu       sync.Mutex
	applied  []uint64
	restores []uint64
}

func newRecordingKV() *recordingKV { return &recordingKV{Store: kv.New()} }

func (r *recordingKV) Apply(index uint64, data []byte) interface{} {
	r.mu.Lock()
	r.applied = append(r.applied, index)
	r.mu.Unlock()
	return r.Store.Apply(index, data)
}

func (r *recordingKV) Restore(buf []byte) error {
	if err := r.Store.Restore(buf); err != nil {
		return err
	}
	r.mu.Lock()
	r.restores = append(r.restores, r.Store.AppliedIndex())
	r.mu.Unlock()
	return nil
}

func (r *recordingKV) appliedIndexes() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.applied...)
}

func (r *recordingKV) restoredIndexes() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.restores...)
}

type testNode struct {
	id    string
	dir   string
	node  *Node
	kv    *recordingKV
	trans *inmem.Transport

	// kept across restarts when the harness runs in memory
	journal journal.Store
	snaps   snapshot.Store
	tv      *termvote.Store
}

type roleEvent struct {
	id   string
	role Role
	term uint64
}

type testCluster struct {
	t     *testing.T
	net   *inmem.Network
	peers []Peer
	nodes map[string]*testNode
	disk  bool
	tweak func(*Options)

	mu    sync.Mutex
	roles []roleEvent
}

// newTestCluster starts size nodes named prefix1..prefixN. Node ids double
// as transport addresses.
func newTestCluster(t *testing.T, prefix string, size int, disk bool, tweak func(*Options)) *testCluster {
	t.Helper()
	c := &testCluster{t: t, net: inmem.NewNetwork(), nodes: make(map[string]*testNode), disk: disk, tweak: tweak}
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("%s%d", prefix, i)
		c.peers = append(c.peers, Peer{ID: id, Addr: id})
	}
	for _, p := range c.peers {
		c.nodes[p.ID] = &testNode{id: p.ID, dir: t.TempDir()}
	}
	for _, p := range c.peers {
		c.start(p.ID)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			if n.node != nil {
				_ = n.node.Close()
			}
		}
	})
	return c
}

func (c *testCluster) openStores(tn *testNode) {
	if !c.disk {
		if tn.journal == nil {
			tn.journal = journal.NewInmem()
			tn.snaps = snapshot.NewInmemStore()
			tn.tv = termvote.NewInmem()
		}
		return
	}
	j, err := journal.Open(filepath.Join(tn.dir, "journal"), journal.Options{MaxSegmentEntries: 16})
	require.NoError(c.t, err)
	s, err := snapshot.NewFileStore(filepath.Join(tn.dir, "snapshots"), 2, nil)
	require.NoError(c.t, err)
	tv, err := termvote.OpenBolt(tn.dir)
	require.NoError(c.t, err)
	tn.journal, tn.snaps, tn.tv = j, s, tv
}

func (c *testCluster) start(id string) *testNode {
	c.t.Helper()
	tn := c.nodes[id]
	c.openStores(tn)
	tn.kv = newRecordingKV()
	tn.trans = c.net.NewTransport(id)
	opts := Options{
		NodeID:            id,
		Logger:            hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Warn, Output: testWriter{c.t}}),
		Peers:             c.peers,
		Journal:           tn.journal,
		Snapshots:         tn.snaps,
		TermVote:          tn.tv,
		Transport:         tn.trans,
		StateMachine:      tn.kv,
		HeartbeatInterval: 10 * time.Millisecond,
		ElectionTimeout:   80 * time.Millisecond,
		RPCTimeout:        50 * time.Millisecond,
		SnapshotInterval:  -1,
		OnRoleChange: func(r Role, term uint64) {
			c.mu.Lock()
			c.roles = append(c.roles, roleEvent{id: id, role: r, term: term})
			c.mu.Unlock()
		},
	}
	if c.tweak != nil {
		c.tweak(&opts)
	}
	n, err := New(opts)
	require.NoError(c.t, err)
	require.NoError(c.t, n.Start(context.Background()))
	tn.node = n
	return tn
}

// stop crashes a node. On disk its stores are closed and reopened by start;
// in memory they survive as-is.
func (c *testCluster) stop(id string) {
	tn := c.nodes[id]
	if c.disk {
		require.NoError(c.t, tn.node.Close())
	} else {
		require.NoError(c.t, tn.node.Stop())
		require.NoError(c.t, tn.trans.Close())
	}
	tn.node = nil
}

func (c *testCluster) running() []*testNode {
	var out []*testNode
	for _, p := range c.peers {
		if tn := c.nodes[p.ID]; tn.node != nil {
			out = append(out, tn)
		}
	}
	return out
}

// waitLeader waits until exactly one of candidates reports Leader.
func (c *testCluster) waitLeader(candidates ...*testNode) *testNode {
	c.t.Helper()
	if len(candidates) == 0 {
		candidates = c.running()
	}
	var leader *testNode
	require.Eventually(c.t, func() bool {
		leader = nil
		count := 0
		for _, tn := range candidates {
			if tn.node.Role() == Leader {
				leader = tn
				count++
			}
		}
		return count == 1
	}, 5*time.Second, 5*time.Millisecond, "no single leader elected")
	return leader
}

func (c *testCluster) waitApplied(idx uint64, nodes ...*testNode) {
	c.t.Helper()
	if len(nodes) == 0 {
		nodes = c.running()
	}
	for _, tn := range nodes {
		tn := tn
		require.Eventually(c.t, func() bool { return tn.node.Status().LastApplied >= idx }, 5*time.Second, 5*time.Millisecond,
			"%s did not apply %d (status %+v)", tn.id, idx, tn.node.Status())
	}
}

// put appends a kv put on leader and waits for it to apply there.
func (c *testCluster) put(leader *testNode, key, value string) uint64 {
	c.t.Helper()
	cmd, err := kv.PutCommand(key, []byte(value))
	require.NoError(c.t, err)
	p, err := leader.node.Append(cmd)
	require.NoError(c.t, err)
	select {
	case <-p.Applied():
	case <-time.After(5 * time.Second):
		c.t.Fatalf("put %s not applied", key)
	}
	require.NoError(c.t, p.Err())
	return p.Index()
}

// putMany appends count puts concurrently and waits for all of them.
func (c *testCluster) putMany(leader *testNode, prefix string, count int) uint64 {
	c.t.Helper()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		last uint64
		errs []error
	)
	sem := make(chan struct{}, 16)
	for i := 0; i < count; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			cmd, _ := kv.PutCommand(fmt.Sprintf("%s-%04d", prefix, i), []byte("v"))
			p, err := leader.node.Append(cmd)
			if err == nil {
				<-p.Applied()
				err = p.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			last = max(last, p.Index())
		}(i)
	}
	wg.Wait()
	require.Empty(c.t, errs)
	return last
}

// leadersPerTerm counts distinct nodes that reached PreLeader in each term.
func (c *testCluster) leadersPerTerm() map[uint64]map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]map[string]bool)
	for _, ev := range c.roles {
		if ev.role != PreLeader {
			continue
		}
		if out[ev.term] == nil {
			out[ev.term] = make(map[string]bool)
		}
		out[ev.term][ev.id] = true
	}
	return out
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
