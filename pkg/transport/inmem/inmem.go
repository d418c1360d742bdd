// Package inmem is an in-process RaftTransport with link controls for
// partition tests and single-process demos.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// Network routes RPCs between transports created from it.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Transport
	cut   map[string]map[string]bool
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Transport), cut: make(map[string]map[string]bool)}
}

// NewTransport registers addr, replacing any earlier transport with the same
// address (a restarted node).
func (n *Network) NewTransport(addr string) *Transport {
	t := &Transport{net: n, addr: addr, consumer: make(chan transport.RPC, 64), done: make(chan struct{})}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

func (n *Network) setLink(a, b string, down bool) {
	for _, p := range [][2]string{{a, b}, {b, a}} {
		if n.cut[p[0]] == nil {
			n.cut[p[0]] = make(map[string]bool)
		}
		if down {
			n.cut[p[0]][p[1]] = true
		} else {
			delete(n.cut[p[0]], p[1])
		}
	}
}

// Disconnect drops traffic between a and b in both directions.
func (n *Network) Disconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setLink(a, b, true)
}

func (n *Network) Reconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setLink(a, b, false)
}

// Partition cuts every link between side and the rest of the network.
func (n *Network) Partition(side ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	in := make(map[string]bool, len(side))
	for _, s := range side {
		in[s] = true
	}
	for a := range n.nodes {
		for b := range n.nodes {
			if in[a] && !in[b] {
				n.setLink(a, b, true)
			}
		}
	}
}

// Isolate cuts addr off from everyone.
func (n *Network) Isolate(addr string) { n.Partition(addr) }

// Heal restores every link.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[string]map[string]bool)
}

func (n *Network) route(from, to string) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[from][to] {
		return nil, false
	}
	t, ok := n.nodes[to]
	return t, ok
}

// Transport is one member's endpoint on a Network.
type Transport struct {
	net      *Network
	addr     string
	consumer chan transport.RPC
	done     chan struct{}
	once     sync.Once
}

var _ transport.RaftTransport = (*Transport)(nil)

func (t *Transport) Addr() string { return t.addr }

func (t *Transport) Consumer() <-chan transport.RPC { return t.consumer }

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *Transport) call(ctx context.Context, target string, req interface{}) (interface{}, error) {
	select {
	case <-t.done:
		return nil, transport.ErrClosed
	default:
	}
	peer, ok := t.net.route(t.addr, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", transport.ErrUnreachable, t.addr, target)
	}
	resp, err := transport.Dispatch(ctx, peer.consumer, peer.done, req)
	if err != nil {
		return nil, err
	}
	// a link cut while the request was in flight loses the reply
	if _, ok := t.net.route(target, t.addr); !ok {
		return nil, fmt.Errorf("%w: %s -> %s", transport.ErrUnreachable, target, t.addr)
	}
	return resp, nil
}

func (t *Transport) RequestVote(ctx context.Context, target string, req *transport.RequestVoteRequest) (*transport.RequestVoteResponse, error) {
	out, err := t.call(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return out.(*transport.RequestVoteResponse), nil
}

func (t *Transport) AppendEntries(ctx context.Context, target string, req *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	out, err := t.call(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return out.(*transport.AppendEntriesResponse), nil
}

func (t *Transport) InstallSnapshot(ctx context.Context, target string, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	out, err := t.call(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return out.(*transport.InstallSnapshotResponse), nil
}

func (t *Transport) TimeoutNow(ctx context.Context, target string, req *transport.TimeoutNowRequest) (*transport.TimeoutNowResponse, error) {
	out, err := t.call(ctx, target, req)
	if err != nil {
		return nil, err
	}
	return out.(*transport.TimeoutNowResponse), nil
}
