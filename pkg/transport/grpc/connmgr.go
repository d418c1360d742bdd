package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
)

// Dialer opens a client connection to target.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches client connections per peer address and closes the
// ones that stay unused for longer than the TTL.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dial    Dialer
	closing chan struct{}
	once    sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to call when the
// caller is done with it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }

	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		mc.ref++
		mc.lastUsed = time.Now()
		m.mu.Unlock()
		metrics.GRPCConnReuse.Inc()
		return mc.cc, release, nil
	}
	m.mu.Unlock()

	cc, err := m.dial(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closing:
		_ = cc.Close()
		return nil, func() {}, context.Canceled
	default:
	}
	if existing, ok := m.conns[target]; ok {
		// lost a dial race
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		metrics.GRPCConnReuse.Inc()
		return existing.cc, release, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	metrics.GRPCConnDials.Inc()
	metrics.GRPCConnActive.Inc()
	return cc, release, nil
}

// Drop closes the cached connection for target, e.g. after the peer moved.
func (m *ConnManager) Drop(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		_ = mc.cc.Close()
		delete(m.conns, target)
		metrics.GRPCConnActive.Dec()
	}
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every cached connection and stops the janitor.
func (m *ConnManager) Close() {
	m.once.Do(func() { close(m.closing) })
	m.mu.Lock()
	for k, mc := range m.conns {
		_ = mc.cc.Close()
		metrics.GRPCConnActive.Dec()
		delete(m.conns, k)
	}
	m.mu.Unlock()
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-m.ttl))
		}
	}
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, mc := range m.conns {
		if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
			_ = mc.cc.Close()
			metrics.GRPCConnEvictions.Inc()
			metrics.GRPCConnActive.Dec()
			delete(m.conns, addr)
		}
	}
}
