package raftcons

import (
	"sync"

	c "github.com/amirimatin/go-raft/pkg/consensus"
)

// pending is the handle returned by Append.
type pending struct {
	index, term uint64

	committed  chan struct{}
	applied    chan struct{}
	commitOnce sync.Once
	applyOnce  sync.Once

	mu     sync.Mutex
	result interface{}
	err    error
}

var _ c.Pending = (*pending)(nil)

func newPending(index, term uint64) *pending {
	return &pending{index: index, term: term, committed: make(chan struct{}), applied: make(chan struct{})}
}

func (p *pending) Index() uint64              { return p.index }
func (p *pending) Term() uint64               { return p.term }
func (p *pending) Committed() <-chan struct{} { return p.committed }
func (p *pending) Applied() <-chan struct{}   { return p.applied }

func (p *pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pending) Response() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *pending) commit() { p.commitOnce.Do(func() { close(p.committed) }) }

// apply records the state machine result. Later calls are ignored, so an
// entry applied ahead of consensus keeps its first result.
func (p *pending) apply(result interface{}) {
	p.applyOnce.Do(func() {
		p.mu.Lock()
		p.result = result
		p.mu.Unlock()
		close(p.applied)
	})
}

// fail resolves both channels with err unless the entry already resolved.
func (p *pending) fail(err error) {
	p.applyOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.applied)
	})
	p.commit()
}
