package grpc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// defaultWatchBacklog is how many recent events a new watcher can replay.
const defaultWatchBacklog = 1024

// watchHub keeps the subscriber set and a window of recent events so a
// watcher that reconnects with its last index does not miss entries.
type watchHub struct {
	mu      sync.Mutex
	subs    map[*watcher]struct{}
	recent  *lru.Cache
	last    uint64
	backlog int
}

type watcher struct {
	from uint64
	ch   chan transport.AppliedEvent
}

func newWatchHub(backlog int) *watchHub {
	recent, _ := lru.New(backlog)
	return &watchHub{subs: make(map[*watcher]struct{}), recent: recent, backlog: backlog}
}

func (h *watchHub) subscribe(from uint64) *watcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := &watcher{from: from, ch: make(chan transport.AppliedEvent, h.backlog+256)}
	start := from + 1
	if h.last > uint64(h.backlog) && start <= h.last-uint64(h.backlog) {
		start = h.last - uint64(h.backlog) + 1
	}
	for i := start; i <= h.last; i++ {
		if v, ok := h.recent.Peek(i); ok {
			w.ch <- v.(transport.AppliedEvent)
		}
	}
	h.subs[w] = struct{}{}
	metrics.WatchSubscribers.Inc()
	return w
}

func (h *watchHub) unsubscribe(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[w]; ok {
		delete(h.subs, w)
		metrics.WatchSubscribers.Dec()
	}
}

// publish never blocks; a watcher whose buffer is full is cut off.
func (h *watchHub) publish(ev transport.AppliedEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent.Add(ev.Index, ev)
	if ev.Index > h.last {
		h.last = ev.Index
	}
	n := 0
	for w := range h.subs {
		if ev.Index <= w.from {
			continue
		}
		select {
		case w.ch <- ev:
			n++
		default:
			close(w.ch)
			delete(h.subs, w)
			metrics.WatchSubscribers.Dec()
		}
	}
	return n
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.subs {
		close(w.ch)
		delete(h.subs, w)
		metrics.WatchSubscribers.Dec()
	}
}
