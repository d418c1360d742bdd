package journal

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/amirimatin/go-raft/internal/logutil"
	obsmetrics "github.com/amirimatin/go-raft/pkg/observability/metrics"
)

// Options configure a segmented Journal. Zero values mean defaults.
type Options struct {
	// MaxSegmentBytes rolls the tail segment once it reaches this size.
	MaxSegmentBytes int64
	// MaxSegmentEntries rolls the tail segment once it holds this many entries.
	MaxSegmentEntries int
	// CacheEntries sizes the read cache; negative disables it.
	CacheEntries int
	Logger       hclog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxSegmentBytes <= 0 {
		o.MaxSegmentBytes = 32 << 20
	}
	if o.MaxSegmentEntries <= 0 {
		o.MaxSegmentEntries = 8192
	}
	if o.CacheEntries == 0 {
		o.CacheEntries = 512
	}
	o.Logger = logutil.OrNull(o.Logger)
}

// Journal is the on-disk Store. Segments are indexed by first entry in a
// B-tree; recent reads are served from an LRU cache.
type Journal struct {
	mu     sync.RWMutex
	dir    string
	opts   Options
	log    hclog.Logger
	segs   *btree.BTree
	tail   *segment
	cache  *lru.Cache
	closed bool
}

var _ Store = (*Journal)(nil)

// Open loads (or creates) the journal in dir and recovers its segments.
func Open(dir string, opts Options) (*Journal, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{dir: dir, opts: opts, log: opts.Logger.Named("journal"), segs: btree.New(8)}
	if opts.CacheEntries > 0 {
		c, err := lru.New(opts.CacheEntries)
		if err != nil {
			return nil, err
		}
		j.cache = c
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var firsts []uint64
	for _, de := range names {
		if de.IsDir() {
			continue
		}
		if first, ok := parseSegmentName(de.Name()); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(a, b int) bool { return firsts[a] < firsts[b] })

	if len(firsts) == 0 {
		s, err := createSegment(dir, 1)
		if err != nil {
			return nil, err
		}
		j.segs.ReplaceOrInsert(s)
		j.tail = s
		return j, nil
	}
	var prev *segment
	for i, first := range firsts {
		s, err := openSegment(j.path(first), first, i == len(firsts)-1, j.log)
		if err != nil {
			_ = j.closeAll()
			return nil, err
		}
		if prev != nil && s.first != prev.last()+1 {
			_ = s.close()
			_ = j.closeAll()
			return nil, fmt.Errorf("%w: gap between segment %d (last %d) and %d", ErrCorrupt, prev.first, prev.last(), s.first)
		}
		j.segs.ReplaceOrInsert(s)
		prev = s
	}
	j.tail = prev
	j.log.Debug("journal recovered", "segments", j.segs.Len(), "first", j.firstIndex(), "last", j.tail.last())
	return j, nil
}

func (j *Journal) path(first uint64) string { return j.dir + string(os.PathSeparator) + segmentName(first) }

func (j *Journal) firstIndex() uint64 { return j.segs.Min().(*segment).first }

func (j *Journal) FirstIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.firstIndex()
}

func (j *Journal) LastIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.tail.last()
}

func (j *Journal) lookup(index uint64) *segment {
	var found *segment
	j.segs.DescendLessOrEqual(&segment{first: index}, func(it btree.Item) bool {
		found = it.(*segment)
		return false
	})
	return found
}

func (j *Journal) Entry(index uint64) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.entry(index)
}

func (j *Journal) entry(index uint64) (Entry, error) {
	if j.closed {
		return Entry{}, ErrClosed
	}
	if index < j.firstIndex() || index > j.tail.last() {
		return Entry{}, ErrNotFound
	}
	if j.cache != nil {
		if v, ok := j.cache.Get(index); ok {
			return v.(Entry), nil
		}
	}
	s := j.lookup(index)
	if s == nil {
		return Entry{}, ErrNotFound
	}
	e, err := s.read(index)
	if err != nil {
		return Entry{}, err
	}
	if j.cache != nil {
		j.cache.Add(index, e)
	}
	return e, nil
}

func (j *Journal) Entries(lo, hi uint64, maxBytes int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	total := 0
	for i := lo; i <= hi; i++ {
		e, err := j.entry(i)
		if err != nil {
			return nil, err
		}
		total += len(e.Data)
		if len(out) > 0 && maxBytes > 0 && total > maxBytes {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Append writes entries to the tail, rolling segments as needed. Every frame
// is synced before Append returns.
func (j *Journal) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := checkContiguous(j.tail.last(), entries); err != nil {
		return fmt.Errorf("%w: have last %d, got %d", err, j.tail.last(), entries[0].Index)
	}

	var (
		buf   bytes.Buffer
		sizes []int
	)
	flush := func() error {
		if len(sizes) == 0 {
			return nil
		}
		start := time.Now()
		if err := j.tail.write(buf.Bytes(), sizes); err != nil {
			return fmt.Errorf("journal: write %s: %w", segmentName(j.tail.first), err)
		}
		obsmetrics.JournalSyncSeconds.Observe(time.Since(start).Seconds())
		buf.Reset()
		sizes = sizes[:0]
		return nil
	}
	for _, e := range entries {
		pending := int64(buf.Len())
		n := j.tail.count() + len(sizes)
		if n > 0 && (j.tail.size+pending >= j.opts.MaxSegmentBytes || n >= j.opts.MaxSegmentEntries) {
			if err := flush(); err != nil {
				return err
			}
			if err := j.roll(); err != nil {
				return err
			}
		}
		sz, err := appendFrame(&buf, e)
		if err != nil {
			return err
		}
		sizes = append(sizes, sz)
	}
	if err := flush(); err != nil {
		return err
	}
	if j.cache != nil {
		for _, e := range entries {
			j.cache.Add(e.Index, e)
		}
	}
	return nil
}

func (j *Journal) roll() error {
	if err := j.tail.sync(); err != nil {
		return err
	}
	s, err := createSegment(j.dir, j.tail.last()+1)
	if err != nil {
		return fmt.Errorf("journal: roll segment: %w", err)
	}
	j.segs.ReplaceOrInsert(s)
	j.tail = s
	j.log.Debug("segment rolled", "first", s.first)
	return nil
}

func (j *Journal) TruncateSuffix(from uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if from > j.tail.last() {
		return nil
	}
	if from < j.firstIndex() {
		return fmt.Errorf("%w: truncate from %d below first %d", ErrOutOfRange, from, j.firstIndex())
	}
	var later []*segment
	j.segs.AscendGreaterOrEqual(&segment{first: from + 1}, func(it btree.Item) bool {
		later = append(later, it.(*segment))
		return true
	})
	for i := len(later) - 1; i >= 0; i-- {
		j.segs.Delete(later[i])
		if err := later[i].remove(); err != nil {
			return err
		}
	}
	s := j.lookup(from)
	if err := s.truncate(from); err != nil {
		return err
	}
	j.tail = s
	if j.cache != nil {
		j.cache.Purge()
	}
	return nil
}

func (j *Journal) CompactPrefix(upTo uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	var drop []*segment
	j.segs.Ascend(func(it btree.Item) bool {
		s := it.(*segment)
		if s == j.tail || s.last() > upTo {
			return false
		}
		drop = append(drop, s)
		return true
	})
	for _, s := range drop {
		j.segs.Delete(s)
		if err := s.remove(); err != nil {
			return err
		}
	}
	if len(drop) > 0 {
		j.log.Debug("journal compacted", "up_to", upTo, "segments_removed", len(drop), "first", j.firstIndex())
	}
	return nil
}

func (j *Journal) Reset(next uint64) error {
	if next == 0 {
		next = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	var all []*segment
	j.segs.Ascend(func(it btree.Item) bool {
		all = append(all, it.(*segment))
		return true
	})
	for i := len(all) - 1; i >= 0; i-- {
		j.segs.Delete(all[i])
		if err := all[i].remove(); err != nil {
			return err
		}
	}
	s, err := createSegment(j.dir, next)
	if err != nil {
		return err
	}
	j.segs.ReplaceOrInsert(s)
	j.tail = s
	if j.cache != nil {
		j.cache.Purge()
	}
	return nil
}

func (j *Journal) Size() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var n int64
	j.segs.Ascend(func(it btree.Item) bool {
		n += it.(*segment).size
		return true
	})
	return n
}

// Segments reports how many segment files are live.
func (j *Journal) Segments() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.segs.Len()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeAll()
}

func (j *Journal) closeAll() error {
	var result error
	j.segs.Ascend(func(it btree.Item) bool {
		if err := it.(*segment).close(); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})
	return result
}
