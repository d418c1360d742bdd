package journal

import (
	"fmt"
	"sync"
)

// Inmem is a Store kept entirely in memory. It is used by tests and by
// nodes started without a data directory.
type Inmem struct {
	mu      sync.RWMutex
	first   uint64
	entries []Entry
	size    int64
}

var _ Store = (*Inmem)(nil)

func NewInmem() *Inmem { return &Inmem{first: 1} }

func (m *Inmem) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first
}

func (m *Inmem) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first + uint64(len(m.entries)) - 1
}

func (m *Inmem) Entry(index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < m.first || index >= m.first+uint64(len(m.entries)) {
		return Entry{}, ErrNotFound
	}
	return m.entries[index-m.first], nil
}

func (m *Inmem) Entries(lo, hi uint64, maxBytes int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last := m.first + uint64(len(m.entries)) - 1
	if lo < m.first || hi > last || lo > hi {
		return nil, ErrNotFound
	}
	var out []Entry
	total := 0
	for i := lo; i <= hi; i++ {
		e := m.entries[i-m.first]
		total += len(e.Data)
		if len(out) > 0 && maxBytes > 0 && total > maxBytes {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Inmem) Append(entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.first + uint64(len(m.entries)) - 1
	if err := checkContiguous(last, entries); err != nil {
		return err
	}
	for _, e := range entries {
		e.Data = append([]byte(nil), e.Data...)
		m.entries = append(m.entries, e)
		m.size += int64(frameHeaderSize + len(e.Data))
	}
	return nil
}

func (m *Inmem) TruncateSuffix(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.first + uint64(len(m.entries)) - 1
	if from > last {
		return nil
	}
	if from < m.first {
		return fmt.Errorf("%w: truncate from %d below first %d", ErrOutOfRange, from, m.first)
	}
	for _, e := range m.entries[from-m.first:] {
		m.size -= int64(frameHeaderSize + len(e.Data))
	}
	m.entries = m.entries[:from-m.first]
	return nil
}

func (m *Inmem) CompactPrefix(upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.first + uint64(len(m.entries)) - 1
	// the newest entry is kept so LastIndex stays defined
	if len(m.entries) < 2 {
		return nil
	}
	if upTo >= last {
		upTo = last - 1
	}
	if upTo < m.first {
		return nil
	}
	n := upTo - m.first + 1
	for _, e := range m.entries[:n] {
		m.size -= int64(frameHeaderSize + len(e.Data))
	}
	m.entries = append([]Entry(nil), m.entries[n:]...)
	m.first = upTo + 1
	return nil
}

func (m *Inmem) Reset(next uint64) error {
	if next == 0 {
		next = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.first = next
	m.entries = nil
	m.size = 0
	return nil
}

func (m *Inmem) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Inmem) Close() error { return nil }
