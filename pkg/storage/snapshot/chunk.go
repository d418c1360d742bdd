package snapshot

import "fmt"

// Chunker splits snapshot bytes into fixed-size chunks. Each chunk travels
// with the hash of the chunk before it so the receiver can detect gaps and
// replays.
type Chunker struct {
	data []byte
	size int
}

func NewChunker(data []byte, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 512 << 10
	}
	return &Chunker{data: data, size: chunkSize}
}

// Total is at least 1, so an empty snapshot still transfers.
func (c *Chunker) Total() int {
	n := (len(c.data) + c.size - 1) / c.size
	if n == 0 {
		return 1
	}
	return n
}

func (c *Chunker) Chunk(i int) []byte {
	lo := i * c.size
	if lo >= len(c.data) {
		return nil
	}
	return c.data[lo:min(lo+c.size, len(c.data))]
}

// PrevHash is the hash the receiver must hold before accepting chunk i.
func (c *Chunker) PrevHash(i int) uint64 {
	if i == 0 {
		return 0
	}
	return checksum(c.Chunk(i - 1))
}

// Assembler rebuilds a snapshot on the receiving side, writing accepted
// chunks straight into a Sink.
type Assembler struct {
	TransferID string
	Index      uint64
	Term       uint64
	Total      int

	sink     Sink
	next     int
	lastHash uint64
}

func NewAssembler(store Store, transferID string, index, term uint64, total int) (*Assembler, error) {
	sink, err := store.Create(index, term)
	if err != nil {
		return nil, err
	}
	return &Assembler{TransferID: transferID, Index: index, Term: term, Total: total, sink: sink}, nil
}

// Next is the chunk index the assembler expects.
func (a *Assembler) Next() int { return a.next }

func (a *Assembler) Done() bool { return a.next >= a.Total }

// Accept appends chunk i when it is the expected one and chains to the last
// accepted chunk.
func (a *Assembler) Accept(i int, prevHash uint64, data []byte) error {
	if i != a.next {
		return fmt.Errorf("%w: got %d, want %d", ErrChunkOrder, i, a.next)
	}
	if prevHash != a.lastHash {
		return fmt.Errorf("%w at chunk %d", ErrChunkChecksum, i)
	}
	if _, err := a.sink.Write(data); err != nil {
		return err
	}
	a.lastHash = checksum(data)
	a.next++
	return nil
}

// Commit persists the assembled snapshot.
func (a *Assembler) Commit() (Meta, error) {
	if !a.Done() {
		return Meta{}, fmt.Errorf("%w: commit after %d of %d chunks", ErrChunkOrder, a.next, a.Total)
	}
	if err := a.sink.Close(); err != nil {
		return Meta{}, err
	}
	return a.sink.Meta(), nil
}

func (a *Assembler) Abort() { _ = a.sink.Cancel() }
