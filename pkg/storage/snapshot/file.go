package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/internal/logutil"
)

const (
	fileMagic      = "RSNP"
	fileVersion    = 1
	fileHeaderSize = 40
	fileExt        = ".snap"
	tmpExt         = ".tmp"
)

func checksum(b []byte) uint64 { return xxhash.Sum64(b) }

// FileStore keeps snapshots as files named snapshot-<index>-<term>.snap.
type FileStore struct {
	dir    string
	retain int
	log    hclog.Logger
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore uses dir, keeping the newest retain snapshots (default 2).
func NewFileStore(dir string, retain int, logger hclog.Logger) (*FileStore, error) {
	if retain <= 0 {
		retain = 2
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// leftovers from a crash during Create
	tmps, _ := filepath.Glob(filepath.Join(dir, "*"+tmpExt))
	for _, p := range tmps {
		_ = os.Remove(p)
	}
	return &FileStore{dir: dir, retain: retain, log: logutil.OrNull(logger).Named("snapshots")}, nil
}

func fileName(index, term uint64) string {
	return fmt.Sprintf("snapshot-%020d-%020d%s", index, term, fileExt)
}

func parseFileName(name string) (index, term uint64, ok bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, fileExt) {
		return 0, 0, false
	}
	var i, t uint64
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, fileExt), "snapshot-%d-%d", &i, &t); err != nil {
		return 0, 0, false
	}
	return i, t, true
}

func (s *FileStore) Create(index, term uint64) (Sink, error) {
	final := filepath.Join(s.dir, fileName(index, term))
	tmp := final + tmpExt
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(make([]byte, fileHeaderSize)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, err
	}
	return &fileSink{store: s, f: f, tmp: tmp, final: final, meta: Meta{Index: index, Term: term}, hash: xxhash.New()}, nil
}

type fileSink struct {
	store  *FileStore
	f      *os.File
	tmp    string
	final  string
	meta   Meta
	hash   *xxhash.Digest
	closed bool
}

func (k *fileSink) Write(p []byte) (int, error) {
	if k.closed {
		return 0, ErrSinkClosed
	}
	n, err := k.f.Write(p)
	_, _ = k.hash.Write(p[:n])
	k.meta.Size += int64(n)
	return n, err
}

func (k *fileSink) Meta() Meta { return k.meta }

func (k *fileSink) Close() error {
	if k.closed {
		return ErrSinkClosed
	}
	k.closed = true
	k.meta.Checksum = k.hash.Sum64()
	var hdr [fileHeaderSize]byte
	copy(hdr[0:4], fileMagic)
	binary.BigEndian.PutUint32(hdr[4:8], fileVersion)
	binary.BigEndian.PutUint64(hdr[8:16], k.meta.Index)
	binary.BigEndian.PutUint64(hdr[16:24], k.meta.Term)
	binary.BigEndian.PutUint64(hdr[24:32], uint64(k.meta.Size))
	binary.BigEndian.PutUint64(hdr[32:40], k.meta.Checksum)
	if _, err := k.f.WriteAt(hdr[:], 0); err != nil {
		k.abort()
		return err
	}
	if err := k.f.Sync(); err != nil {
		k.abort()
		return err
	}
	if err := k.f.Close(); err != nil {
		_ = os.Remove(k.tmp)
		return err
	}
	if err := os.Rename(k.tmp, k.final); err != nil {
		_ = os.Remove(k.tmp)
		return err
	}
	if err := syncDir(k.store.dir); err != nil {
		return err
	}
	k.store.log.Info("snapshot persisted", "index", k.meta.Index, "term", k.meta.Term, "bytes", k.meta.Size)
	return k.store.reap()
}

func (k *fileSink) Cancel() error {
	if k.closed {
		return nil
	}
	k.closed = true
	k.abort()
	return nil
}

func (k *fileSink) abort() {
	_ = k.f.Close()
	_ = os.Remove(k.tmp)
}

func readHeader(f *os.File) (Meta, error) {
	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return Meta{}, fmt.Errorf("%w: %s: short header", ErrCorrupt, filepath.Base(f.Name()))
	}
	if string(hdr[0:4]) != fileMagic || binary.BigEndian.Uint32(hdr[4:8]) != fileVersion {
		return Meta{}, fmt.Errorf("%w: %s: bad header", ErrCorrupt, filepath.Base(f.Name()))
	}
	return Meta{
		Index:    binary.BigEndian.Uint64(hdr[8:16]),
		Term:     binary.BigEndian.Uint64(hdr[16:24]),
		Size:     int64(binary.BigEndian.Uint64(hdr[24:32])),
		Checksum: binary.BigEndian.Uint64(hdr[32:40]),
	}, nil
}

// List returns readable snapshots, newest first.
func (s *FileStore) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *FileStore) list() ([]Meta, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, de := range des {
		idx, term, ok := parseFileName(de.Name())
		if !ok {
			continue
		}
		f, err := os.Open(filepath.Join(s.dir, de.Name()))
		if err != nil {
			return nil, err
		}
		m, err := readHeader(f)
		_ = f.Close()
		if err != nil || m.Index != idx || m.Term != term {
			s.log.Warn("skipping unreadable snapshot", "file", de.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Index != out[b].Index {
			return out[a].Index > out[b].Index
		}
		return out[a].Term > out[b].Term
	})
	return out, nil
}

func (s *FileStore) Latest() (Meta, error) {
	metas, err := s.List()
	if err != nil {
		return Meta{}, err
	}
	if len(metas) == 0 {
		return Meta{}, ErrNoSnapshot
	}
	return metas[0], nil
}

func (s *FileStore) Open(m Meta) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, fileName(m.Index, m.Term)))
	if err != nil {
		return nil, err
	}
	got, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if got != m {
		_ = f.Close()
		return nil, fmt.Errorf("%w: header %s does not match %s", ErrCorrupt, got, m)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, m.Size), f}, nil
}

func (s *FileStore) reap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.list()
	if err != nil {
		return err
	}
	for _, m := range metas[min(len(metas), s.retain):] {
		if err := os.Remove(filepath.Join(s.dir, fileName(m.Index, m.Term))); err != nil {
			return err
		}
		s.log.Debug("reaped snapshot", "index", m.Index, "term", m.Term)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
