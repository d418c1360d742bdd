package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"
)

const (
	segmentMagic      = "RJNL"
	segmentVersion    = 1
	segmentHeaderSize = 16
	segmentExt        = ".seg"

	// frames larger than this are treated as garbage when scanning
	maxFrameBody = 256 << 20
)

// segment is one file of the journal. Only the tail segment is appended to.
type segment struct {
	path    string
	first   uint64
	f       *os.File
	offsets []int64
	size    int64
}

var _ btree.Item = (*segment)(nil)

func (s *segment) Less(than btree.Item) bool { return s.first < than.(*segment).first }

func segmentName(first uint64) string { return fmt.Sprintf("%020d%s", first, segmentExt) }

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func createSegment(dir string, first uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(first))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := writeSegmentHeader(f, first); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{path: path, first: first, f: f, size: segmentHeaderSize}, nil
}

func writeSegmentHeader(f *os.File, first uint64) error {
	var hdr [segmentHeaderSize]byte
	copy(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint32(hdr[4:8], segmentVersion)
	binary.BigEndian.PutUint64(hdr[8:16], first)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return f.Sync()
}

// openSegment scans every frame of an existing file. A bad frame in the tail
// segment cuts the file there (an append torn by a crash); anywhere else it
// is ErrCorrupt.
func openSegment(path string, first uint64, tail bool, logger hclog.Logger) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if tail && st.Size() < segmentHeaderSize {
		// the roll crashed before the header reached disk; nothing was
		// appended to this segment yet
		logger.Warn("rewriting torn segment header", "segment", filepath.Base(path), "size", st.Size())
		if err := f.Truncate(0); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := writeSegmentHeader(f, first); err != nil {
			_ = f.Close()
			return nil, err
		}
		return &segment{path: path, first: first, f: f, size: segmentHeaderSize}, nil
	}
	var hdr [segmentHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: short header", ErrCorrupt, filepath.Base(path))
	}
	if string(hdr[0:4]) != segmentMagic || binary.BigEndian.Uint32(hdr[4:8]) != segmentVersion ||
		binary.BigEndian.Uint64(hdr[8:16]) != first {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: bad header", ErrCorrupt, filepath.Base(path))
	}

	s := &segment{path: path, first: first, f: f, size: segmentHeaderSize}
	fileSize := st.Size()
	var fh [frameHeaderSize]byte
	for s.size < fileSize {
		off := s.size
		bad := func(reason string) error {
			if !tail {
				return fmt.Errorf("%w: %s at offset %d: %s", ErrCorrupt, filepath.Base(path), off, reason)
			}
			logger.Warn("truncating torn journal tail", "segment", filepath.Base(path), "offset", off, "reason", reason)
			if err := f.Truncate(off); err != nil {
				return err
			}
			return f.Sync()
		}
		if _, err := f.ReadAt(fh[:], off); err != nil {
			if err := bad("short frame header"); err != nil {
				_ = f.Close()
				return nil, err
			}
			break
		}
		length, sum := parseFrameHeader(fh[:])
		end := off + frameHeaderSize + int64(length)
		if length > maxFrameBody || end > fileSize {
			if err := bad("short frame body"); err != nil {
				_ = f.Close()
				return nil, err
			}
			break
		}
		body := make([]byte, length)
		if _, err := f.ReadAt(body, off+frameHeaderSize); err != nil {
			_ = f.Close()
			return nil, err
		}
		e, err := decodeBody(body, sum)
		if err == nil && e.Index != s.first+uint64(len(s.offsets)) {
			err = ErrNonContiguous
		}
		if err != nil {
			if err := bad(err.Error()); err != nil {
				_ = f.Close()
				return nil, err
			}
			break
		}
		s.offsets = append(s.offsets, off)
		s.size = end
	}
	return s, nil
}

func (s *segment) count() int { return len(s.offsets) }

// last is first-1 for an empty segment.
func (s *segment) last() uint64 { return s.first + uint64(len(s.offsets)) - 1 }

func (s *segment) contains(index uint64) bool {
	return index >= s.first && index < s.first+uint64(len(s.offsets))
}

// write appends pre-encoded frames and syncs them to disk.
func (s *segment) write(frames []byte, sizes []int) error {
	if _, err := s.f.WriteAt(frames, s.size); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	off := s.size
	for _, n := range sizes {
		s.offsets = append(s.offsets, off)
		off += int64(n)
	}
	s.size = off
	return nil
}

func (s *segment) read(index uint64) (Entry, error) {
	if !s.contains(index) {
		return Entry{}, ErrNotFound
	}
	i := int(index - s.first)
	off := s.offsets[i]
	end := s.size
	if i+1 < len(s.offsets) {
		end = s.offsets[i+1]
	}
	buf := make([]byte, end-off)
	if _, err := s.f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, err
	}
	if len(buf) < frameHeaderSize {
		return Entry{}, ErrCorrupt
	}
	_, sum := parseFrameHeader(buf[:frameHeaderSize])
	return decodeBody(buf[frameHeaderSize:], sum)
}

// truncate drops entries >= from.
func (s *segment) truncate(from uint64) error {
	if from < s.first {
		from = s.first
	}
	if from > s.last() {
		return nil
	}
	off := s.offsets[from-s.first]
	if err := s.f.Truncate(off); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.offsets = s.offsets[:from-s.first]
	s.size = off
	return nil
}

func (s *segment) sync() error { return s.f.Sync() }

func (s *segment) close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
