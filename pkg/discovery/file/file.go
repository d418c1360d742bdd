package file

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-raft/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file with one member per line (or comma-separated), or a
	// glob matching several such files.
	Path string
	// Env overrides file when non-empty.
	Env string
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []discovery.Member
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	return &impl{opts: opts}
}

func (i *impl) Members() ([]discovery.Member, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			ms, err := discovery.ParseList(v)
			if err != nil {
				return nil, err
			}
			return discovery.Normalize(ms)
		}
	}
	if i.opts.Path == "" {
		return nil, nil
	}
	now := time.Now()
	if stat, err := os.Stat(i.opts.Path); err == nil {
		if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			ms, err := loadFile(i.opts.Path)
			if err != nil {
				return nil, err
			}
			if ms, err = discovery.Normalize(ms); err != nil {
				return nil, err
			}
			i.cache, i.last, i.mtime = ms, now, stat.ModTime()
		}
		return append([]discovery.Member(nil), i.cache...), nil
	}
	matches, err := filepath.Glob(i.opts.Path)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("discovery: no member file matches %s", i.opts.Path)
	}
	var all []discovery.Member
	for _, m := range matches {
		ms, err := loadFile(m)
		if err != nil {
			return nil, err
		}
		all = append(all, ms...)
	}
	ms, err := discovery.Normalize(all)
	if err != nil {
		return nil, err
	}
	i.cache, i.last = ms, now
	return append([]discovery.Member(nil), i.cache...), nil
}

func loadFile(path string) ([]discovery.Member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []discovery.Member
	s := bufio.NewScanner(f)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ms, err := discovery.ParseList(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, ms...)
	}
	return out, s.Err()
}
