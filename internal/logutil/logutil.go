package logutil

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("RAFT_LOG_JSON") == "1" || os.Getenv("RAFT_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

// SetJSON switches loggers created afterwards to JSON output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New returns a named hclog logger writing to stderr. The level comes from
// level, falling back to RAFT_LOG_LEVEL and then "info".
func New(name, level string) hclog.Logger {
	return NewWithOutput(name, level, os.Stderr)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(name, level string, w io.Writer) hclog.Logger {
	if level == "" {
		level = os.Getenv("RAFT_LOG_LEVEL")
	}
	lvl := hclog.LevelFromString(strings.TrimSpace(level))
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     w,
		JSONFormat: jsonMode.Load(),
	})
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
