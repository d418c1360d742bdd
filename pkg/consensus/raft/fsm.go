package raftcons

import (
	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/pkg/state"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
)

// entryFSM bridges journal entries to the user's StateMachine. Only command
// entries reach it; no-ops and kinds this build does not know are skipped.
type entryFSM struct {
	sm      state.StateMachine
	log     hclog.Logger
	applied uint64
}

func newEntryFSM(sm state.StateMachine, log hclog.Logger) *entryFSM {
	return &entryFSM{sm: sm, log: log}
}

func (f *entryFSM) apply(e journal.Entry) interface{} {
	switch e.Kind {
	case journal.KindCommand:
		f.applied++
		return f.sm.Apply(e.Index, e.Data)
	case journal.KindNoop:
		return nil
	default:
		f.log.Warn("skipping entry of unknown kind", "index", e.Index, "kind", e.Kind.String())
		return nil
	}
}

func (f *entryFSM) snapshot() ([]byte, error) { return f.sm.Snapshot() }

func (f *entryFSM) restore(data []byte) error { return f.sm.Restore(data) }
