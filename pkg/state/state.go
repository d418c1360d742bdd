package state

// StateMachine is the replicated state driven by committed log entries.
// Apply is called in log order, exactly once per committed command.
type StateMachine interface {
	Apply(index uint64, data []byte) interface{}
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
