package consensus

// LeaderInfo names the leader of Term as seen by one node. Addr is the
// leader's raft transport address, not its management endpoint.
type LeaderInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Term uint64 `json:"term"`
}

// LeaderNotifier is implemented by nodes that publish leadership changes.
type LeaderNotifier interface {
	// LeaderCh yields one LeaderInfo per new (leader, term) pair and closes
	// when the node stops. Updates nobody reads in time are dropped.
	LeaderCh() <-chan LeaderInfo
}
