package cluster

import (
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
)

// ClusterStatus is the JSON status document served by the management
// endpoints and printed by raftctl.
type ClusterStatus struct {
	// Healthy indicates a leader is known and the node has not failed.
	Healthy bool   `json:"healthy"`
	NodeID  string `json:"nodeId"`
	Role    string `json:"role"`
	Term    uint64 `json:"term"`
	// LeaderID is the identifier of the current leader, if any.
	LeaderID string `json:"leaderId,omitempty"`
	// LeaderAddr is the management address of the current leader, if known.
	LeaderAddr    string                `json:"leaderAddr,omitempty"`
	CommitIndex   uint64                `json:"commitIndex"`
	LastApplied   uint64                `json:"lastApplied"`
	FirstIndex    uint64                `json:"firstIndex"`
	LastIndex     uint64                `json:"lastIndex"`
	SnapshotIndex uint64                `json:"snapshotIndex"`
	SnapshotTerm  uint64                `json:"snapshotTerm"`
	Policy        string                `json:"policy"`
	Peers         []raftcons.PeerStatus `json:"peers,omitempty"`
	// Warnings contains any non-fatal observations (e.g., degraded states).
	Warnings []string `json:"warnings,omitempty"`
}
