package transport

import (
	"context"
	"errors"

	"github.com/amirimatin/go-raft/pkg/storage/journal"
)

var (
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrClosed      = errors.New("transport: closed")
)

// Transport exposes the local advertised address.
type Transport interface {
	// Addr returns the local bind/advertise address if applicable.
	Addr() string
}

// RaftTransport carries the consensus RPCs between members. Delivery is
// at-least-once and unordered; callers must tolerate duplicates.
type RaftTransport interface {
	Transport
	RequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, target string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, target string, req *TimeoutNowRequest) (*TimeoutNowResponse, error)
	// Consumer yields inbound RPCs. Each must be answered with Respond.
	Consumer() <-chan RPC
	Close() error
}

// RPC is an inbound request awaiting a response.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// RPCResponse answers an RPC.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// Respond never blocks; RespChan must be buffered.
func (r RPC) Respond(resp interface{}, err error) {
	select {
	case r.RespChan <- RPCResponse{Response: resp, Error: err}:
	default:
	}
}

// Dispatch hands cmd to consumer and waits for the answer, giving up when
// ctx ends or done closes.
func Dispatch(ctx context.Context, consumer chan<- RPC, done <-chan struct{}, cmd interface{}) (interface{}, error) {
	respCh := make(chan RPCResponse, 1)
	select {
	case consumer <- RPC{Command: cmd, RespChan: respCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	}
	select {
	case r := <-respCh:
		return r.Response, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	}
}

// RequestVoteRequest asks a member for its vote in Term.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

type RequestVoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// AppendEntriesRequest replicates entries after PrevLogIndex; an empty
// Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leaderId"`
	PrevLogIndex uint64          `json:"prevLogIndex"`
	PrevLogTerm  uint64          `json:"prevLogTerm"`
	Entries      []journal.Entry `json:"entries,omitempty"`
	LeaderCommit uint64          `json:"leaderCommit"`
}

// AppendEntriesResponse carries LastIndex as a match hint: on success the
// index the follower now matches, on failure the index the leader should
// resume after.
type AppendEntriesResponse struct {
	Term      uint64 `json:"term"`
	Success   bool   `json:"success"`
	LastIndex uint64 `json:"lastIndex"`
}

// InstallSnapshotRequest carries one chunk of a snapshot transfer.
type InstallSnapshotRequest struct {
	Term              uint64 `json:"term"`
	LeaderID          string `json:"leaderId"`
	LastIncludedIndex uint64 `json:"lastIncludedIndex"`
	LastIncludedTerm  uint64 `json:"lastIncludedTerm"`
	TransferID        string `json:"transferId"`
	ChunkIndex        int    `json:"chunkIndex"`
	TotalChunks       int    `json:"totalChunks"`
	PrevChunkHash     uint64 `json:"prevChunkHash"`
	Data              []byte `json:"data,omitempty"`
}

// Done reports whether this is the final chunk.
func (r *InstallSnapshotRequest) Done() bool { return r.ChunkIndex == r.TotalChunks-1 }

// InstallSnapshotResponse tells the leader which chunk to send next.
type InstallSnapshotResponse struct {
	Term      uint64 `json:"term"`
	Success   bool   `json:"success"`
	NextChunk int    `json:"nextChunk"`
}

// TimeoutNowRequest is sent by a leader handing off leadership. The target,
// already caught up, campaigns at once instead of waiting for its timer.
type TimeoutNowRequest struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leaderId"`
}

type TimeoutNowResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}
