package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ProposeRequest carries an opaque client command. Forwarded marks a
// request relayed by a follower; it is not relayed again.
type ProposeRequest struct {
	Data      []byte `json:"data"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

// ProposeResponse reports where the command landed in the log and the
// state machine's answer once applied.
type ProposeResponse struct {
	Index  uint64 `json:"index,omitempty"`
	Term   uint64 `json:"term,omitempty"`
	Result []byte `json:"result,omitempty"`
	Leader string `json:"leader,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProposeFunc handles a proposal; followers forward to the leader.
type ProposeFunc func(ctx context.Context, req ProposeRequest) (ProposeResponse, error)

// SnapshotResponse describes the snapshot taken on request.
type SnapshotResponse struct {
	Index uint64 `json:"index,omitempty"`
	Term  uint64 `json:"term,omitempty"`
	Error string `json:"error,omitempty"`
}

// SnapshotFunc takes a local snapshot now.
type SnapshotFunc func(ctx context.Context) (SnapshotResponse, error)

// TransferRequest asks a node to hand leadership to Target. An empty Target
// lets the leader pick its most caught-up follower.
type TransferRequest struct {
	Target    string `json:"target,omitempty"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

// TransferResponse names the member leadership went to.
type TransferResponse struct {
	Leader string `json:"leader,omitempty"`
	Term   uint64 `json:"term,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TransferFunc hands leadership off; followers forward to the leader.
type TransferFunc func(ctx context.Context, req TransferRequest) (TransferResponse, error)

// TransferServer is implemented by management servers that expose
// leadership transfer. HandleTransfer is called before Start.
type TransferServer interface {
	HandleTransfer(fn TransferFunc)
}

// TransferClient requests a leadership transfer from a remote node.
type TransferClient interface {
	PostTransfer(ctx context.Context, addr string, req TransferRequest) (TransferResponse, error)
}

// RPCServer exposes management endpoints (status, propose, snapshot).
type RPCServer interface {
	Start(ctx context.Context, status StatusFunc, propose ProposeFunc, snapshot SnapshotFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs management calls against other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostPropose(ctx context.Context, addr string, req ProposeRequest) (ProposeResponse, error)
	PostSnapshot(ctx context.Context, addr string) (SnapshotResponse, error)
}

// AppliedEvent is published for every entry a node applies.
type AppliedEvent struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data,omitempty"`
}

// Publisher fans applied events out to remote watchers (gRPC only).
type Publisher interface {
	Publish(ev AppliedEvent) int
}

// WatchClient follows a node's applied entries over a long-lived stream.
type WatchClient interface {
	// Watch blocks until the stream ends or ctx is done, invoking onEvent for
	// each event with index > fromIndex.
	Watch(ctx context.Context, addr string, fromIndex uint64, onEvent func(AppliedEvent)) error
}
