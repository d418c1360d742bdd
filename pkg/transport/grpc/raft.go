package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// RaftOptions tunes a RaftTransport. Zero values are usable.
type RaftOptions struct {
	ServerTLS *tls.Config
	ClientTLS *tls.Config
	// ConnTTL is how long an idle peer connection is kept open.
	ConnTTL time.Duration
}

// RaftTransport implements transport.RaftTransport over gRPC with the
// msgpack codec. It listens as soon as it is created so Addr reports the
// bound address even for ":0".
type RaftTransport struct {
	lis      net.Listener
	srv      *grpc.Server
	cm       *ConnManager
	consumer chan transport.RPC
	done     chan struct{}
	once     sync.Once
}

func NewRaftTransport(bind string, opts RaftOptions) (*RaftTransport, error) {
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("raft transport: listen %s: %w", bind, err)
	}
	t := &RaftTransport{
		lis:      lis,
		consumer: make(chan transport.RPC),
		done:     make(chan struct{}),
	}
	t.cm = NewConnManager(opts.ConnTTL, dialer(opts.ClientTLS, msgpackCodec{}))

	sopts := []grpc.ServerOption{
		grpc.ForceServerCodec(msgpackCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if opts.ServerTLS != nil {
		sopts = append(sopts, grpc.Creds(credentials.NewTLS(opts.ServerTLS)))
	}
	t.srv = grpc.NewServer(sopts...)
	t.srv.RegisterService(&_Raft_serviceDesc, &raftImpl{t: t})
	go func() { _ = t.srv.Serve(lis) }()
	return t, nil
}

func (t *RaftTransport) Addr() string { return t.lis.Addr().String() }

func (t *RaftTransport) Consumer() <-chan transport.RPC { return t.consumer }

func (t *RaftTransport) RequestVote(ctx context.Context, target string, req *transport.RequestVoteRequest) (*transport.RequestVoteResponse, error) {
	out := new(transport.RequestVoteResponse)
	if err := t.invoke(ctx, target, "/raft.v1.Raft/RequestVote", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *RaftTransport) AppendEntries(ctx context.Context, target string, req *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	out := new(transport.AppendEntriesResponse)
	if err := t.invoke(ctx, target, "/raft.v1.Raft/AppendEntries", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *RaftTransport) InstallSnapshot(ctx context.Context, target string, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	out := new(transport.InstallSnapshotResponse)
	if err := t.invoke(ctx, target, "/raft.v1.Raft/InstallSnapshot", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *RaftTransport) TimeoutNow(ctx context.Context, target string, req *transport.TimeoutNowRequest) (*transport.TimeoutNowResponse, error) {
	out := new(transport.TimeoutNowResponse)
	if err := t.invoke(ctx, target, "/raft.v1.Raft/TimeoutNow", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *RaftTransport) invoke(ctx context.Context, target, method string, in, out interface{}) error {
	select {
	case <-t.done:
		return transport.ErrClosed
	default:
	}
	cc, rel, err := t.cm.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, target, err)
	}
	defer rel()
	return cc.Invoke(ctx, method, in, out)
}

// Close stops serving, fails RPCs waiting on the consumer and drops every
// peer connection.
func (t *RaftTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		ch := make(chan struct{})
		go func() { t.srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.srv.Stop()
		}
		t.cm.Close()
	})
	return nil
}

var _ transport.RaftTransport = (*RaftTransport)(nil)

type raftServer interface {
	RequestVote(ctx context.Context, in *transport.RequestVoteRequest) (*transport.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, in *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, in *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, in *transport.TimeoutNowRequest) (*transport.TimeoutNowResponse, error)
}

// raftImpl hands inbound calls to the consensus loop through Consumer.
type raftImpl struct{ t *RaftTransport }

func (r *raftImpl) dispatch(ctx context.Context, cmd interface{}) (interface{}, error) {
	return transport.Dispatch(ctx, r.t.consumer, r.t.done, cmd)
}

func (r *raftImpl) RequestVote(ctx context.Context, in *transport.RequestVoteRequest) (*transport.RequestVoteResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "raft.request_vote", "candidate", in.CandidateID, "term", strconv.FormatUint(in.Term, 10))
	defer end()
	resp, err := r.dispatch(ctx, in)
	if err != nil {
		return nil, err
	}
	return resp.(*transport.RequestVoteResponse), nil
}

func (r *raftImpl) AppendEntries(ctx context.Context, in *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "raft.append_entries", "leader", in.LeaderID, "term", strconv.FormatUint(in.Term, 10),
		"entries", strconv.Itoa(len(in.Entries)))
	defer end()
	resp, err := r.dispatch(ctx, in)
	if err != nil {
		return nil, err
	}
	return resp.(*transport.AppendEntriesResponse), nil
}

func (r *raftImpl) InstallSnapshot(ctx context.Context, in *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "raft.install_snapshot", "leader", in.LeaderID, "transfer", in.TransferID,
		"chunk", strconv.Itoa(in.ChunkIndex))
	defer end()
	resp, err := r.dispatch(ctx, in)
	if err != nil {
		return nil, err
	}
	return resp.(*transport.InstallSnapshotResponse), nil
}

func (r *raftImpl) TimeoutNow(ctx context.Context, in *transport.TimeoutNowRequest) (*transport.TimeoutNowResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "raft.timeout_now", "leader", in.LeaderID, "term", strconv.FormatUint(in.Term, 10))
	defer end()
	resp, err := r.dispatch(ctx, in)
	if err != nil {
		return nil, err
	}
	return resp.(*transport.TimeoutNowResponse), nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Raft_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raft.v1.Raft",
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: _Raft_RequestVote_Handler},
		{MethodName: "AppendEntries", Handler: _Raft_AppendEntries_Handler},
		{MethodName: "InstallSnapshot", Handler: _Raft_InstallSnapshot_Handler},
		{MethodName: "TimeoutNow", Handler: _Raft_TimeoutNow_Handler},
	},
}

func _Raft_RequestVote_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Raft/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).RequestVote(ctx, req.(*transport.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Raft_AppendEntries_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Raft/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).AppendEntries(ctx, req.(*transport.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Raft_InstallSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Raft/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).InstallSnapshot(ctx, req.(*transport.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Raft_TimeoutNow_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.TimeoutNowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).TimeoutNow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Raft/TimeoutNow"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).TimeoutNow(ctx, req.(*transport.TimeoutNowRequest))
	}
	return interceptor(ctx, in, info, handler)
}
