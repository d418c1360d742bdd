package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-raft/pkg/observability/metrics"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec. It
// also streams applied entries to watchers and implements
// transport.Publisher for that purpose.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu     sync.Mutex
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
	hub    *watchHub

	transfer transport.TransferFunc
}

func NewServer(bind string) *Server { return &Server{bind: bind, hub: newWatchHub(defaultWatchBacklog)} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// HandleTransfer serves Management/Transfer with fn. Call it before Start.
func (s *Server) HandleTransfer(fn transport.TransferFunc) { s.transfer = fn }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}
type watchRequest struct {
	FromIndex uint64 `json:"fromIndex"`
}

type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error)
	Snapshot(ctx context.Context, in *empty) (*transport.SnapshotResponse, error)
	Transfer(ctx context.Context, in *transport.TransferRequest) (*transport.TransferResponse, error)
}

type mgmtImpl struct {
	status   transport.StatusFunc
	propose  transport.ProposeFunc
	snapshot transport.SnapshotFunc
	transfer transport.TransferFunc
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Propose(ctx context.Context, in *transport.ProposeRequest) (*transport.ProposeResponse, error) {
	if in == nil {
		in = &transport.ProposeRequest{}
	}
	if m.propose == nil {
		return &transport.ProposeResponse{Error: "propose not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.propose")
	defer end()
	out, err := m.propose(ctx, *in)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

func (m *mgmtImpl) Snapshot(ctx context.Context, _ *empty) (*transport.SnapshotResponse, error) {
	if m.snapshot == nil {
		return &transport.SnapshotResponse{Error: "snapshot not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.snapshot")
	defer end()
	out, err := m.snapshot(ctx)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

func (m *mgmtImpl) Transfer(ctx context.Context, in *transport.TransferRequest) (*transport.TransferResponse, error) {
	if in == nil {
		in = &transport.TransferRequest{}
	}
	if m.transfer == nil {
		return &transport.TransferResponse{Error: "transfer not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.transfer")
	defer end()
	out, err := m.transfer(ctx, *in)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raft.v1.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "Propose", Handler: _Management_Propose_Handler},
		{MethodName: "Snapshot", Handler: _Management_Snapshot_Handler},
		{MethodName: "Transfer", Handler: _Management_Transfer_Handler},
	},
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Propose_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.ProposeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Propose"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Propose(ctx, req.(*transport.ProposeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Snapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Snapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Snapshot(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Transfer_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.TransferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Transfer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raft.v1.Management/Transfer"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Transfer(ctx, req.(*transport.TransferRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, st transport.StatusFunc, propose transport.ProposeFunc, snapshot transport.SnapshotFunc) error {
	if st == nil {
		return errors.New("grpc server: status func required")
	}
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: st, propose: propose, snapshot: snapshot, transfer: s.transfer})
	srv.RegisterService(&_Watch_serviceDesc, &watchImpl{hub: s.hub})

	s.mu.Lock()
	s.lis, s.srv, s.health = lis, srv, hs
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// SetServing flips the health service status, e.g. while the node has no
// known leader.
func (s *Server) SetServing(ok bool) {
	s.mu.Lock()
	hs := s.health
	s.mu.Unlock()
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.lis, s.health = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.hub.closeAll()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

// Publish fans ev out to current watchers and returns how many took it.
func (s *Server) Publish(ev transport.AppliedEvent) int { return s.hub.publish(ev) }

var (
	_ transport.RPCServer      = (*Server)(nil)
	_ transport.Publisher      = (*Server)(nil)
	_ transport.TransferServer = (*Server)(nil)
)

// --- Watch streaming ---

type watchServer interface {
	Applied(*watchRequest, Watch_AppliedServer) error
}

type Watch_AppliedServer interface {
	Send(*transport.AppliedEvent) error
	grpc.ServerStream
}

type watchImpl struct{ hub *watchHub }

func (w *watchImpl) Applied(req *watchRequest, stream Watch_AppliedServer) error {
	sub := w.hub.subscribe(req.FromIndex)
	defer w.hub.unsubscribe(sub)
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-sub.ch:
			if !ok {
				return status.Error(codes.ResourceExhausted, "watcher fell behind")
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
			metrics.WatchEventsSent.Inc()
		}
	}
}

var _Watch_serviceDesc = grpc.ServiceDesc{
	ServiceName: "raft.v1.Watch",
	HandlerType: (*watchServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Applied",
		ServerStreams: true,
		Handler:       _Watch_Applied_Handler,
	}},
}

func _Watch_Applied_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(watchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(watchServer).Applied(m, &watchAppliedServer{stream})
}

type watchAppliedServer struct{ grpc.ServerStream }

func (x *watchAppliedServer) Send(m *transport.AppliedEvent) error { return x.ServerStream.SendMsg(m) }
