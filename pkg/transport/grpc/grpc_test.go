package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// answer serves t's consumer until ctx ends, echoing enough of each
// request back to check it crossed the wire intact.
func answer(ctx context.Context, t *RaftTransport, seen chan<- interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case rpc := <-t.Consumer():
			seen <- rpc.Command
			switch req := rpc.Command.(type) {
			case *transport.RequestVoteRequest:
				rpc.Respond(&transport.RequestVoteResponse{Term: req.Term, Granted: req.CandidateID == "a"}, nil)
			case *transport.AppendEntriesRequest:
				rpc.Respond(&transport.AppendEntriesResponse{Term: req.Term, Success: true, LastIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil)
			case *transport.InstallSnapshotRequest:
				rpc.Respond(&transport.InstallSnapshotResponse{Term: req.Term, Success: true, NextChunk: req.ChunkIndex + 1}, nil)
			}
		}
	}
}

func TestRaftTransport_RoundTrip(t *testing.T) {
	a, err := NewRaftTransport("127.0.0.1:0", RaftOptions{})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRaftTransport("127.0.0.1:0", RaftOptions{})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan interface{}, 8)
	go answer(ctx, b, seen)

	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()

	vote, err := a.RequestVote(rctx, b.Addr(), &transport.RequestVoteRequest{Term: 3, CandidateID: "a", LastLogIndex: 7, LastLogTerm: 2})
	require.NoError(t, err)
	require.True(t, vote.Granted)
	require.Equal(t, uint64(3), vote.Term)
	require.Equal(t, &transport.RequestVoteRequest{Term: 3, CandidateID: "a", LastLogIndex: 7, LastLogTerm: 2}, <-seen)

	entries := []journal.Entry{
		{Index: 8, Term: 3, Kind: journal.KindCommand, Data: []byte{0x00, 0xff, 0x10}},
		{Index: 9, Term: 3, Kind: journal.KindNoop},
	}
	app, err := a.AppendEntries(rctx, b.Addr(), &transport.AppendEntriesRequest{Term: 3, LeaderID: "a", PrevLogIndex: 7, PrevLogTerm: 2, Entries: entries, LeaderCommit: 7})
	require.NoError(t, err)
	require.True(t, app.Success)
	require.Equal(t, uint64(9), app.LastIndex)
	got := (<-seen).(*transport.AppendEntriesRequest)
	require.Len(t, got.Entries, 2)
	require.Equal(t, entries[0].Data, got.Entries[0].Data)
	require.Equal(t, journal.KindNoop, got.Entries[1].Kind)

	inst, err := a.InstallSnapshot(rctx, b.Addr(), &transport.InstallSnapshotRequest{Term: 3, LeaderID: "a", LastIncludedIndex: 9, TransferID: "x", ChunkIndex: 0, TotalChunks: 2, Data: []byte("chunk")})
	require.NoError(t, err)
	require.Equal(t, 1, inst.NextChunk)
	require.Equal(t, []byte("chunk"), (<-seen).(*transport.InstallSnapshotRequest).Data)
}

func TestRaftTransport_HandlersRecordSpans(t *testing.T) {
	shutdown, err := tracing.Setup(true)
	require.NoError(t, err)
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_, _ = tracing.Setup(false)
		_ = shutdown(context.Background())
	})

	a, err := NewRaftTransport("127.0.0.1:0", RaftOptions{})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRaftTransport("127.0.0.1:0", RaftOptions{})
	require.NoError(t, err)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go answer(ctx, b, make(chan interface{}, 8))

	_, err = a.RequestVote(ctx, b.Addr(), &transport.RequestVoteRequest{Term: 4, CandidateID: "a"})
	require.NoError(t, err)
	_, err = a.AppendEntries(ctx, b.Addr(), &transport.AppendEntriesRequest{Term: 4, LeaderID: "a"})
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	require.Contains(t, names, "raft.request_vote")
	require.Contains(t, names, "raft.append_entries")
}

func TestRaftTransport_ClosedAndUnreachable(t *testing.T) {
	a, err := NewRaftTransport("127.0.0.1:0", RaftOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = a.RequestVote(ctx, "127.0.0.1:1", &transport.RequestVoteRequest{Term: 1})
	require.ErrorIs(t, err, transport.ErrUnreachable)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.RequestVote(context.Background(), "127.0.0.1:1", &transport.RequestVoteRequest{Term: 1})
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestServer_ManagementCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer("127.0.0.1:0")
	status := func(context.Context) ([]byte, error) { return json.Marshal(map[string]string{"role": "leader"}) }
	propose := func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
		if len(req.Data) == 0 {
			return transport.ProposeResponse{Leader: "n2"}, errors.New("empty command")
		}
		return transport.ProposeResponse{Index: 5, Term: 2, Result: req.Data}, nil
	}
	snap := func(context.Context) (transport.SnapshotResponse, error) {
		return transport.SnapshotResponse{Index: 5, Term: 2}, nil
	}
	srv.HandleTransfer(func(_ context.Context, req transport.TransferRequest) (transport.TransferResponse, error) {
		if req.Target == "ghost" {
			return transport.TransferResponse{}, errors.New("unknown member")
		}
		return transport.TransferResponse{Leader: req.Target, Term: 3}, nil
	})
	require.NoError(t, srv.Start(ctx, status, propose, snap))
	defer srv.Stop(context.Background())

	cli := NewClient(3 * time.Second)
	defer cli.Close()

	b, err := cli.GetStatus(ctx, srv.Addr())
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"leader"}`, string(b))

	resp, err := cli.PostPropose(ctx, srv.Addr(), transport.ProposeRequest{Data: []byte("cmd")})
	require.NoError(t, err)
	require.Equal(t, uint64(5), resp.Index)
	require.Equal(t, []byte("cmd"), resp.Result)

	resp, err = cli.PostPropose(ctx, srv.Addr(), transport.ProposeRequest{})
	require.EqualError(t, err, "empty command")
	require.Equal(t, "n2", resp.Leader)

	sr, err := cli.PostSnapshot(ctx, srv.Addr())
	require.NoError(t, err)
	require.Equal(t, uint64(5), sr.Index)

	tr, err := cli.PostTransfer(ctx, srv.Addr(), transport.TransferRequest{Target: "n3"})
	require.NoError(t, err)
	require.Equal(t, "n3", tr.Leader)
	require.Equal(t, uint64(3), tr.Term)
	_, err = cli.PostTransfer(ctx, srv.Addr(), transport.TransferRequest{Target: "ghost"})
	require.EqualError(t, err, "unknown member")
}

func (h *watchHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func TestWatch_ReplaysBacklogThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(ctx, func(context.Context) ([]byte, error) { return []byte("{}"), nil }, nil, nil))
	defer srv.Stop(context.Background())
	for i := uint64(1); i <= 3; i++ {
		require.Zero(t, srv.Publish(transport.AppliedEvent{Index: i, Term: 1}))
	}

	cli := NewClient(3 * time.Second)
	defer cli.Close()

	var (
		mu  sync.Mutex
		got []uint64
	)
	wctx, wcancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- cli.Watch(wctx, srv.Addr(), 1, func(ev transport.AppliedEvent) {
			mu.Lock()
			got = append(got, ev.Index)
			mu.Unlock()
		})
	}()
	require.Eventually(t, func() bool { return srv.hub.subscribers() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, srv.Publish(transport.AppliedEvent{Index: 4, Term: 1, Data: []byte("x")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 3*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []uint64{2, 3, 4}, got)
	mu.Unlock()

	wcancel()
	require.NoError(t, <-done)
}

func TestWatchHub_CutsOffSlowWatcher(t *testing.T) {
	h := newWatchHub(4)
	w := h.subscribe(0)
	for i := uint64(1); i <= 4+256; i++ {
		require.Equal(t, 1, h.publish(transport.AppliedEvent{Index: i}))
	}
	require.Zero(t, h.publish(transport.AppliedEvent{Index: 261}))
	require.Zero(t, h.subscribers())

	n := 0
	for range w.ch {
		n++
	}
	require.Equal(t, 260, n)

	// a new watcher only sees the retained window
	late := h.subscribe(0)
	require.Len(t, late.ch, 4)
	require.Equal(t, uint64(258), (<-late.ch).Index)
}
