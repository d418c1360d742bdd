package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// serve answers every RequestVote on t with granted=true at term 7.
func serve(ctx context.Context, t *Transport) {
	go func() {
		for {
			select {
			case rpc := <-t.Consumer():
				rpc.Respond(&transport.RequestVoteResponse{Term: 7, Granted: true}, nil)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func TestNetwork_PartitionAndHeal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	net := NewNetwork()
	a, b, c := net.NewTransport("a"), net.NewTransport("b"), net.NewTransport("c")
	serve(ctx, b)
	serve(ctx, c)

	resp, err := a.RequestVote(ctx, "b", &transport.RequestVoteRequest{Term: 7})
	require.NoError(t, err)
	require.True(t, resp.Granted)

	net.Isolate("a")
	_, err = a.RequestVote(ctx, "b", &transport.RequestVoteRequest{Term: 7})
	require.ErrorIs(t, err, transport.ErrUnreachable)
	_, err = b.RequestVote(ctx, "a", &transport.RequestVoteRequest{Term: 7})
	require.ErrorIs(t, err, transport.ErrUnreachable)
	_, err = b.RequestVote(ctx, "c", &transport.RequestVoteRequest{Term: 7})
	require.NoError(t, err, "links outside the partition stay up")

	net.Heal()
	_, err = a.RequestVote(ctx, "c", &transport.RequestVoteRequest{Term: 7})
	require.NoError(t, err)

	net.Disconnect("a", "c")
	_, err = a.RequestVote(ctx, "c", &transport.RequestVoteRequest{Term: 7})
	require.ErrorIs(t, err, transport.ErrUnreachable)
	net.Reconnect("a", "c")
	_, err = a.RequestVote(ctx, "c", &transport.RequestVoteRequest{Term: 7})
	require.NoError(t, err)
}

func TestTransport_CloseAndUnknownTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	net := NewNetwork()
	a := net.NewTransport("a")
	_, err := a.AppendEntries(ctx, "nobody", &transport.AppendEntriesRequest{})
	require.ErrorIs(t, err, transport.ErrUnreachable)

	b := net.NewTransport("b")
	require.NoError(t, b.Close())
	_, err = a.AppendEntries(ctx, "b", &transport.AppendEntriesRequest{})
	require.ErrorIs(t, err, transport.ErrClosed)
	_, err = b.AppendEntries(ctx, "a", &transport.AppendEntriesRequest{})
	require.ErrorIs(t, err, transport.ErrClosed)
}
