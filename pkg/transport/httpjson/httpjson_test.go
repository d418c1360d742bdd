package httpjson

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-raft/pkg/transport"
)

func startServer(t *testing.T, propose transport.ProposeFunc, snapshot transport.SnapshotFunc) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer("127.0.0.1:0", nil)
	status := func(context.Context) ([]byte, error) { return []byte(`{"role":"follower","term":4}`), nil }
	require.NoError(t, s.Start(ctx, status, propose, snapshot))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestClient_StatusProposeSnapshot(t *testing.T) {
	propose := func(_ context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
		if string(req.Data) == "bad" {
			return transport.ProposeResponse{Leader: "n1"}, errors.New("not leader")
		}
		return transport.ProposeResponse{Index: 12, Term: 4, Result: []byte(`{"ok":true}`)}, nil
	}
	snapshot := func(context.Context) (transport.SnapshotResponse, error) {
		return transport.SnapshotResponse{Index: 12, Term: 4}, nil
	}
	s := startServer(t, propose, snapshot)
	cli := NewClient(2 * time.Second)
	ctx := context.Background()

	b, err := cli.GetStatus(ctx, s.Addr())
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"follower","term":4}`, string(b))

	resp, err := cli.PostPropose(ctx, s.Addr(), transport.ProposeRequest{Data: []byte("put")})
	require.NoError(t, err)
	require.Equal(t, uint64(12), resp.Index)
	require.JSONEq(t, `{"ok":true}`, string(resp.Result))

	resp, err = cli.PostPropose(ctx, s.Addr(), transport.ProposeRequest{Data: []byte("bad")})
	require.EqualError(t, err, "not leader")
	require.Equal(t, "n1", resp.Leader)

	sr, err := cli.PostSnapshot(ctx, s.Addr())
	require.NoError(t, err)
	require.Equal(t, uint64(12), sr.Index)
}

func TestClient_Transfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	var calls atomic.Int32
	s.HandleTransfer(func(_ context.Context, req transport.TransferRequest) (transport.TransferResponse, error) {
		calls.Add(1)
		if req.Target == "ghost" {
			return transport.TransferResponse{}, errors.New("unknown member")
		}
		return transport.TransferResponse{Leader: req.Target, Term: 5}, nil
	})
	status := func(context.Context) ([]byte, error) { return []byte(`{}`), nil }
	require.NoError(t, s.Start(ctx, status, nil, nil))
	defer s.Stop(context.Background())

	cli := NewClient(2 * time.Second)
	resp, err := cli.PostTransfer(ctx, s.Addr(), transport.TransferRequest{Target: "n2"})
	require.NoError(t, err)
	require.Equal(t, transport.TransferResponse{Leader: "n2", Term: 5}, resp)

	_, err = cli.PostTransfer(ctx, s.Addr(), transport.TransferRequest{Target: "ghost"})
	require.EqualError(t, err, "unknown member")
	require.Equal(t, int32(2), calls.Load())

	// servers without a transfer handler answer 501
	plain := startServer(t, nil, nil)
	_, err = cli.PostTransfer(ctx, plain.Addr(), transport.TransferRequest{})
	require.ErrorContains(t, err, "501")
}

func TestServer_HealthMetricsAndMethods(t *testing.T) {
	s := startServer(t, nil, nil)
	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(base+"/propose", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestClient_RetriesTransportErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()
	cli := NewClient(time.Second)

	_, err := cli.GetStatus(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
	require.ErrorContains(t, err, "status 500")
	require.Equal(t, int32(1), calls.Load())

	ts.Close()
	start := time.Now()
	_, err = cli.GetStatus(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
