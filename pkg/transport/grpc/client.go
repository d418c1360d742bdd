package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// dialer builds a blocking Dialer that forces cdc on every call.
func dialer(tlsCfg *tls.Config, cdc encoding.Codec) Dialer {
	return func(ctx context.Context, target string) (*grpc.ClientConn, error) {
		opts := []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.ForceCodec(cdc), grpc.CallContentSubtype(cdc.Name())),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
			grpc.WithBlock(),
		}
		if tlsCfg != nil {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		return grpc.DialContext(ctx, target, opts...)
	}
}

// Client implements transport.RPCClient and transport.WatchClient against
// the management service.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	mu sync.Mutex
	cm *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, "/raft.v1.Management/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.ProposeResponse
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/raft.v1.Management/Propose", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) PostSnapshot(ctx context.Context, addr string) (transport.SnapshotResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.SnapshotResponse
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/raft.v1.Management/Snapshot", &empty{}, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) PostTransfer(ctx context.Context, addr string, req transport.TransferRequest) (transport.TransferResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp transport.TransferResponse
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/raft.v1.Management/Transfer", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Watch streams applied entries after fromIndex until the stream breaks or
// ctx ends. A cancelled ctx returns nil.
func (c *Client) Watch(ctx context.Context, addr string, fromIndex uint64, onEvent func(transport.AppliedEvent)) error {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	cc, rel, err := c.getConn(dctx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer rel()
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/raft.v1.Watch/Applied")
	if err != nil {
		return err
	}
	if err := cs.SendMsg(&watchRequest{FromIndex: fromIndex}); err != nil {
		return err
	}
	_ = cs.CloseSend()
	for {
		var ev transport.AppliedEvent
		if err := cs.RecvMsg(&ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

// Close drops every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	cm := c.cm
	c.cm = nil
	c.mu.Unlock()
	if cm != nil {
		cm.Close()
	}
}

var (
	_ transport.RPCClient      = (*Client)(nil)
	_ transport.WatchClient    = (*Client)(nil)
	_ transport.TransferClient = (*Client)(nil)
)

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	c.mu.Lock()
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, dialer(c.tlsCfg, jsonCodec{}))
	}
	cm := c.cm
	c.mu.Unlock()
	return cm.Get(ctx, addr)
}
