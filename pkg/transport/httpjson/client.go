package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// statusError is a non-2xx answer carrying a decoded body.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// do sends one request and decodes a JSON answer into out. A non-200 status
// is returned as *statusError after decoding whatever body came back.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}, errMsg func() string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if out != nil {
		_ = json.Unmarshal(b, out)
	}
	if resp.StatusCode != http.StatusOK {
		msg := ""
		if errMsg != nil {
			msg = errMsg()
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
		}
		return b, &statusError{code: resp.StatusCode, msg: msg}
	}
	return b, nil
}

// retry runs fn up to attempts times, backing off between transport
// failures. Answers from the server are not retried.
func retry(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		var se *statusError
		if lastErr == nil || errors.As(lastErr, &se) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	var out []byte
	err := retry(ctx, 3, func() error {
		b, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil, nil, nil)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostPropose is sent once: a lost answer does not mean the command was
// not appended.
func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	var out transport.ProposeResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	_, err = c.do(ctx, http.MethodPost, c.url(addr, "/propose"), body, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) PostSnapshot(ctx context.Context, addr string) (transport.SnapshotResponse, error) {
	var out transport.SnapshotResponse
	err := retry(ctx, 3, func() error {
		out = transport.SnapshotResponse{}
		_, err := c.do(ctx, http.MethodPost, c.url(addr, "/snapshot"), []byte("{}"), &out, func() string { return out.Error })
		return err
	})
	return out, err
}

// PostTransfer is sent once, like PostPropose.
func (c *Client) PostTransfer(ctx context.Context, addr string, req transport.TransferRequest) (transport.TransferResponse, error) {
	var out transport.TransferResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	_, err = c.do(ctx, http.MethodPost, c.url(addr, "/transfer"), body, &out, func() string { return out.Error })
	return out, err
}

var (
	_ transport.RPCClient      = (*Client)(nil)
	_ transport.TransferClient = (*Client)(nil)
)
