package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Server is a minimal HTTP server exposing management endpoints for status,
// proposals, snapshots and metrics/healthz. It is intended for operators and
// development tooling.
type Server struct {
	bind   string
	logger hclog.Logger
	tlsCfg *tls.Config

	transfer transport.TransferFunc

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{bind: bind, logger: logger.Named("httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// HandleTransfer serves POST /transfer with fn. Call it before Start.
func (s *Server) HandleTransfer(fn transport.TransferFunc) { s.transfer = fn }

// Handler builds the mux backed by the provided functions. A nil propose,
// snapshot or transfer answers 501.
func Handler(status transport.StatusFunc, propose transport.ProposeFunc, snapshot transport.SnapshotFunc, transfer transport.TransferFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/propose", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if propose == nil {
			http.Error(w, "propose not supported", http.StatusNotImplemented)
			return
		}
		var req transport.ProposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.propose")
		defer end()
		resp, err := propose(ctx, req)
		if err != nil && resp.Error == "" {
			resp.Error = err.Error()
		}
		writeJSON(w, err, resp)
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if snapshot == nil {
			http.Error(w, "snapshot not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.snapshot")
		defer end()
		resp, err := snapshot(ctx)
		if err != nil && resp.Error == "" {
			resp.Error = err.Error()
		}
		writeJSON(w, err, resp)
	})
	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if transfer == nil {
			http.Error(w, "transfer not supported", http.StatusNotImplemented)
			return
		}
		var req transport.TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.transfer")
		defer end()
		resp, err := transfer(ctx, req)
		if err != nil && resp.Error == "" {
			resp.Error = err.Error()
		}
		writeJSON(w, err, resp)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, err error, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, propose transport.ProposeFunc, snapshot transport.SnapshotFunc) error {
	if status == nil {
		return errors.New("httpjson: status func required")
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(status, propose, snapshot, s.transfer), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var (
	_ transport.RPCServer      = (*Server)(nil)
	_ transport.TransferServer = (*Server)(nil)
)
