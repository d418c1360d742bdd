// Package bootstrap assembles a raft node, its stores, transports and the
// cluster facade from one flat Config.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/amirimatin/go-raft/pkg/cluster"
	cns "github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/discovery"
	dFile "github.com/amirimatin/go-raft/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-raft/pkg/discovery/static"
	"github.com/amirimatin/go-raft/internal/logutil"
	tlsx "github.com/amirimatin/go-raft/pkg/security/tlsconfig"
	"github.com/amirimatin/go-raft/pkg/state"
	"github.com/amirimatin/go-raft/pkg/storage/journal"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/storage/termvote"
	"github.com/amirimatin/go-raft/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-raft/pkg/transport/grpc"
	"github.com/amirimatin/go-raft/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID   string
	RaftAddr string // bind for the raft RPC listener, e.g. ":9521"

	// Management API (status/propose/snapshot/metrics)
	MgmtAddr  string // host:port for management API (HTTP or gRPC)
	MgmtProto string // "http" (default) or "grpc"

	// Membership: every voter including this node, as
	// "id=raftAddr[/mgmtAddr]". The file or env var wins over the CSV.
	PeersCSV     string
	PeersFile    string
	PeersEnv     string
	PeersRefresh time.Duration

	// Persistence. Empty DataDir keeps everything in memory.
	DataDir           string
	MaxSegmentEntries int
	SnapshotRetain    int

	// Policy name: "default", "disable-elections" or "two-node".
	Policy string

	// Timing and snapshot knobs; zero selects the engine defaults.
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	SnapshotThreshold uint64
	SnapshotInterval  time.Duration
	TrailingLogs      uint64
	ProposeTimeout    time.Duration

	// TLS (optional) for both the raft and management listeners
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Logger (optional). If nil, a logger named after the node is built
	// from the RAFT_LOG_* environment.
	Logger hclog.Logger

	// StateMachine defaults to an empty kv.Store.
	StateMachine state.StateMachine

	// Optional callbacks
	OnLeaderChange  func(info cns.LeaderInfo)
	OnElectionStart func()
	// OnApply runs on the node's event loop for every applied entry and
	// must not block.
	OnApply func(e journal.Entry, result interface{})
}

// Members resolves the configured voter list.
func (cfg Config) Members() ([]discovery.Member, error) {
	var disc discovery.Discovery
	if cfg.PeersFile != "" || cfg.PeersEnv != "" {
		opts := dFile.Options{Path: cfg.PeersFile, Env: cfg.PeersEnv}
		if cfg.PeersRefresh > 0 {
			opts.Refresh = cfg.PeersRefresh
		}
		disc = dFile.New(opts)
	} else {
		var err error
		if disc, err = dStatic.Parse(cfg.PeersCSV); err != nil {
			return nil, err
		}
	}
	return disc.Members()
}

func (cfg Config) tls() (srv, cli *tls.Config, err error) {
	if !cfg.TLSEnable {
		return nil, nil, nil
	}
	topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
	// hot-reload configs allow rotation by replacing the files
	if srv, err = topts.ServerHotReload(); err != nil {
		return nil, nil, err
	}
	if cli, err = topts.ClientHotReload(); err != nil {
		return nil, nil, err
	}
	return srv, cli, nil
}

type stores struct {
	journal journal.Store
	snaps   snapshot.Store
	tv      *termvote.Store
}

func (s stores) close() error {
	var result error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.tv != nil {
		if err := s.tv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func openStores(cfg Config, logger hclog.Logger) (st stores, err error) {
	if cfg.DataDir == "" {
		return stores{journal: journal.NewInmem(), snaps: snapshot.NewInmemStore(), tv: termvote.NewInmem()}, nil
	}
	defer func() {
		if err != nil {
			_ = st.close()
		}
	}()
	if st.tv, err = termvote.OpenBolt(cfg.DataDir); err != nil {
		return st, fmt.Errorf("open term/vote store: %w", err)
	}
	jopts := journal.Options{Logger: logger, MaxSegmentEntries: cfg.MaxSegmentEntries}
	if st.journal, err = journal.Open(filepath.Join(cfg.DataDir, "journal"), jopts); err != nil {
		return st, fmt.Errorf("open journal: %w", err)
	}
	if st.snaps, err = snapshot.NewFileStore(filepath.Join(cfg.DataDir, "snapshots"), cfg.SnapshotRetain, logger); err != nil {
		return st, fmt.Errorf("open snapshot store: %w", err)
	}
	return st, nil
}

// Build assembles a cluster.Cluster from Config without starting it. The
// raft listener is bound immediately.
func Build(cfg Config) (*cluster.Cluster, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("bootstrap: empty NodeID")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logutil.New("raft", "").With("node", cfg.NodeID)
	}
	members, err := cfg.Members()
	if err != nil {
		return nil, err
	}
	pol, err := raftcons.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	srvTLS, cliTLS, err := cfg.tls()
	if err != nil {
		return nil, err
	}

	var peers []raftcons.Peer
	for _, m := range members {
		peers = append(peers, raftcons.Peer{ID: m.ID, Addr: m.RaftAddr})
	}

	// Management API
	var srv transport.RPCServer
	var cli transport.RPCClient
	var pub transport.Publisher
	switch cfg.MgmtProto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := mgmtgrpc.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli, pub = s, c, s
	case "", "http":
		s := httpjson.NewServer(cfg.MgmtAddr, logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := httpjson.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	default:
		return nil, fmt.Errorf("bootstrap: unknown management protocol %q", cfg.MgmtProto)
	}
	if cfg.MgmtAddr == "" {
		srv = nil
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}
	tr, err := mgmtgrpc.NewRaftTransport(cfg.RaftAddr, mgmtgrpc.RaftOptions{ServerTLS: srvTLS, ClientTLS: cliTLS})
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("raft listener: %w", err)
	}

	onApply := cfg.OnApply
	if pub != nil {
		onApply = func(e journal.Entry, result interface{}) {
			pub.Publish(transport.AppliedEvent{Index: e.Index, Term: e.Term, Data: e.Data})
			if cfg.OnApply != nil {
				cfg.OnApply(e, result)
			}
		}
	}

	node, err := raftcons.New(raftcons.Options{
		NodeID:            cfg.NodeID,
		Logger:            logger,
		Peers:             peers,
		Policy:            pol,
		Journal:           st.journal,
		Snapshots:         st.snaps,
		TermVote:          st.tv,
		Transport:         tr,
		StateMachine:      cfg.StateMachine,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ElectionTimeout:   cfg.ElectionTimeout,
		SnapshotThreshold: cfg.SnapshotThreshold,
		SnapshotInterval:  cfg.SnapshotInterval,
		TrailingLogs:      cfg.TrailingLogs,
		OnApply:           onApply,
	})
	if err != nil {
		_ = tr.Close()
		_ = st.close()
		return nil, err
	}

	cl, err := cluster.New(cluster.Options{
		NodeID:          cfg.NodeID,
		Node:            node,
		Members:         members,
		Logger:          logger,
		RPCServer:       srv,
		RPCClient:       cli,
		ProposeTimeout:  cfg.ProposeTimeout,
		OnLeaderChange:  cfg.OnLeaderChange,
		OnElectionStart: cfg.OnElectionStart,
	})
	if err != nil {
		_ = node.Close()
		return nil, err
	}
	return cl, nil
}

// Run builds and starts the cluster, returning the instance for lifecycle
// control. The caller is responsible for calling Stop() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
	cl, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := cl.Start(ctx); err != nil {
		_ = cl.Stop(context.Background())
		return nil, err
	}
	return cl, nil
}
