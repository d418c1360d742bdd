// Package cli provides cobra commands to run a raft node and talk to its
// management endpoint.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/go-raft/pkg/bootstrap"
	"github.com/amirimatin/go-raft/internal/logutil"
	tracing "github.com/amirimatin/go-raft/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-raft/pkg/security/tlsconfig"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-raft/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-raft/pkg/transport/httpjson"
)

// AddAll attaches run/status/propose/snapshot/transfer/watch to the
// provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewProposeCmd())
	root.AddCommand(NewSnapshotCmd())
	root.AddCommand(NewTransferCmd())
	root.AddCommand(NewWatchCmd())
}

// NewRaftCommand returns a parent command "raft" containing all subcommands.
func NewRaftCommand() *cobra.Command {
	parent := &cobra.Command{Use: "raft", Short: "raft node commands"}
	AddAll(parent)
	return parent
}

type tlsFlags struct {
	enable, skip              bool
	ca, cert, key, serverName string
}

func (f *tlsFlags) register(fs *pflag.FlagSet, who string) {
	fs.BoolVar(&f.enable, "tls-enable", false, "enable mTLS")
	fs.StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&f.cert, "tls-cert", "", "path to "+who+" certificate (PEM)")
	fs.StringVar(&f.key, "tls-key", "", "path to "+who+" private key (PEM)")
	fs.BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) options() tlsx.Options {
	return tlsx.Options{Enable: f.enable, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
}

// clientFlags are shared by every command that calls a running node.
type clientFlags struct {
	addr, proto string
	timeout     time.Duration
	tls         tlsFlags
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	fs.StringVar(&f.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	fs.DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
	f.tls.register(fs, "client")
}

func (f *clientFlags) client() (transport.RPCClient, error) {
	cliTLS, err := f.tls.options().Client()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	switch f.proto {
	case "grpc":
		cli := mgmtgrpc.NewClient(f.timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, nil
	case "", "http":
		cli := httpjson.NewClient(f.timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unknown management protocol %q", f.proto)
	}
}

func closeClient(c transport.RPCClient) {
	if cl, ok := c.(interface{ Close() }); ok {
		cl.Close()
	}
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var (
		cfg                  bootstrap.Config
		logLevel             string
		logJSON, traceEnable bool
		tf                   tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a raft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NodeID == "" {
				return fmt.Errorf("missing --id")
			}
			if logJSON {
				logutil.SetJSON(true)
			}
			logger := logutil.New("raft", logLevel).With("node", cfg.NodeID)
			cfg.Logger = logger
			cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = tf.enable, tf.ca, tf.cert, tf.key
			cfg.TLSSkipVerify, cfg.TLSServerName = tf.skip, tf.serverName

			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					logger.Warn("tracing setup failed", "error", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cl, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer cl.Close()

			logger.Info("node running, press Ctrl+C to exit", "mgmt", cl.MgmtAddr())
			<-ctx.Done()
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&cfg.NodeID, "id", "", "node id (required)")
	fs.StringVar(&cfg.RaftAddr, "raft-addr", ":9521", "raft RPC bind addr (tcp)")
	fs.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from the raft port")
	fs.StringVar(&cfg.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	fs.StringVar(&cfg.PeersCSV, "peers", "", "comma-separated voters as id=raftAddr[/mgmtAddr], including this node")
	fs.StringVar(&cfg.PeersFile, "peers-file", "", "path or glob to a file of voters (one per line or CSV)")
	fs.StringVar(&cfg.PeersEnv, "peers-env", "", "ENV var name containing CSV voters; overrides the file when set")
	fs.DurationVar(&cfg.PeersRefresh, "peers-refresh", 5*time.Second, "peers file cache duration")
	fs.StringVar(&cfg.DataDir, "data", "", "data dir for journal, snapshots and term/vote (empty: in memory)")
	fs.StringVar(&cfg.Policy, "policy", "default", "raft policy: default|disable-elections|two-node")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 0, "leader heartbeat interval (0: default)")
	fs.DurationVar(&cfg.ElectionTimeout, "election-timeout", 0, "minimum election timeout (0: default)")
	fs.Uint64Var(&cfg.SnapshotThreshold, "snapshot-threshold", 0, "applied entries between snapshots (0: default)")
	fs.Uint64Var(&cfg.TrailingLogs, "trailing-logs", 0, "entries kept behind a snapshot (0: default)")
	fs.StringVar(&logLevel, "log-level", "", "log level (default from RAFT_LOG_LEVEL or info)")
	fs.BoolVar(&logJSON, "log-json", false, "log as JSON")
	fs.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	tf.register(fs, "node")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cf.client()
			if err != nil {
				return err
			}
			defer closeClient(client)
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			data, err := client.GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = io.WriteString(out, "\n")
			}
			return nil
		},
	}
	cf.register(cmd.Flags())
	return cmd
}

// NewProposeCmd returns the "propose" command. It sends a kv put or delete,
// or raw bytes with --data.
func NewProposeCmd() *cobra.Command {
	var (
		cf              clientFlags
		key, value, raw string
		del             bool
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Append a command through the leader and wait for it to apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				payload []byte
				err     error
			)
			switch {
			case raw != "":
				payload = []byte(raw)
			case key == "":
				return errors.New("need --key or --data")
			case del:
				payload, err = kv.DeleteCommand(key)
			default:
				payload, err = kv.PutCommand(key, []byte(value))
			}
			if err != nil {
				return err
			}
			client, err := cf.client()
			if err != nil {
				return err
			}
			defer closeClient(client)
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			resp, err := client.PostPropose(ctx, cf.addr, transport.ProposeRequest{Data: payload})
			if err != nil {
				return fmt.Errorf("propose error: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	fs := cmd.Flags()
	cf.register(fs)
	fs.StringVar(&key, "key", "", "kv key")
	fs.StringVar(&value, "value", "", "kv value for a put")
	fs.BoolVar(&del, "delete", false, "delete --key instead of putting")
	fs.StringVar(&raw, "data", "", "raw command bytes for a custom state machine")
	return cmd
}

// NewSnapshotCmd returns the "snapshot" command.
func NewSnapshotCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Ask a node to snapshot its state machine now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cf.client()
			if err != nil {
				return err
			}
			defer closeClient(client)
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			resp, err := client.PostSnapshot(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("snapshot error: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	cf.register(cmd.Flags())
	return cmd
}

// NewTransferCmd returns the "transfer" command. Any node accepts it;
// followers forward to the leader.
func NewTransferCmd() *cobra.Command {
	var (
		cf     clientFlags
		target string
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Hand leadership to another member",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cf.client()
			if err != nil {
				return err
			}
			defer closeClient(client)
			tc, ok := client.(transport.TransferClient)
			if !ok {
				return errors.New("transfer not supported by transport")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			resp, err := tc.PostTransfer(ctx, cf.addr, transport.TransferRequest{Target: target})
			if err != nil {
				return fmt.Errorf("transfer error: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
	cf.register(cmd.Flags())
	cmd.Flags().StringVar(&target, "to", "", "member id to hand leadership to (empty: most caught-up follower)")
	return cmd
}

// NewWatchCmd returns the "watch" command, which follows applied entries
// over the gRPC management stream until interrupted.
func NewWatchCmd() *cobra.Command {
	var (
		cf   clientFlags
		from uint64
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream applied entries as JSON lines (gRPC management only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cf.proto = "grpc"
			client, err := cf.client()
			if err != nil {
				return err
			}
			defer closeClient(client)
			w, ok := client.(transport.WatchClient)
			if !ok {
				return errors.New("watch not supported by transport")
			}
			ctx, cancel := signalContext()
			defer cancel()
			enc := json.NewEncoder(cmd.OutOrStdout())
			return w.Watch(ctx, cf.addr, from, func(ev transport.AppliedEvent) {
				_ = enc.Encode(ev)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&cf.addr, "addr", "127.0.0.1:17946", "gRPC management address of a node (host:port)")
	fs.DurationVar(&cf.timeout, "timeout", 3*time.Second, "dial timeout")
	fs.Uint64Var(&from, "from", 0, "replay retained entries after this index")
	cf.tls.register(fs, "client")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
