// Command raftdemo runs a three-node cluster inside one process over
// loopback gRPC, writes a key every tick through a rotating node and can
// crash the leader to show a failover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/pkg/bootstrap"
	"github.com/amirimatin/go-raft/pkg/cluster"
	"github.com/amirimatin/go-raft/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/state/kv"
)

func main() {
	var (
		basePort  = flag.Int("base-port", 19500, "raft ports are base+1..3, management ports base+101..103")
		dataDir   = flag.String("data", "", "keep node data under this dir (empty: in memory)")
		tick      = flag.Duration("tick", time.Second, "write interval")
		killAfter = flag.Duration("kill-leader-after", 0, "stop the leader once after this long (0: never)")
		logLevel  = flag.String("log-level", "warn", "node log level")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := logutil.New("raftdemo", "info")

	var peers []string
	for i := 1; i <= 3; i++ {
		peers = append(peers, fmt.Sprintf("n%d=127.0.0.1:%d/127.0.0.1:%d", i, *basePort+i, *basePort+100+i))
	}
	nodes := make(map[string]*cluster.Cluster, 3)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("n%d", i)
		cfg := bootstrap.Config{
			NodeID:   id,
			RaftAddr: fmt.Sprintf("127.0.0.1:%d", *basePort+i),
			MgmtAddr: fmt.Sprintf("127.0.0.1:%d", *basePort+100+i),
			PeersCSV: strings.Join(peers, ","),
			Logger:   logutil.New("raft", *logLevel).With("node", id),
		}
		if *dataDir != "" {
			cfg.DataDir = filepath.Join(*dataDir, id)
		}
		cl, err := bootstrap.Run(ctx, cfg)
		if err != nil {
			logger.Error("start node", "node", id, "error", err)
			os.Exit(1)
		}
		nodes[id] = cl
		go logEvents(ctx, logger, id, cl)
	}
	defer func() {
		for _, cl := range nodes {
			_ = cl.Stop(context.Background())
		}
	}()

	var killed <-chan time.Time
	if *killAfter > 0 {
		killed = time.After(*killAfter)
	}
	t := time.NewTicker(*tick)
	defer t.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-killed:
			killLeader(ctx, logger, nodes)
		case <-t.C:
			write(ctx, logger, nodes, n)
		}
	}
}

func write(ctx context.Context, logger hclog.Logger, nodes map[string]*cluster.Cluster, n int) {
	id := fmt.Sprintf("n%d", n%3+1)
	cl, ok := nodes[id]
	if !ok {
		return
	}
	cmd, err := kv.PutCommand(fmt.Sprintf("key-%d", n), []byte(time.Now().Format(time.RFC3339Nano)))
	if err != nil {
		logger.Error("encode", "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := cl.Propose(wctx, cmd)
	if err != nil {
		logger.Warn("write failed", "via", id, "error", err)
		return
	}
	st, _ := cl.Status(ctx)
	logger.Info("write applied", "via", id, "index", resp.Index, "term", resp.Term, "leader", st.LeaderID, "commit", st.CommitIndex)
}

func killLeader(ctx context.Context, logger hclog.Logger, nodes map[string]*cluster.Cluster) {
	for id, cl := range nodes {
		st, err := cl.Status(ctx)
		if err != nil || st.Role != "leader" {
			continue
		}
		logger.Info("stopping leader", "node", id, "term", st.Term)
		_ = cl.Stop(ctx)
		delete(nodes, id)
		return
	}
	logger.Warn("no leader to stop")
}

func logEvents(ctx context.Context, logger hclog.Logger, id string, cl *cluster.Cluster) {
	for ev := range cl.Subscribe(ctx) {
		leader := ""
		if ev.Leader != nil {
			leader = ev.Leader.ID
		}
		logger.Info("event", "node", id, "type", ev.Type, "term", ev.Term, "leader", leader)
	}
}
