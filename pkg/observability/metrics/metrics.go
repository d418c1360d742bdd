package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_raft"

var (
	once sync.Once

	Term = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "term",
		Help:      "Current term as seen by the node",
	}, []string{"node"})

	Role = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "role",
		Help:      "Current role: 0 follower, 1 candidate, 2 pre-leader, 3 leader, 4 isolated leader",
	}, []string{"node"})

	IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "is_leader",
		Help:      "1 if this node is the leader, else 0",
	}, []string{"node"})

	LeaderIsolated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_isolated",
		Help:      "1 while the node leads without contact to a majority",
	}, []string{"node"})

	CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commit_index",
		Help:      "Highest log index known to be committed",
	}, []string{"node"})

	AppliedIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "applied_index",
		Help:      "Highest log index applied to the state machine",
	}, []string{"node"})

	LastLogIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_log_index",
		Help:      "Index of the newest journal entry",
	}, []string{"node"})

	Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "elections_total",
		Help:      "Elections started by this node",
	}, []string{"node"})

	VotesGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_granted_total",
		Help:      "Votes granted by this node",
	}, []string{"node"})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})

	AppendEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "append_entries_total",
		Help:      "AppendEntries responses seen by the leader",
	}, []string{"node", "result"})

	Proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposals_total",
		Help:      "Client proposals handled through the cluster facade",
	}, []string{"result"})

	SnapshotsTaken = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "taken_total",
		Help:      "Snapshots captured locally",
	}, []string{"node"})

	SnapshotsInstalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "installed_total",
		Help:      "Snapshots received from a leader and installed",
	}, []string{"node"})

	SnapshotChunksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "chunks_sent_total",
		Help:      "InstallSnapshot chunks sent by the leader",
	}, []string{"node"})

	SnapshotIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "index",
		Help:      "Last index covered by the newest snapshot",
	}, []string{"node"})

	JournalSyncSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "sync_seconds",
		Help:      "Latency of journal write+fsync batches",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	JournalSegments = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "segments",
		Help:      "Live journal segment files",
	}, []string{"node"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})

	WatchSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "subscribers",
		Help:      "Active applied-entry watch streams",
	})
	WatchEventsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "events_sent_total",
		Help:      "Applied-entry events delivered to watchers",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Term, Role, IsLeader, LeaderIsolated)
		prometheus.MustRegister(CommitIndex, AppliedIndex, LastLogIndex)
		prometheus.MustRegister(Elections, VotesGranted, LeaderChanges, AppendEntries, Proposals)
		prometheus.MustRegister(SnapshotsTaken, SnapshotsInstalled, SnapshotChunksSent, SnapshotIndex)
		prometheus.MustRegister(JournalSyncSeconds, JournalSegments)
		prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
		prometheus.MustRegister(WatchSubscribers, WatchEventsSent)
	})
}
