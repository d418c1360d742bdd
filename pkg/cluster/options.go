package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-raft/pkg/consensus"
	raftcons "github.com/amirimatin/go-raft/pkg/consensus/raft"
	"github.com/amirimatin/go-raft/pkg/discovery"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Engine is the consensus node the facade drives. *raftcons.Node
// implements it.
type Engine interface {
	consensus.Consensus
	consensus.LeaderNotifier
	AppendContext(ctx context.Context, payload []byte) (consensus.Pending, error)
	Status() raftcons.Status
	Snapshot(ctx context.Context) (snapshot.Meta, error)
	TransferLeadership(ctx context.Context, target string) error
	// Done closes when the node's event loop exits.
	Done() <-chan struct{}
	Close() error
}

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	NodeID string
	Node   Engine
	// Members lists every voter including this node; it maps leader IDs to
	// management addresses for forwarding.
	Members []discovery.Member
	Logger  hclog.Logger

	// Optional management RPC
	RPCServer transport.RPCServer
	RPCClient transport.RPCClient

	// ProposeTimeout bounds a local propose waiting for apply. Defaults to 5s.
	ProposeTimeout time.Duration

	// Optional callbacks for app-level hooks
	OnLeaderChange  func(info consensus.LeaderInfo)
	OnElectionStart func()
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("cluster: empty NodeID")
	}
	if o.Node == nil {
		return errors.New("cluster: nil Node")
	}
	return nil
}
