package cluster

import "errors"

var (
	ErrNoLeader    = errors.New("cluster: no leader known")
	ErrNotStarted  = errors.New("cluster: not started")
	ErrNoRPCClient = errors.New("cluster: no RPC client configured")
)
