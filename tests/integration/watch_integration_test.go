//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-raft/pkg/transport/grpc"
)

// Every node streams the same applied entries in index order over the gRPC
// management Watch.
func TestWatch_FollowersStreamLeaderWrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	nodes := startThreeNodes(t, ctx, "grpc", nil)
	cli := mgmtgrpc.NewClient(3 * time.Second)
	defer cli.Close()
	leader := waitLeader(t, ctx, cli, nodes)

	var (
		mu   sync.Mutex
		seen = make(map[string][]transport.AppliedEvent)
		wg   sync.WaitGroup
	)
	wctx, stopWatch := context.WithCancel(ctx)
	for id, n := range nodes {
		id, n := id, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cli.Watch(wctx, n.mgmt, 0, func(ev transport.AppliedEvent) {
				mu.Lock()
				seen[id] = append(seen[id], ev)
				mu.Unlock()
			})
		}()
	}

	var last uint64
	for i := 0; i < 10; i++ {
		cmd, _ := kv.PutCommand(fmt.Sprintf("w%d", i), []byte("v"))
		resp, err := cli.PostPropose(ctx, leader.mgmt, transport.ProposeRequest{Data: cmd})
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		last = resp.Index
	}

	waitUntil(t, 10*time.Second, func() error {
		mu.Lock()
		defer mu.Unlock()
		for id := range nodes {
			evs := seen[id]
			if len(evs) == 0 || evs[len(evs)-1].Index < last {
				return errNotYet
			}
		}
		return nil
	})
	stopWatch()
	wg.Wait()

	for id, evs := range seen {
		for i := 1; i < len(evs); i++ {
			if evs[i].Index != evs[i-1].Index+1 {
				t.Fatalf("%s: gap between %d and %d", id, evs[i-1].Index, evs[i].Index)
			}
		}
	}
}
