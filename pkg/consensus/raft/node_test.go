package raftcons

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	c "github.com/amirimatin/go-raft/pkg/consensus"
	"github.com/amirimatin/go-raft/pkg/state/kv"
	"github.com/amirimatin/go-raft/pkg/storage/snapshot"
)

func TestSingleNode_ElectsItselfAndApplies(t *testing.T) {
	tc := newTestCluster(t, "s", 1, true, nil)
	leader := tc.waitLeader()

	res, err := leader.node.Apply(c.Command{Op: kv.OpPut, Payload: []byte(`{"key":"a","value":"eA=="}`)}, time.Second)
	require.NoError(t, err)
	require.Equal(t, kv.OpPut, res.(kv.Result).Op)
	v, ok := leader.kv.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("x"), v)

	st := leader.node.Status()
	require.Equal(t, Leader, st.Role)
	require.Equal(t, "s1", st.LeaderID)
	require.Equal(t, st.LastIndex, st.CommitIndex)

	select {
	case li := <-leader.node.LeaderCh():
		require.Equal(t, "s1", li.ID)
	case <-time.After(time.Second):
		t.Fatal("no leader notification")
	}
}

func TestElection_AtMostOneLeaderPerTerm(t *testing.T) {
	tc := newTestCluster(t, "e", 5, false, nil)
	for round := 0; round < 3; round++ {
		leader := tc.waitLeader()
		tc.put(leader, fmt.Sprintf("k%d", round), "v")
		tc.net.Isolate(leader.id)
		var rest []*testNode
		for _, tn := range tc.running() {
			if tn != leader {
				rest = append(rest, tn)
			}
		}
		tc.waitLeader(rest...)
		tc.net.Heal()
	}
	for term, ids := range tc.leadersPerTerm() {
		require.LessOrEqual(t, len(ids), 1, "term %d had leaders %v", term, ids)
	}
}

func TestReplication_LogsMatch(t *testing.T) {
	tc := newTestCluster(t, "r", 3, true, nil)
	leader := tc.waitLeader()
	last := tc.putMany(leader, "key", 60)
	tc.waitApplied(last)

	want, err := leader.journal.Entries(1, last, 0)
	require.NoError(t, err)
	for _, tn := range tc.running() {
		got, err := tn.journal.Entries(1, last, 0)
		require.NoError(t, err)
		require.Equal(t, want, got, "journal of %s", tn.id)
		require.Equal(t, 60, tn.kv.Len())
	}
}

// Scenario A: the leader crashes; the other two elect a leader that holds
// every committed entry, and the old leader rejoins as follower.
func TestScenario_LeaderCrash(t *testing.T) {
	tc := newTestCluster(t, "a", 3, true, nil)
	old := tc.waitLeader()
	oldTerm := old.node.Term()
	last := tc.putMany(old, "before", 10)
	tc.waitApplied(last)

	tc.stop(old.id)
	leader := tc.waitLeader()
	require.NotEqual(t, old.id, leader.id)
	require.Greater(t, leader.node.Term(), oldTerm)
	for i := 0; i < 10; i++ {
		_, ok := leader.kv.Get(fmt.Sprintf("before-%04d", i))
		require.True(t, ok)
	}

	idx := tc.put(leader, "after", "1")
	back := tc.start(old.id)
	tc.waitApplied(idx, back)
	require.Eventually(t, func() bool { return back.node.Role() == Follower }, 2*time.Second, 5*time.Millisecond)
	_, ok := back.kv.Get("after")
	require.True(t, ok)
}

// Scenario B: a follower that missed 50 entries catches up through
// AppendEntries without any new election.
func TestScenario_FollowerCatchUp(t *testing.T) {
	tc := newTestCluster(t, "b", 3, true, nil)
	leader := tc.waitLeader()
	term := leader.node.Term()

	var lagging *testNode
	for _, tn := range tc.running() {
		if tn != leader {
			lagging = tn
			break
		}
	}
	tc.stop(lagging.id)
	last := tc.putMany(leader, "missed", 50)

	lagging = tc.start(lagging.id)
	tc.waitApplied(last, lagging)
	require.Equal(t, 50, lagging.kv.Len())
	require.Equal(t, term, leader.node.Term())
	require.Equal(t, Leader, leader.node.Role())
	require.Equal(t, term, lagging.node.Term())
}

// Scenario C: the leader is cut off from both followers. It turns into an
// isolated leader, its writes never commit, the majority elects a new
// leader and keeps going, and after healing the stale write is overwritten.
func TestScenario_PartitionedLeader(t *testing.T) {
	tc := newTestCluster(t, "c", 3, false, func(o *Options) { o.IsolationWindow = 60 * time.Millisecond })
	old := tc.waitLeader()
	tc.put(old, "committed", "1")

	tc.net.Isolate(old.id)
	cmd, err := kv.PutCommand("lost", []byte("1"))
	require.NoError(t, err)
	stale, err := old.node.Append(cmd)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return old.node.Role() == IsolatedLeader }, 2*time.Second, 5*time.Millisecond)

	var rest []*testNode
	for _, tn := range tc.running() {
		if tn != old {
			rest = append(rest, tn)
		}
	}
	leader := tc.waitLeader(rest...)
	idx := tc.put(leader, "majority", "1")

	select {
	case <-stale.Committed():
		t.Fatal("write on the isolated side committed")
	default:
	}
	require.Less(t, old.node.Status().CommitIndex, idx)

	tc.net.Heal()
	select {
	case <-stale.Applied():
	case <-time.After(5 * time.Second):
		t.Fatal("stale write never resolved")
	}
	require.ErrorIs(t, stale.Err(), ErrEntryOverwritten)
	tc.waitApplied(idx, old)
	_, ok := old.kv.Get("lost")
	require.False(t, ok)
	_, ok = old.kv.Get("majority")
	require.True(t, ok)
}

func TestScenario_IsolatedFollowerCannotWin(t *testing.T) {
	tc := newTestCluster(t, "i", 3, false, nil)
	leader := tc.waitLeader()
	var loner *testNode
	for _, tn := range tc.running() {
		if tn != leader {
			loner = tn
			break
		}
	}
	tc.net.Isolate(loner.id)
	time.Sleep(500 * time.Millisecond)
	require.NotEqual(t, Leader, loner.node.Role())
	require.NotEqual(t, PreLeader, loner.node.Role())
	require.Greater(t, loner.node.Term(), leader.node.Term())
	require.Zero(t, tc.leadersPerTerm()[loner.node.Term()][loner.id])

	idx := tc.put(leader, "still", "writable")
	require.Less(t, loner.node.Status().CommitIndex, idx)
}

// Scenario D: a follower far behind a compacted journal is brought up to
// date with a chunked snapshot instead of replaying the log.
func TestScenario_SnapshotInstall(t *testing.T) {
	tc := newTestCluster(t, "d", 3, false, func(o *Options) {
		o.SnapshotThreshold = 250
		o.TrailingLogs = 10
		o.SnapshotChunkSize = 1024
	})
	leader := tc.waitLeader()
	tc.putMany(leader, "early", 200)

	var lagging *testNode
	for _, tn := range tc.running() {
		if tn != leader {
			lagging = tn
			break
		}
	}
	tc.waitApplied(leader.node.Status().CommitIndex, lagging)
	stopped := lagging.node.Status().LastApplied
	tc.stop(lagging.id)

	last := tc.putMany(leader, "late", 800)
	st := leader.node.Status()
	require.GreaterOrEqual(t, st.SnapshotIndex, uint64(750))
	require.Greater(t, st.FirstIndex, stopped+1, "journal should be compacted past the lagging follower")

	lagging = tc.start(lagging.id)
	tc.waitApplied(last, lagging)
	require.Equal(t, 1000, lagging.kv.Len())

	restores := lagging.kv.restoredIndexes()
	require.NotEmpty(t, restores)
	installed := restores[len(restores)-1]
	require.Greater(t, installed, stopped)
	for _, idx := range lagging.kv.appliedIndexes() {
		require.False(t, idx > stopped && idx <= installed, "replayed entry %d covered by snapshot", idx)
	}
	require.GreaterOrEqual(t, lagging.node.Status().SnapshotIndex, installed)
}

func TestDisableElections_OnlyCampaignElects(t *testing.T) {
	tc := newTestCluster(t, "g", 3, false, func(o *Options) { o.Policy = DisableElectionsPolicy() })
	time.Sleep(400 * time.Millisecond)
	for _, tn := range tc.running() {
		require.Equal(t, Follower, tn.node.Role())
		require.Zero(t, tn.node.Term())
	}

	chosen := tc.nodes["g2"]
	require.NoError(t, chosen.node.Campaign(context.Background()))
	leader := tc.waitLeader()
	require.Equal(t, "g2", leader.id)
	idx := tc.put(leader, "k", "v")
	tc.waitApplied(idx)

	// a manual candidate that cannot reach anyone gives up
	loner := tc.nodes["g3"]
	tc.net.Isolate(loner.id)
	require.NoError(t, loner.node.Campaign(context.Background()))
	require.Eventually(t, func() bool { return loner.node.Role() == Follower }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, Leader, leader.node.Role())
}

// Two-node policy: the leader applies on append, so a write is visible
// while the peer is unreachable, and applying it on commit does not repeat
// it.
func TestTwoNodePolicy_AppliesBeforeCommit(t *testing.T) {
	tc := newTestCluster(t, "h", 2, false, func(o *Options) {
		o.Policy = TwoNodeClusterPolicy()
		o.IsolationWindow = 60 * time.Millisecond
	})
	leaderNode := tc.nodes["h1"]
	require.NoError(t, leaderNode.node.Campaign(context.Background()))
	leader := tc.waitLeader()
	require.Equal(t, "h1", leader.id)

	tc.net.Isolate("h1")
	require.Eventually(t, func() bool { return leader.node.Role() == IsolatedLeader }, 2*time.Second, 5*time.Millisecond)
	cmd, err := kv.PutCommand("early", []byte("1"))
	require.NoError(t, err)
	p, err := leader.node.Append(cmd)
	require.NoError(t, err)
	<-p.Applied()
	require.NoError(t, p.Err())
	_, ok := leader.kv.Get("early")
	require.True(t, ok)
	select {
	case <-p.Committed():
		t.Fatal("committed without the peer")
	default:
	}

	tc.net.Heal()
	select {
	case <-p.Committed():
	case <-time.After(5 * time.Second):
		t.Fatal("never committed after heal")
	}
	tc.waitApplied(p.Index())
	count := 0
	for _, idx := range leader.kv.appliedIndexes() {
		if idx == p.Index() {
			count++
		}
	}
	require.Equal(t, 1, count)
	_, ok = tc.nodes["h2"].kv.Get("early")
	require.True(t, ok)
}

func TestTwoNodePolicy_SnapshotWaitsForCommit(t *testing.T) {
	tc := newTestCluster(t, "s", 2, false, func(o *Options) {
		o.Policy = TwoNodeClusterPolicy()
		o.IsolationWindow = 60 * time.Millisecond
	})
	leader := tc.nodes["s1"]
	require.NoError(t, leader.node.Campaign(context.Background()))
	require.Equal(t, "s1", tc.waitLeader().id)

	tc.net.Isolate("s1")
	require.Eventually(t, func() bool { return leader.node.Role() == IsolatedLeader }, 2*time.Second, 5*time.Millisecond)
	cmd, err := kv.PutCommand("early", []byte("1"))
	require.NoError(t, err)
	p, err := leader.node.Append(cmd)
	require.NoError(t, err)
	<-p.Applied()

	_, err = leader.node.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrUncommittedState)
	if latest, err := leader.snaps.Latest(); err == nil {
		require.Less(t, latest.Index, p.Index())
	}

	tc.net.Heal()
	select {
	case <-p.Committed():
	case <-time.After(5 * time.Second):
		t.Fatal("never committed after heal")
	}
	tc.waitApplied(p.Index(), leader)
	meta, err := leader.node.Snapshot(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, meta.Index, p.Index())
	data, err := snapshot.Read(leader.snaps, meta)
	require.NoError(t, err)
	restored := kv.New()
	require.NoError(t, restored.Restore(data))
	_, ok := restored.Get("early")
	require.True(t, ok)
}

func TestAppend_RejectedOnFollower(t *testing.T) {
	tc := newTestCluster(t, "f", 3, false, nil)
	leader := tc.waitLeader()
	for _, tn := range tc.running() {
		if tn == leader {
			continue
		}
		_, err := tn.node.Append([]byte("x"))
		require.ErrorIs(t, err, ErrNotLeader)
		require.Eventually(t, func() bool {
			id, _, ok := tn.node.Leader()
			return ok && id == leader.id
		}, time.Second, 5*time.Millisecond)
	}
}

func TestStop_FailsPendingAndRejectsAppends(t *testing.T) {
	tc := newTestCluster(t, "p", 3, false, nil)
	leader := tc.waitLeader()
	for _, tn := range tc.running() {
		if tn != leader {
			tc.net.Isolate(tn.id)
		}
	}
	cmd, _ := kv.PutCommand("k", nil)
	p, err := leader.node.Append(cmd)
	require.NoError(t, err)
	require.NoError(t, leader.node.Stop())
	<-p.Applied()
	require.ErrorIs(t, p.Err(), ErrStopped)
	_, err = leader.node.Append(cmd)
	require.Error(t, err)
}
