package cluster_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/cluster"
	"github.com/sbcm-osx/sheepdog/internal/driver"
	"github.com/sbcm-osx/sheepdog/internal/driver/local"
	"github.com/sbcm-osx/sheepdog/internal/epochlog"
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/sbcm-osx/sheepdog/internal/util/workerpool"
)

const (
	waitTimeout = 10 * time.Second
	waitTick    = 5 * time.Millisecond
)

// fakePeers answers bitmap fetches without a network
type fakePeers struct{}

func (fakePeers) FetchVdiBitmap(ctx context.Context, node model.Node) (*model.VdiBitmap, error) {
	return &model.VdiBitmap{}, nil
}

// harness shares one local bus and one reachability table per test
type harness struct {
	ns string

	mu          sync.Mutex
	unreachable map[string]bool
}

func newHarness(t *testing.T) *harness {
	return &harness{ns: t.Name(), unreachable: make(map[string]bool)}
}

func (h *harness) setReachable(n model.Node, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable[n.String()] = !ok
}

func (h *harness) probe(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unreachable[addr]
}

type sheep struct {
	node model.Node
	dir  string
	elog *epochlog.Log
	cl   *cluster.Cluster
	drv  *local.Local
}

func (h *harness) start(t *testing.T, node model.Node, dir string, copies uint8) *sheep {
	t.Helper()
	logger := zap.NewNop()

	elog, err := epochlog.Open(filepath.Join(dir, "epoch"), logger)
	require.NoError(t, err)

	cl, err := cluster.New(cluster.Config{
		Self:      node,
		NrCopies:  copies,
		ObjPath:   dir,
		StoreName: "plain",
		Prober:    h.probe,
	}, elog, fakePeers{}, nil, nil, logger)
	require.NoError(t, err)

	eventPool := workerpool.New(workerpool.Config{Name: "event", Workers: 1}, logger)
	blockPool := workerpool.New(workerpool.Config{Name: "block", Workers: 2}, logger)
	cl.SetPools(eventPool.Submit, blockPool.Submit)

	d, err := driver.Find("local")
	require.NoError(t, err)
	require.NoError(t, cl.Start(d, driver.Options{Namespace: h.ns}))

	s := &sheep{node: node, dir: dir, elog: elog, cl: cl, drv: d.(*local.Local)}
	t.Cleanup(func() {
		cl.Stop()
		eventPool.Stop(time.Second)
		blockPool.Stop(time.Second)
	})
	return s
}

func sheepNode(t *testing.T, host string, zone uint32) model.Node {
	t.Helper()
	n, err := model.NewNode(host, 7000, zone, 64)
	require.NoError(t, err)
	return n
}

func waitStatus(t *testing.T, s *sheep, want model.ClusterStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return s.cl.Status() == want },
		waitTimeout, waitTick, "want status %s on %s, have %s", want, s.node, s.cl.Status())
}

func waitNodes(t *testing.T, s *sheep, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.cl.Nodes()) == want },
		waitTimeout, waitTick, "want %d members on %s", want, s.node)
}

func waitEpoch(t *testing.T, s *sheep, want uint32) {
	t.Helper()
	require.Eventually(t, func() bool { return s.cl.Epoch() == want },
		waitTimeout, waitTick, "want epoch %d on %s, have %d", want, s.node, s.cl.Epoch())
}

func waitDemoted(t *testing.T, s *sheep) cluster.DemotionReason {
	t.Helper()
	select {
	case r := <-s.cl.Demoted():
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("%s was not demoted", s.node)
		return ""
	}
}

// Fresh format: three empty nodes assemble, the first elects itself
// master, and one format command moves all of them to OK at epoch 1
// with the same committed membership.
func TestFreshFormat(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 3)
	waitStatus(t, s1, model.StatusWaitFormat)

	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 3)
	s3 := h.start(t, sheepNode(t, "10.1.0.3", 3), t.TempDir(), 3)

	for _, s := range []*sheep{s1, s2, s3} {
		waitNodes(t, s, 3)
	}

	res := s1.cl.Format(3)
	require.Equal(t, errors.ResOK, res)

	want := []model.Node{s1.node, s2.node, s3.node}
	model.SortNodes(want)

	for _, s := range []*sheep{s1, s2, s3} {
		waitStatus(t, s, model.StatusOK)
		waitEpoch(t, s, 1)
		assert.Equal(t, uint32(1), s.elog.Latest())

		committed, err := s.elog.Read(1)
		require.NoError(t, err)
		assert.Equal(t, want, committed)
	}
}

// Graceful add: a fresh fourth node joins a running cluster with
// inc_epoch; everyone commits epoch 2 with four members and an empty
// leave list.
func TestGracefulAdd(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 3)
	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 3)
	s3 := h.start(t, sheepNode(t, "10.1.0.3", 3), t.TempDir(), 3)
	for _, s := range []*sheep{s1, s2, s3} {
		waitNodes(t, s, 3)
	}
	require.Equal(t, errors.ResOK, s1.cl.Format(3))
	for _, s := range []*sheep{s1, s2, s3} {
		waitStatus(t, s, model.StatusOK)
	}

	s4 := h.start(t, sheepNode(t, "10.1.0.4", 4), t.TempDir(), 3)

	want := []model.Node{s1.node, s2.node, s3.node, s4.node}
	model.SortNodes(want)

	for _, s := range []*sheep{s1, s2, s3, s4} {
		waitStatus(t, s, model.StatusOK)
		waitEpoch(t, s, 2)
		waitNodes(t, s, 4)

		committed, err := s.elog.Read(2)
		require.NoError(t, err)
		assert.Equal(t, want, committed)
		assert.Empty(t, s.cl.LeaveNodes())
	}
}

// Stale rejoin: a node restarting with an older epoch while the
// survivors are still reconstituting is told to come back later, and
// exits.
func TestStaleRejoin(t *testing.T) {
	h := newHarness(t)

	dir1, dir2, dir3 := t.TempDir(), t.TempDir(), t.TempDir()
	n1 := sheepNode(t, "10.1.0.1", 1)
	n2 := sheepNode(t, "10.1.0.2", 2)
	n3 := sheepNode(t, "10.1.0.3", 3)

	s1 := h.start(t, n1, dir1, 2)
	s2 := h.start(t, n2, dir2, 2)
	s3 := h.start(t, n3, dir3, 2)
	for _, s := range []*sheep{s1, s2, s3} {
		waitNodes(t, s, 3)
	}
	require.Equal(t, errors.ResOK, s1.cl.Format(2))
	for _, s := range []*sheep{s1, s2, s3} {
		waitStatus(t, s, model.StatusOK)
	}

	// node 3 crashes; the survivors commit epoch 2 without it
	s3.drv.Fail()
	s3.cl.Stop()
	waitEpoch(t, s1, 2)
	waitEpoch(t, s2, 2)

	// the whole cluster goes down
	s1.cl.Stop()
	s2.cl.Stop()

	// node 1 comes back and waits for its peers
	r1 := h.start(t, n1, dir1, 2)
	waitStatus(t, r1, model.StatusWaitJoin)

	// node 3 rejoins with its stale epoch-1 view
	r3 := h.start(t, n3, dir3, 2)
	reason := waitDemoted(t, r3)
	assert.Equal(t, cluster.DemotedJoinRejected, reason)

	assert.Equal(t, model.StatusWaitJoin, r1.cl.Status())
}

// Majority loss: when a partition hides half the cluster, the
// remaining nodes refuse to diverge and demote themselves.
func TestMajorityLoss(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 3)
	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 3)
	s3 := h.start(t, sheepNode(t, "10.1.0.3", 3), t.TempDir(), 3)
	s4 := h.start(t, sheepNode(t, "10.1.0.4", 4), t.TempDir(), 3)
	for _, s := range []*sheep{s1, s2, s3, s4} {
		waitNodes(t, s, 4)
	}
	require.Equal(t, errors.ResOK, s1.cl.Format(3))
	for _, s := range []*sheep{s1, s2, s3, s4} {
		waitStatus(t, s, model.StatusOK)
	}

	// partition: nodes 3 and 4 vanish together
	h.setReachable(s3.node, false)
	h.setReachable(s4.node, false)
	s3.drv.Fail()

	assert.Equal(t, cluster.DemotedMajorityLost, waitDemoted(t, s1))
	assert.Equal(t, cluster.DemotedMajorityLost, waitDemoted(t, s2))
}

// Halt then heal: losing a zone drops redundancy below the configured
// copies and pauses writes; a compatible rejoin restores the zone and
// reopens the cluster.
func TestHaltThenHeal(t *testing.T) {
	h := newHarness(t)

	dir3 := t.TempDir()
	n3 := sheepNode(t, "10.1.0.3", 3)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 3)
	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 3)
	s3 := h.start(t, n3, dir3, 3)
	for _, s := range []*sheep{s1, s2, s3} {
		waitNodes(t, s, 3)
	}
	require.Equal(t, errors.ResOK, s1.cl.Format(3))
	for _, s := range []*sheep{s1, s2, s3} {
		waitStatus(t, s, model.StatusOK)
	}

	// zone 3 goes away; two zones cannot hold three copies
	h.setReachable(n3, false)
	s3.drv.Fail()
	s3.cl.Stop()

	waitStatus(t, s1, model.StatusHalt)
	waitStatus(t, s2, model.StatusHalt)
	waitEpoch(t, s1, 2)

	// the zone comes back
	h.setReachable(n3, true)
	r3 := h.start(t, n3, dir3, 3)

	for _, s := range []*sheep{s1, s2, r3} {
		waitStatus(t, s, model.StatusOK)
		waitEpoch(t, s, 3)
		assert.Empty(t, s.cl.LeaveNodes())
	}
}

// Mastership transfer: a joiner whose epoch is ahead of the waiting
// master takes over authoritative state and completes reconstitution
// from its own history.
func TestMasterTransfer(t *testing.T) {
	h := newHarness(t)

	n1 := sheepNode(t, "10.1.0.1", 1)
	n2 := sheepNode(t, "10.1.0.2", 2)
	n3 := sheepNode(t, "10.1.0.3", 3)
	const ctime = uint64(999)

	all := []model.Node{n1, n2, n3}
	model.SortNodes(all)
	pair := []model.Node{n1, n2}
	model.SortNodes(pair)

	dir1 := t.TempDir()
	elog1, err := epochlog.Open(filepath.Join(dir1, "epoch"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, elog1.Append(3, all))
	require.NoError(t, elog1.SetCtime(ctime))

	// node 2 witnessed one more epoch before the outage
	dir2 := t.TempDir()
	elog2, err := epochlog.Open(filepath.Join(dir2, "epoch"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, elog2.Append(3, all))
	require.NoError(t, elog2.Append(4, pair))
	require.NoError(t, elog2.SetCtime(ctime))

	s1 := h.start(t, n1, dir1, 3)
	waitStatus(t, s1, model.StatusWaitJoin)
	waitEpoch(t, s1, 3)

	s2 := h.start(t, n2, dir2, 3)

	// node 2 adopts its own later history as the authoritative one and
	// reconstitutes: epoch 4 held two members, both accounted for
	waitStatus(t, s2, model.StatusOK)
	waitEpoch(t, s2, 5)

	assert.Equal(t, model.StatusWaitJoin, s1.cl.Status())
}

// The serializer gate: no event applies while I/O dispatched under the
// previous snapshot is outstanding.
func TestEventGateDefersEvents(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 1)
	waitNodes(t, s1, 1)
	require.Equal(t, errors.ResOK, s1.cl.Format(1))
	waitStatus(t, s1, model.StatusOK)

	s1.cl.IOStart()

	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 1)
	waitStatus(t, s2, model.StatusOK)

	// the join is queued behind the in-flight I/O on node 1
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s1.cl.Nodes(), 1)
	assert.Equal(t, uint32(1), s1.cl.Epoch())

	s1.cl.IODone()
	waitNodes(t, s1, 2)
	waitEpoch(t, s1, 2)
}

// Events apply in delivery order: sequential joins advance the epoch
// once each, and the membership recorded at epoch k has exactly k
// members.
func TestSerializerOrdering(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 1)
	waitNodes(t, s1, 1)
	require.Equal(t, errors.ResOK, s1.cl.Format(1))
	waitStatus(t, s1, model.StatusOK)

	for i := 2; i <= 5; i++ {
		h.start(t, sheepNode(t, fmt.Sprintf("10.1.0.%d", i), uint32(i)), t.TempDir(), 1)
		waitEpoch(t, s1, uint32(i))
	}

	waitNodes(t, s1, 5)

	for epoch := uint32(1); epoch <= 5; epoch++ {
		committed, err := s1.elog.Read(epoch)
		require.NoError(t, err)
		assert.Len(t, committed, int(epoch),
			"epoch %d must hold the membership as of its transition", epoch)
	}
}

// The published snapshot tracks the registry and keeps its refcount
// for as long as a reader holds it.
func TestSnapshotLifecycleAcrossEvents(t *testing.T) {
	h := newHarness(t)

	s1 := h.start(t, sheepNode(t, "10.1.0.1", 1), t.TempDir(), 2)
	s2 := h.start(t, sheepNode(t, "10.1.0.2", 2), t.TempDir(), 2)
	waitNodes(t, s1, 2)
	waitNodes(t, s2, 2)
	require.Equal(t, errors.ResOK, s1.cl.Format(2))
	waitStatus(t, s1, model.StatusOK)

	old := s1.cl.Vnodes()
	require.NotNil(t, old)
	assert.GreaterOrEqual(t, old.Refcnt(), int32(2))

	h.start(t, sheepNode(t, "10.1.0.3", 3), t.TempDir(), 2)
	waitNodes(t, s1, 3)

	// the old view is intact for its reader while the new one is live
	assert.Equal(t, 2, len(old.Nodes()))
	assert.Equal(t, int32(1), old.Refcnt())
	old.Release()

	cur := s1.cl.Vnodes()
	defer cur.Release()
	assert.Equal(t, 3, len(cur.Nodes()))
	assert.Equal(t, 2, cur.EffectiveCopies(2))
}
