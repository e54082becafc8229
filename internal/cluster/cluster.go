// Package cluster implements the group-membership and cluster-state
// core of the sheep daemon: epoch advancement, join admission, the
// event serializer, leave-list bookkeeping, and the coordination of
// blocked cluster-wide operations. All mutable cluster state is owned
// by a single main loop; worker pools hand results back to it.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sbcm-osx/sheepdog/internal/driver"
	"github.com/sbcm-osx/sheepdog/internal/epochlog"
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/metrics"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/sbcm-osx/sheepdog/internal/store"
	"github.com/sbcm-osx/sheepdog/internal/vnodes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recoverer starts object recovery at an epoch. The core fires and
// forgets; it never awaits completion.
type Recoverer interface {
	StartRecovery(epoch uint32)
}

// PeerClient fetches remote cluster state from a member
type PeerClient interface {
	FetchVdiBitmap(ctx context.Context, node model.Node) (*model.VdiBitmap, error)
}

// DemotionReason explains why the node must tear itself down. The
// daemon loop observes it and exits cleanly instead of the core
// killing the process from inside a callback.
type DemotionReason string

const (
	// DemotedJoinRejected means our own join was refused; a clean
	// restart beats staying in an incoherent state
	DemotedJoinRejected DemotionReason = "join_rejected"
	// DemotedMajorityLost means most members are unreachable; halting
	// is less dangerous than diverging
	DemotedMajorityLost DemotionReason = "majority_lost"
)

// Config holds the cluster core configuration
type Config struct {
	Self     model.Node
	NrCopies uint8
	Flags    uint16

	// ObjPath is the object store root
	ObjPath string
	// StoreName selects the backend store; empty adopts the store
	// named in the join payload
	StoreName string

	// Prober overrides the TCP reachability probe, for tests
	Prober Prober
}

// Cluster is the state machine core. One instance per daemon.
type Cluster struct {
	cfg    Config
	self   model.Node
	logger *zap.Logger

	drv      driver.Driver
	elog     *epochlog.Log
	peers    PeerClient
	recovery Recoverer
	metrics  *metrics.Metrics

	snaps vnodes.Handle

	// main-loop-owned state; mu guards the pieces external readers
	// snapshot
	mu        sync.RWMutex
	nodes     []model.Node
	leaveList leaveList
	ctime     uint64
	nrCopies  uint8
	flags     uint16

	statusVal atomic.Uint32
	epoch     atomic.Uint32

	joinFinished bool

	pending    []*PendingOp
	eventQueue []*event

	eventRunning  bool
	outstandingIO atomic.Int64

	bitmapMu  sync.Mutex
	vdiBitmap model.VdiBitmap

	curStore store.Driver
	prober   Prober

	eventPool *poolRunner
	blockPool *poolRunner

	loopCh  chan func()
	stopCh  chan struct{}
	stopped sync.Once
	demoted chan DemotionReason
}

// poolRunner is a minimal submit surface so tests can run pools inline
type poolRunner struct {
	submit func(fn func(context.Context) error) error
}

// New creates the cluster core. Start must be called before any driver
// traffic.
func New(cfg Config, elog *epochlog.Log, peers PeerClient, rec Recoverer,
	m *metrics.Metrics, logger *zap.Logger) (*Cluster, error) {

	if cfg.Self.Zone == 0 {
		cfg.Self.Zone = model.DefaultZone(cfg.Self)
	}

	c := &Cluster{
		cfg:      cfg,
		self:     cfg.Self,
		logger:   logger,
		elog:     elog,
		peers:    peers,
		recovery: rec,
		metrics:  m,
		nrCopies: cfg.NrCopies,
		flags:    cfg.Flags,
		prober:   cfg.Prober,
		loopCh:   make(chan func(), 512),
		stopCh:   make(chan struct{}),
		demoted:  make(chan DemotionReason, 1),
	}
	if c.prober == nil {
		c.prober = tcpProbe
	}

	ctime, err := elog.Ctime()
	if err != nil {
		return nil, err
	}
	c.ctime = ctime

	if cfg.StoreName != "" {
		drv, err := store.Find(cfg.StoreName)
		if err != nil {
			return nil, err
		}
		if err := drv.Init(cfg.ObjPath); err != nil {
			return nil, fmt.Errorf("failed to init store %q: %w", cfg.StoreName, err)
		}
		c.curStore = drv
	}

	if elog.Latest() == 0 {
		c.statusVal.Store(uint32(model.StatusWaitFormat))
	} else {
		c.statusVal.Store(uint32(model.StatusWaitJoin))
	}

	c.snaps.Publish(vnodes.Build(nil))
	return c, nil
}

// SetRecoverer wires the recovery module. Must be called before
// Start; recovery is skipped when absent.
func (c *Cluster) SetRecoverer(rec Recoverer) {
	c.recovery = rec
}

func (c *Cluster) startRecovery(epoch uint32) {
	if c.recovery == nil {
		return
	}
	c.recovery.StartRecovery(epoch)
}

// ListObjects enumerates the local store's objects, empty when no
// store is configured yet
func (c *Cluster) ListObjects() ([]uint64, error) {
	c.mu.RLock()
	st := c.curStore
	c.mu.RUnlock()
	if st == nil {
		return nil, nil
	}
	return st.ListObjects()
}

// SetPools wires the event and block worker pools. Each pool's submit
// function must execute tasks off the main loop; the event pool must
// run tasks one at a time in submission order.
func (c *Cluster) SetPools(event, block func(fn func(context.Context) error) error) {
	c.eventPool = &poolRunner{submit: event}
	c.blockPool = &poolRunner{submit: block}
}

// Start initializes the driver, runs the main loop, and proposes this
// node for membership
func (c *Cluster) Start(drv driver.Driver, opts driver.Options) error {
	if c.eventPool == nil || c.blockPool == nil {
		return fmt.Errorf("cluster pools not configured")
	}
	c.drv = drv
	if err := drv.Init(opts, c.self, c, c.logger); err != nil {
		return fmt.Errorf("failed to init cluster driver: %w", err)
	}

	go c.run()

	if err := c.sendJoinRequest(); err != nil {
		return fmt.Errorf("failed to send join request: %w", err)
	}
	return nil
}

// Stop tears down the main loop and the driver
func (c *Cluster) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	if c.drv != nil {
		c.drv.Shutdown()
	}
}

// Demoted delivers the reason when the node must exit; the daemon loop
// observes it and tears down
func (c *Cluster) Demoted() <-chan DemotionReason {
	return c.demoted
}

func (c *Cluster) demote(reason DemotionReason) {
	select {
	case c.demoted <- reason:
	default:
	}
}

func (c *Cluster) run() {
	for {
		select {
		case fn := <-c.loopCh:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// post schedules fn on the main loop
func (c *Cluster) post(fn func()) {
	select {
	case c.loopCh <- fn:
	case <-c.stopCh:
	}
}

func (c *Cluster) sendJoinRequest() error {
	latest := c.elog.Latest()
	jm := &model.JoinMessage{
		ProtoVer:     model.ProtoVer,
		NrCopies:     c.nrCopies,
		ClusterFlags: c.flags,
		Epoch:        latest,
		Ctime:        c.ctime,
	}
	if latest > 0 {
		nodes, err := c.elog.Read(latest)
		if err != nil {
			return err
		}
		jm.Nodes = nodes
	}
	buf, err := jm.Marshal()
	if err != nil {
		return err
	}
	return c.drv.Join(c.self, buf)
}

// --- accessors ---

// Status returns the current cluster status
func (c *Cluster) Status() model.ClusterStatus {
	return model.ClusterStatus(c.statusVal.Load())
}

// Epoch returns the current epoch
func (c *Cluster) Epoch() uint32 {
	return c.epoch.Load()
}

// Self returns this node's identity
func (c *Cluster) Self() model.Node {
	return c.self
}

// Nodes returns a copy of the current membership
func (c *Cluster) Nodes() []model.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.CopyNodes(c.nodes)
}

// LeaveNodes returns a copy of the leave list
func (c *Cluster) LeaveNodes() []model.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaveList.Nodes()
}

// NrCopies returns the configured redundancy
func (c *Cluster) NrCopies() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nrCopies
}

// Vnodes acquires a reference to the published vnode snapshot. The
// caller must Release it.
func (c *Cluster) Vnodes() *vnodes.Snapshot {
	return c.snaps.Get()
}

// VdiBitmapCopy returns a copy of the merged in-use VDI bitmap
func (c *Cluster) VdiBitmapCopy() *model.VdiBitmap {
	c.bitmapMu.Lock()
	defer c.bitmapMu.Unlock()
	bm := c.vdiBitmap
	return &bm
}

// MarkVdiInUse records a VDI id in the local bitmap
func (c *Cluster) MarkVdiInUse(vid uint32) {
	c.bitmapMu.Lock()
	defer c.bitmapMu.Unlock()
	c.vdiBitmap.Set(vid)
}

// IOStart accounts an I/O request dispatched under the current
// snapshot
func (c *Cluster) IOStart() {
	n := c.outstandingIO.Add(1)
	if c.metrics != nil {
		c.metrics.OutstandingIO.Set(float64(n))
	}
}

// IODone retires an I/O request; the event serializer resumes once the
// count drains to zero
func (c *Cluster) IODone() {
	n := c.outstandingIO.Add(-1)
	if c.metrics != nil {
		c.metrics.OutstandingIO.Set(float64(n))
	}
	if n == 0 {
		c.post(c.processQueues)
	}
}

// LeaveCluster departs the cluster gracefully through the group
// driver. The node's own vnode weight is left unchanged.
func (c *Cluster) LeaveCluster() error {
	return c.drv.Leave()
}

func (c *Cluster) setStatus(s model.ClusterStatus) {
	old := c.Status()
	if old == s {
		return
	}
	c.statusVal.Store(uint32(s))
	c.logger.Info("Cluster status changed",
		zap.String("from", old.String()),
		zap.String("to", s.String()),
		zap.Uint32("epoch", c.epoch.Load()))
	if c.metrics != nil {
		c.metrics.ClusterStatus.Set(float64(s))
	}
}

// updateNodeInfo replaces the registry and publishes a rebuilt vnode
// snapshot. Main loop only.
func (c *Cluster) updateNodeInfo(nodes []model.Node) {
	sorted := model.CopyNodes(nodes)
	model.SortNodes(sorted)

	c.mu.Lock()
	c.nodes = sorted
	// a member can never be on the leave list
	for _, n := range sorted {
		c.leaveList.Remove(n)
	}
	c.mu.Unlock()

	c.snaps.Publish(vnodes.Build(sorted))

	if c.metrics != nil {
		c.metrics.NrNodes.Set(float64(len(sorted)))
		c.metrics.NrZones.Set(float64(model.ZonesOf(sorted)))
		c.metrics.Epoch.Set(float64(c.epoch.Load()))
	}
}

// inEpoch reports whether node was a member at epoch
func (c *Cluster) inEpoch(node model.Node, epoch uint32) bool {
	nodes, err := c.elog.Read(epoch)
	if err != nil {
		return false
	}
	return model.FindNode(nodes, node) >= 0
}

func (c *Cluster) addLeaveNode(node model.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model.FindNode(c.nodes, node) >= 0 {
		return
	}
	c.leaveList.Add(node)
}

func (c *Cluster) clearLeaveList() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveList.Clear()
}

// --- driver.Handler ---

// CheckJoin implements driver.Handler; it runs the admission query on
// the main loop and waits for the verdict
func (c *Cluster) CheckJoin(joining model.Node, payload []byte) (errors.JoinResult, []byte) {
	type reply struct {
		res errors.JoinResult
		out []byte
	}
	ch := make(chan reply, 1)
	c.post(func() {
		res, out := c.checkJoin(joining, payload)
		if c.metrics != nil {
			c.metrics.JoinChecksTotal.WithLabelValues(res.String()).Inc()
		}
		ch <- reply{res, out}
	})
	select {
	case r := <-ch:
		return r.res, r.out
	case <-c.stopCh:
		return errors.JoinFail, payload
	}
}

// OnJoin implements driver.Handler
func (c *Cluster) OnJoin(joined model.Node, members []model.Node,
	result errors.JoinResult, payload []byte) {
	ms := model.CopyNodes(members)
	buf := append([]byte(nil), payload...)
	c.post(func() { c.handleJoin(joined, ms, result, buf) })
}

// OnLeave implements driver.Handler
func (c *Cluster) OnLeave(left model.Node, members []model.Node) {
	ms := model.CopyNodes(members)
	c.post(func() { c.handleLeave(left, ms) })
}

// OnNotify implements driver.Handler
func (c *Cluster) OnNotify(sender model.Node, payload []byte) {
	buf := append([]byte(nil), payload...)
	c.post(func() { c.handleNotify(sender, buf) })
}

// OnBlock implements driver.Handler
func (c *Cluster) OnBlock() {
	c.post(c.blockHandler)
}

// --- event handling, main loop only ---

func (c *Cluster) handleJoin(joined model.Node, members []model.Node,
	result errors.JoinResult, payload []byte) {

	jm, err := model.UnmarshalJoinMessage(payload)
	if err != nil {
		c.logger.Error("Malformed join payload in delivery", zap.Error(err))
		return
	}

	if joined.Equal(c.self) &&
		(result == errors.JoinFail || result == errors.JoinLater) {
		c.logger.Error("Our join was refused; leaving for a clean restart",
			zap.String("result", result.String()),
			zap.String("reason", jm.Result.String()))
		c.drv.Leave()
		c.demote(DemotedJoinRejected)
		return
	}

	latest := c.elog.Latest()

	switch result {
	case errors.JoinSuccess:
		if c.Status() == model.StatusShutdown {
			return
		}
		c.logger.Info("Node joining",
			zap.String("joined", joined.String()),
			zap.Int("nr_members", len(members)))
		c.enqueue(&event{kind: eventJoin, joined: joined, members: members, jm: jm})

	case errors.JoinFail, errors.JoinLater:
		if c.Status() != model.StatusWaitJoin {
			return
		}
		if c.leaveList.Contains(joined) || !c.inEpoch(joined, latest) {
			return
		}
		c.addLeaveNode(joined)
		c.tryCompleteWaitJoin(len(members))

	case errors.JoinMasterTransfer:
		for _, ln := range jm.LeaveNodes {
			if c.leaveList.Contains(ln) || !c.inEpoch(ln, latest) {
				continue
			}
			c.addLeaveNode(ln)
		}
		if !c.joinFinished {
			// mastership transfer is complete once we identify as the
			// authoritative member
			c.joinFinished = true
			c.updateNodeInfo([]model.Node{c.self})
			c.epoch.Store(c.elog.Latest())
		}
		c.tryCompleteWaitJoin(len(members))
	}
}

// tryCompleteWaitJoin reconstitutes the cluster when every member of
// the reconstituted epoch is either present or accounted for on the
// leave list. The survivors commit a fresh epoch; the missing members
// are permanently lost.
func (c *Cluster) tryCompleteWaitJoin(nrMembers int) {
	nrLocal := c.elog.NrNodesAt(c.epoch.Load())
	gone := c.leaveList.Size()
	if nrLocal != nrMembers+gone {
		return
	}

	e := c.epoch.Add(1)
	if err := c.elog.Append(e, c.nodes); err != nil {
		c.logger.Error("Failed to commit reconstitution epoch",
			zap.Uint32("epoch", e), zap.Error(err))
		return
	}
	c.clearLeaveList()
	c.setStatus(model.StatusOK)
	if c.metrics != nil {
		c.metrics.Epoch.Set(float64(e))
	}
}

func (c *Cluster) handleLeave(left model.Node, members []model.Node) {
	if c.Status() == model.StatusShutdown {
		return
	}
	c.logger.Info("Node leaving",
		zap.String("left", left.String()),
		zap.Int("nr_members", len(members)))
	c.enqueue(&event{kind: eventLeave, left: left, members: members})
}

func (c *Cluster) handleNotify(sender model.Node, payload []byte) {
	msg, err := model.UnmarshalNotifyMessage(payload)
	if err != nil {
		c.logger.Error("Malformed notify payload", zap.Error(err))
		return
	}

	ev := &event{kind: eventNotify, sender: sender, nmsg: msg}
	if sender.Equal(c.self) && len(c.pending) > 0 {
		// the ordered echo of our own request; its entry is still at
		// the head of the pending queue
		ev.req = c.pending[0]
		c.pending = c.pending[1:]
		if c.metrics != nil {
			c.metrics.PendingOps.Set(float64(len(c.pending)))
		}
	}
	c.enqueue(ev)
}

func (c *Cluster) enqueue(ev *event) {
	c.eventQueue = append(c.eventQueue, ev)
	if c.metrics != nil {
		c.metrics.EventQueueDepth.Set(float64(len(c.eventQueue)))
	}
	c.processQueues()
}

// processQueues pumps the event FIFO. The next event is dequeued only
// when no event is running and no I/O dispatched under the outgoing
// snapshot is outstanding.
func (c *Cluster) processQueues() {
	if len(c.eventQueue) == 0 {
		return
	}
	if c.eventRunning || c.outstandingIO.Load() != 0 {
		return
	}

	ev := c.eventQueue[0]
	c.eventQueue = c.eventQueue[1:]
	if c.metrics != nil {
		c.metrics.EventQueueDepth.Set(float64(len(c.eventQueue)))
	}
	c.eventRunning = true

	status := c.Status()
	start := time.Now()
	err := c.eventPool.submit(func(ctx context.Context) error {
		res := c.phaseA(ctx, ev, status)
		c.post(func() {
			c.phaseB(ev, res)
			if c.metrics != nil {
				c.metrics.ObserveEvent(ev.kind.String(), start)
			}
			c.eventRunning = false
			c.processQueues()
		})
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to submit event phase A", zap.Error(err))
		c.eventRunning = false
	}
}

// phaseA runs off the main loop and must not touch shared state beyond
// its copied-in inputs
func (c *Cluster) phaseA(ctx context.Context, ev *event, status model.ClusterStatus) phaseAResult {
	switch ev.kind {
	case eventJoin:
		return phaseAResult{bitmap: c.fetchVdiBitmaps(ctx, ev, status)}
	case eventLeave:
		// probe the pre-leave membership; the departed node counts
		// toward the quorum it just broke
		probeList := append(model.CopyNodes(ev.members), ev.left)
		return phaseAResult{majority: checkMajority(probeList, c.prober, c.logger)}
	default:
		return phaseAResult{}
	}
}

// fetchVdiBitmaps collects the in-use VDI bitmap from every
// pre-existing member. A newcomer joining a running cluster needs only
// one copy. Fetch failures are logged and ignored for this join
// attempt.
func (c *Cluster) fetchVdiBitmaps(ctx context.Context, ev *event, status model.ClusterStatus) *model.VdiBitmap {
	if ev.jm.ClusterStatus != model.StatusOK && ev.jm.ClusterStatus != model.StatusHalt {
		return nil
	}
	if status == model.StatusOK {
		return nil
	}

	merged := &model.VdiBitmap{}

	if status == model.StatusWaitFormat {
		for _, m := range ev.members {
			if m.Equal(c.self) {
				continue
			}
			bm, err := c.peers.FetchVdiBitmap(ctx, m)
			if err != nil {
				c.logger.Warn("Unable to fetch VDI bitmap",
					zap.String("peer", m.String()), zap.Error(err))
				continue
			}
			merged.Merge(bm)
			break
		}
		return merged
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range ev.members {
		if m.Equal(c.self) {
			continue
		}
		m := m
		g.Go(func() error {
			bm, err := c.peers.FetchVdiBitmap(gctx, m)
			if err != nil {
				c.logger.Warn("Unable to fetch VDI bitmap",
					zap.String("peer", m.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			merged.Merge(bm)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return merged
}

// phaseB applies an event on the main loop. It observes the effect of
// all prior events' phase B.
func (c *Cluster) phaseB(ev *event, res phaseAResult) {
	switch ev.kind {
	case eventJoin:
		c.joinDone(ev, res)
	case eventLeave:
		c.leaveDone(ev, res)
	case eventNotify:
		c.notifyDone(ev)
	}
}

func (c *Cluster) joinDone(ev *event, res phaseAResult) {
	jm := ev.jm

	if res.bitmap != nil {
		c.bitmapMu.Lock()
		c.vdiBitmap.Merge(res.bitmap)
		c.bitmapMu.Unlock()
	}

	if !c.joinFinished {
		c.finishJoin(jm, ev.joined, ev.members)
	}

	c.updateNodeInfo(ev.members)

	if jm.ClusterStatus == model.StatusOK || jm.ClusterStatus == model.StatusHalt {
		if jm.IncEpoch {
			e := c.epoch.Add(1)
			if err := c.elog.Append(e, c.nodes); err != nil {
				c.logger.Error("Failed to commit epoch",
					zap.Uint32("epoch", e), zap.Error(err))
			}
		}
		if st := c.Status(); st != model.StatusOK && st != model.StatusHalt {
			// fresh node adopting the cluster's parameters
			c.mu.Lock()
			c.nrCopies = jm.NrCopies
			c.flags = jm.ClusterFlags
			c.ctime = jm.Ctime
			c.mu.Unlock()
			if err := c.elog.SetCtime(jm.Ctime); err != nil {
				c.logger.Error("Failed to record cluster ctime", zap.Error(err))
			}
		}
	}

	c.setStatus(jm.ClusterStatus)

	if c.Status().CanRecover() && jm.IncEpoch {
		c.clearLeaveList()
		c.startRecovery(c.epoch.Load())
	}

	if c.Status() == model.StatusHalt {
		if snap := c.snaps.Peek(); snap != nil && snap.NrZones() >= int(c.nrCopies) {
			c.setStatus(model.StatusOK)
		}
	}

	if ev.joined.Equal(c.self) {
		c.logger.Info("Joined cluster",
			zap.Uint32("epoch", c.epoch.Load()),
			zap.String("status", c.Status().String()))
	}
}

// finishJoin materializes this node's join parameters the first time a
// successful join event is applied
func (c *Cluster) finishJoin(jm *model.JoinMessage, joined model.Node, members []model.Node) {
	c.joinFinished = true
	c.mu.Lock()
	c.nrCopies = jm.NrCopies
	c.mu.Unlock()
	c.epoch.Store(jm.Epoch)

	// Recovery expects an epoch record for the epoch before this node
	// joined; commit it from the membership excluding the joiner.
	if (jm.ClusterStatus == model.StatusOK || jm.ClusterStatus == model.StatusHalt) &&
		jm.IncEpoch {
		old := make([]model.Node, 0, len(members))
		for _, m := range members {
			if !m.Equal(joined) {
				old = append(old, m)
			}
		}
		if err := c.elog.Append(c.epoch.Load(), old); err != nil {
			c.logger.Error("Failed to commit pre-join epoch record",
				zap.Uint32("epoch", c.epoch.Load()), zap.Error(err))
		}
	}

	if jm.ClusterStatus != model.StatusOK {
		latest := c.elog.Latest()
		for _, ln := range jm.LeaveNodes {
			if c.leaveList.Contains(ln) || !c.inEpoch(ln, latest) {
				continue
			}
			c.addLeaveNode(ln)
		}
	}

	if c.curStore == nil && jm.Store != "" {
		drv, err := store.Find(jm.Store)
		if err != nil {
			c.logger.Error("Cluster runs an unsupported store",
				zap.String("store", jm.Store), zap.Error(err))
			c.demote(DemotedJoinRejected)
			return
		}
		if err := drv.Init(c.cfg.ObjPath); err != nil {
			c.logger.Error("Failed to init adopted store", zap.Error(err))
			c.demote(DemotedJoinRejected)
			return
		}
		c.curStore = drv
	}

	// A sheep joining back after a crash purges objects from its stale
	// epochs so it cannot corrupt live data
	if jm.IncEpoch && c.curStore != nil {
		if err := c.curStore.PurgeStaleObjects(jm.Epoch); err != nil {
			c.logger.Warn("May have stale objects", zap.Error(err))
		}
	}
}

func (c *Cluster) leaveDone(ev *event, res phaseAResult) {
	if !res.majority {
		c.logger.Error("Perhaps a network partition has occurred; demoting")
		c.demote(DemotedMajorityLost)
		return
	}

	c.updateNodeInfo(ev.members)

	if c.Status().CanRecover() {
		e := c.epoch.Add(1)
		if err := c.elog.Append(e, c.nodes); err != nil {
			c.logger.Error("Failed to commit epoch",
				zap.Uint32("epoch", e), zap.Error(err))
		}
	}

	if c.Status().CanHalt() {
		if snap := c.snaps.Peek(); snap != nil && snap.NrZones() < int(c.nrCopies) {
			c.setStatus(model.StatusHalt)
		}
	}

	if c.Status().CanRecover() {
		c.startRecovery(c.epoch.Load())
	}
}

func (c *Cluster) notifyDone(ev *event) {
	msg := ev.nmsg
	ret := msg.Rsp.Result
	op := findOp(msg.Req.Opcode)

	if ret == errors.ResOK && op.HasProcessMain() {
		ret = op.ProcessMain(c, &msg.Req, &msg.Rsp, msg.Data)
	}

	if ev.req == nil {
		return
	}
	msg.Rsp.Result = ret
	ev.req.done <- msg
}

// --- blocked operation coordination, main loop only ---

// queueClusterRequest routes a cluster-wide operation through the
// group driver. Operations with local pre-compute go through the
// driver's single-flighted critical section; the rest are broadcast
// directly. Either way the originator appends to the pending queue and
// awaits the ordered echo.
func (c *Cluster) queueClusterRequest(p *PendingOp) {
	c.logger.Debug("Queueing cluster request",
		zap.String("op", p.Op.Name),
		zap.String("id", p.ID.String()))

	c.pending = append(c.pending, p)
	if c.metrics != nil {
		c.metrics.PendingOps.Set(float64(len(c.pending)))
	}

	if p.Op.HasProcessWork() {
		if err := c.drv.Block(); err != nil {
			c.failPending(p, err)
		}
		return
	}

	p.Msg.Rsp.Result = errors.ResOK
	buf, err := p.Msg.Marshal()
	if err != nil {
		c.failPending(p, err)
		return
	}
	if err := c.drv.Notify(buf); err != nil {
		c.failPending(p, err)
	}
}

func (c *Cluster) failPending(p *PendingOp, err error) {
	c.logger.Error("Cluster request failed",
		zap.String("op", p.Op.Name), zap.Error(err))
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	p.Msg.Rsp.Result = errors.ResUnavailable
	p.done <- p.Msg
}

// blockHandler runs once this node holds the cluster-wide critical
// section: hand the head pending operation to the block pool for its
// pre-compute, then release the section with the result
func (c *Cluster) blockHandler() {
	if len(c.pending) == 0 {
		c.logger.Error("Block granted with an empty pending queue")
		return
	}
	p := c.pending[0]

	err := c.blockPool.submit(func(ctx context.Context) error {
		res, data := p.Op.ProcessWork(c, &p.Msg.Req, p.Msg.Data)
		c.post(func() {
			p.Msg.Rsp.Result = res
			if p.Op.HasProcessMain() {
				p.Msg.Data = data
				p.Msg.Req.DataLength = uint32(len(data))
			}
			buf, err := p.Msg.Marshal()
			if err != nil {
				c.failPending(p, err)
				return
			}
			if err := c.drv.Unblock(buf); err != nil {
				c.failPending(p, err)
			}
		})
		return nil
	})
	if err != nil {
		c.failPending(p, err)
	}
}

// submitClusterRequest builds a pending operation and schedules it on
// the main loop
func (c *Cluster) submitClusterRequest(opcode uint32, data []byte) *PendingOp {
	op := findOp(opcode)
	p := &PendingOp{
		ID:   uuid.New(),
		Op:   op,
		done: make(chan *model.NotifyMessage, 1),
	}
	req := model.ReqHeader{
		Opcode: opcode,
		Epoch:  c.epoch.Load(),
		ID:     [16]byte(p.ID),
	}
	p.Msg = prepareNotifyMessage(op, req, data)
	c.post(func() { c.queueClusterRequest(p) })
	return p
}

// Format initializes a fresh cluster with the given redundancy. Blocks
// until every node has applied the ordered format.
func (c *Cluster) Format(copies uint8) errors.ResultCode {
	data := make([]byte, 9)
	data[8] = copies
	p := c.submitClusterRequest(OpFormat, data)
	rsp := p.Wait()
	return rsp.Rsp.Result
}

// ShutdownCluster transitions every node to the terminal state
func (c *Cluster) ShutdownCluster() errors.ResultCode {
	p := c.submitClusterRequest(OpShutdown, nil)
	rsp := p.Wait()
	return rsp.Rsp.Result
}
