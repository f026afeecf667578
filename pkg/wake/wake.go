// Package wake implements the wake/sleep controller (spec §4.7, C7):
// the per-namespace registry that wakes a node actor on first access,
// keeps a lock-protected table of live actor refs, and evicts idle
// nodes to bound memory. The eviction loop follows the same
// ticker-driven background cycle shape used elsewhere in this module
// for periodic housekeeping.
package wake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thatdot/streamgraph/pkg/clock"
	"github.com/thatdot/streamgraph/pkg/dgn"
	"github.com/thatdot/streamgraph/pkg/edgeproc"
	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/metrics"
	"github.com/thatdot/streamgraph/pkg/node"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"

	"github.com/rs/zerolog"
)

// NodeFactory builds a new, not-yet-woken Node for qid. Supplied by
// the caller so the controller doesn't need to know how to construct
// a Processor/Registry/PeerLink for every node in the namespace.
type NodeFactory func(qid types.QuineId) *node.Node

// Config tunes the wake/sleep controller's eviction policy.
type Config struct {
	// IdleTimeout is how long a node may sit with no activity before
	// it becomes eligible for eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often the eviction loop runs.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

type entry struct {
	actor        *node.Node
	lastActivity time.Time
	// wakeCount is this node's cost-to-sleep: a monotonically
	// increasing count of how many times it has been woken, used to
	// bias eviction toward the cheapest nodes to re-wake (spec §4.7).
	wakeCount uint64
}

// Controller is the actor_ref_lock: a read-shared/write-exclusive
// table of currently awake nodes. Lookups that find an existing ref
// only need the read lock; waking a node holds the write lock for the
// whole restore (spec §4.7). Sleep holds the write lock only while it
// removes the entry: the snapshot and actor shutdown run after the
// lock is released, so a GetOrWake for the same qid during that window
// wakes a fresh actor while the old one is still writing its snapshot.
type Controller struct {
	cfg     Config
	factory NodeFactory
	logger  zerolog.Logger

	mu      sync.RWMutex
	awake   map[types.QuineId]*entry
	stopCh  chan struct{}
	stopped chan struct{}

	// wakeCounts survives across sleep cycles (unlike awake, which
	// drops its entry on Sleep) so cost-to-sleep keeps accumulating
	// for a node even while it's asleep.
	wakeCounts map[types.QuineId]uint64
}

// New returns a controller with no nodes awake.
func New(cfg Config, factory NodeFactory) *Controller {
	return &Controller{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		logger:     log.WithComponent("wake"),
		awake:      make(map[types.QuineId]*entry),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		wakeCounts: make(map[types.QuineId]uint64),
	}
}

// Start launches the idle-eviction sweep loop.
func (c *Controller) Start() {
	go c.run()
}

// Stop halts the sweep loop. It does not sleep any currently-awake
// nodes; call SleepAll first if a clean shutdown is required.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.stopped
}

func (c *Controller) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sweep() {
	now := time.Now()

	c.mu.RLock()
	var candidates []types.QuineId
	costs := make(map[types.QuineId]uint64)
	for qid, e := range c.awake {
		if now.Sub(e.lastActivity) >= c.cfg.IdleTimeout && e.actor.Backlog() == 0 {
			candidates = append(candidates, qid)
			costs[qid] = e.wakeCount
		}
	}
	c.mu.RUnlock()

	// Evict the cheapest-to-re-wake nodes first (spec §4.7).
	for _, qid := range LeastCostFirst(candidates, func(q types.QuineId) uint64 { return costs[q] }) {
		if err := c.Sleep(context.Background(), qid); err != nil {
			c.logger.Warn().Err(err).Str("qid", string(qid)).Msg("idle eviction sleep failed")
		}
	}
}

// LeastCostFirst orders candidates ascending by cost, so the
// cheapest-to-re-wake nodes sort first — the eviction policy spec §4.7
// asks shards to bias toward (a node's cost-to-sleep is its wake
// count: "lower = cheaper to re-wake"). Does not mutate candidates.
func LeastCostFirst(candidates []types.QuineId, cost func(types.QuineId) uint64) []types.QuineId {
	ordered := make([]types.QuineId, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return cost(ordered[i]) < cost(ordered[j])
	})
	return ordered
}

// GetOrWake returns the actor ref for qid, waking it from persistence
// first if it is not already awake (spec §4.7 wake sequence). Callers
// send every subsequent message for qid to the returned *node.Node
// directly; GetOrWake itself is only consulted once per message burst.
func (c *Controller) GetOrWake(ctx context.Context, qid types.QuineId) (*node.Node, error) {
	c.mu.RLock()
	if e, ok := c.awake[qid]; ok {
		e.lastActivity = time.Now()
		actor := e.actor
		c.mu.RUnlock()
		return actor, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock: another goroutine may have woken
	// qid while we were waiting for it.
	if e, ok := c.awake[qid]; ok {
		e.lastActivity = time.Now()
		return e.actor, nil
	}

	timer := metrics.NewTimer()
	actor := c.factory(qid)
	if err := actor.RestoreFromPersistence(ctx); err != nil {
		actor.Close()
		return nil, fmt.Errorf("wake: restore %s: %w", qid, err)
	}
	timer.ObserveDuration(metrics.NodeWakeDuration)
	metrics.NodeWakesTotal.Inc()
	metrics.NodesAwake.Inc()

	c.wakeCounts[qid]++
	wakeCount := c.wakeCounts[qid]
	metrics.CostToSleep.Observe(float64(wakeCount))

	c.awake[qid] = &entry{actor: actor, lastActivity: time.Now(), wakeCount: wakeCount}
	c.logger.Debug().Str("qid", string(qid)).Uint64("wake_count", wakeCount).Msg("node woke")
	return actor, nil
}

// CostToSleep reports qid's current cost-to-sleep value (its wake
// count), or 0 if it has never been woken by this controller.
func (c *Controller) CostToSleep(qid types.QuineId) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wakeCounts[qid]
}

// Sleep snapshots and evicts qid, if awake. A no-op if qid is not
// currently awake.
func (c *Controller) Sleep(ctx context.Context, qid types.QuineId) error {
	c.mu.Lock()
	e, ok := c.awake[qid]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.awake, qid)
	c.mu.Unlock()

	if err := e.actor.Snapshot(ctx); err != nil {
		c.logger.Warn().Err(err).Str("qid", string(qid)).Msg("cost-to-sleep snapshot failed, node will replay journal further next wake")
	}
	e.actor.Close()

	metrics.NodeSleepsTotal.Inc()
	metrics.NodesAwake.Dec()
	c.logger.Debug().Str("qid", string(qid)).Msg("node asleep")
	return nil
}

// SleepAll snapshots and evicts every currently awake node, used on
// clean shutdown.
func (c *Controller) SleepAll(ctx context.Context) {
	c.mu.RLock()
	qids := make([]types.QuineId, 0, len(c.awake))
	for qid := range c.awake {
		qids = append(qids, qid)
	}
	c.mu.RUnlock()

	for _, qid := range qids {
		if err := c.Sleep(ctx, qid); err != nil {
			c.logger.Warn().Err(err).Str("qid", string(qid)).Msg("sleep-all failed for node")
		}
	}
}

// AwakeCount reports how many nodes are currently awake.
func (c *Controller) AwakeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.awake)
}

// StandardFactory builds a NodeFactory sharing one persistor, registry,
// and peer link across every node in a namespace — the common case
// for a single-process deployment (spec §4.7, §6).
func StandardFactory(ns types.Namespace, store persistor.Persistor, registry dgn.Registry, peers dgn.PeerLink, processor edgeproc.Processor, snapshotOn, snapshotOne bool) NodeFactory {
	return func(qid types.QuineId) *node.Node {
		return node.New(node.Config{
			Namespace:   ns,
			QuineId:     qid,
			Store:       store,
			Processor:   processor,
			Clock:       clock.New(),
			Registry:    registry,
			Peers:       peers,
			SnapshotOn:  snapshotOn,
			SnapshotOne: snapshotOne,
		})
	}
}
