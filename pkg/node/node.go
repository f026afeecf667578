// Package node implements the node actor core (spec §4.4, C4): the
// single-writer actor owning one graph node's properties, edges, and
// domain-graph subscription state, coordinating every mutation
// through the configured effect-ordering strategy and dispatching
// post-action notifications to standing-query and domain-graph-node
// subscribers.
package node

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/thatdot/streamgraph/pkg/clock"
	"github.com/thatdot/streamgraph/pkg/dgn"
	"github.com/thatdot/streamgraph/pkg/edgeproc"
	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/index"
	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/metrics"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"
)

// Config bundles the collaborators a Node needs at construction. All
// fields are required except Registry/Peers, which may be nil if the
// node never participates in domain-graph subscriptions.
type Config struct {
	Namespace   types.Namespace
	QuineId     types.QuineId
	Store       persistor.Persistor
	Processor   edgeproc.Processor
	Clock       *clock.Clock
	Registry    dgn.Registry
	Peers       dgn.PeerLink
	SnapshotOn  bool // snapshot after every effective write
	SnapshotOne bool // keep only the latest snapshot per node (vs. one per write)
}

// Node is the actor owning a single graph node's live state. Every
// exported method serializes through a single internal goroutine
// (mailbox), so concurrent callers never race on the node's maps.
type Node struct {
	ns  types.Namespace
	qid types.QuineId

	store     persistor.Persistor
	processor edgeproc.Processor
	clock     *clock.Clock
	registry  dgn.Registry
	dgnEngine *dgn.Engine
	localIdx  *index.Index

	snapshotOn  bool
	snapshotOne bool

	properties map[string]types.PropertyValue
	edges      map[types.HalfEdge]struct{}
	sqWatches  map[types.GlobalSqId]index.WatchSpec

	lifecycle types.Lifecycle
	unhealthy error

	mailbox chan func()
	done    chan struct{}
}

// New constructs a Node in the Asleep lifecycle state. Callers
// (typically the wake controller, pkg/wake) must call
// RestoreFromPersistence before routing any mutations to it.
func New(cfg Config) *Node {
	n := &Node{
		ns:          cfg.Namespace,
		qid:         cfg.QuineId,
		store:       cfg.Store,
		processor:   cfg.Processor,
		clock:       cfg.Clock,
		registry:    cfg.Registry,
		snapshotOn:  cfg.SnapshotOn,
		snapshotOne: cfg.SnapshotOne,
		properties:  make(map[string]types.PropertyValue),
		edges:       make(map[types.HalfEdge]struct{}),
		sqWatches:   make(map[types.GlobalSqId]index.WatchSpec),
		localIdx:    index.New(),
		lifecycle:   types.Asleep,
		mailbox:     make(chan func(), 256),
		done:        make(chan struct{}),
	}
	n.dgnEngine = dgn.New(cfg.QuineId, cfg.Registry, cfg.Peers)
	go n.run()
	return n
}

// run is the actor's single-writer message loop. Sends to mailbox
// queue behind whatever is currently executing — when a
// PersistorFirst write blocks inside a mailbox closure, incoming
// sends simply pile up in the channel, which is exactly the "stash
// and redrain FIFO" suspension the spec describes (§4.4); no separate
// stash buffer is needed because the channel already is one.
func (n *Node) run() {
	for {
		select {
		case fn, ok := <-n.mailbox:
			if !ok {
				close(n.done)
				return
			}
			fn()
		}
	}
}

// Backlog returns the number of mailbox messages queued but not yet
// processed, used by the wake/sleep controller as a cheap proxy for
// "is this node mid-suspension, don't evict it right now" (spec §4.7,
// cost-to-sleep).
func (n *Node) Backlog() int {
	return len(n.mailbox)
}

// Close stops the actor's message loop. A mailbox send after Close
// panics (the mailbox channel is closed); callers must stop submitting
// work first. Calling Close again after it has returned is a no-op.
func (n *Node) Close() {
	select {
	case <-n.done:
		return
	default:
	}
	close(n.mailbox)
	<-n.done
}

// enqueue runs fn on the actor goroutine and waits for it to
// complete, respecting ctx cancellation while waiting to be
// scheduled.
func (n *Node) enqueue(ctx context.Context, fn func() error) error {
	resultCh := make(chan error, 1)
	select {
	case n.mailbox <- func() { resultCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guardMutation implements the entry-point half of guard_events (spec
// §4.4): historical refs never reach the actor at all.
func guardMutation(ref types.NodeRef) error {
	if ref.IsHistorical() {
		return nodeerr.ErrIllegalHistoricalUpdate
	}
	return nil
}

func (n *Node) checkHealthy() error {
	if n.unhealthy != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrNodeUnhealthy, n.unhealthy)
	}
	return nil
}

func (n *Node) markUnhealthy(err error) {
	_ = n.enqueue(context.Background(), func() error {
		if n.unhealthy == nil {
			n.unhealthy = err
			log.WithComponent("node").Error().Err(err).Str("qid", string(n.qid)).Msg("node marked unhealthy")
		}
		return nil
	})
}

// SetProperty journals and applies a property write, a no-op if the
// value is unchanged (spec §3 invariant 3).
func (n *Node) SetProperty(ctx context.Context, ref types.NodeRef, key string, value types.PropertyValue, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		cur, exists := n.properties[key]
		if exists && cur.Equal(value) {
			metrics.EventsNoEffectTotal.WithLabelValues("property").Inc()
			return nil
		}
		change := events.NewPropertyChange(events.PropertyEvent{Kind: events.PropertySet, Key: key, Value: value})
		return n.persistAndApply(ctx, change, atOverride)
	})
}

// RemoveProperty journals and applies a property removal, a no-op if
// the key is already absent.
func (n *Node) RemoveProperty(ctx context.Context, ref types.NodeRef, key string, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		cur, exists := n.properties[key]
		if !exists {
			metrics.EventsNoEffectTotal.WithLabelValues("property").Inc()
			return nil
		}
		change := events.NewPropertyChange(events.PropertyEvent{Kind: events.PropertyRemoved, Key: key, Value: cur})
		return n.persistAndApply(ctx, change, atOverride)
	})
}

// AddEdge journals and applies adding a half-edge, a no-op if the
// identical half-edge already exists.
func (n *Node) AddEdge(ctx context.Context, ref types.NodeRef, edge types.HalfEdge, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		if _, exists := n.edges[edge]; exists {
			metrics.EventsNoEffectTotal.WithLabelValues("edge").Inc()
			return nil
		}
		change := events.NewEdgeChange(events.EdgeEvent{Kind: events.EdgeAdded, HalfEdge: edge})
		return n.persistAndApply(ctx, change, atOverride)
	})
}

// RemoveEdge journals and applies removing a half-edge, a no-op if it
// is not present.
func (n *Node) RemoveEdge(ctx context.Context, ref types.NodeRef, edge types.HalfEdge, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		if _, exists := n.edges[edge]; !exists {
			metrics.EventsNoEffectTotal.WithLabelValues("edge").Inc()
			return nil
		}
		change := events.NewEdgeChange(events.EdgeEvent{Kind: events.EdgeRemoved, HalfEdge: edge})
		return n.persistAndApply(ctx, change, atOverride)
	})
}

// ProcessPropertyEvents is the batch entry point for property
// mutations (spec §4.4 process_property_events, §6
// submit(NodeRef, EventBatch)): only the last event per key in
// batch.Properties is retained before effect-checking (spec §3
// invariant 4), the surviving effective events are stamped and
// persisted as a single atomic call, and applied/post-actioned in
// order.
func (n *Node) ProcessPropertyEvents(ctx context.Context, ref types.NodeRef, batch events.EventBatch, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		deduped := events.DedupeProperties(batch.Properties)
		var effective []events.NodeChangeEvent
		for _, e := range deduped {
			cur, exists := n.properties[e.Key]
			switch {
			case e.Kind == events.PropertySet && exists && cur.Equal(e.Value):
				metrics.EventsNoEffectTotal.WithLabelValues("property").Inc()
			case e.Kind == events.PropertyRemoved && !exists:
				metrics.EventsNoEffectTotal.WithLabelValues("property").Inc()
			default:
				e := e
				if e.Kind == events.PropertyRemoved {
					e.Value = cur
				}
				effective = append(effective, events.NewPropertyChange(e))
			}
		}
		return n.persistAndApplyMany(ctx, effective, atOverride, "property")
	})
}

// ProcessEdgeEvents is the batch entry point for edge mutations (spec
// §4.4 process_edge_events): only the last event per half-edge in
// batch.Edges is retained before effect-checking, mirroring the
// property batch's invariant-4 dedup, then the surviving effective
// events persist and apply atomically.
func (n *Node) ProcessEdgeEvents(ctx context.Context, ref types.NodeRef, batch events.EventBatch, atOverride *types.EventTime) error {
	if err := guardMutation(ref); err != nil {
		return err
	}
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		deduped := events.DedupeEdges(batch.Edges)
		var effective []events.NodeChangeEvent
		for _, e := range deduped {
			_, exists := n.edges[e.HalfEdge]
			switch {
			case e.Kind == events.EdgeAdded && exists:
				metrics.EventsNoEffectTotal.WithLabelValues("edge").Inc()
			case e.Kind == events.EdgeRemoved && !exists:
				metrics.EventsNoEffectTotal.WithLabelValues("edge").Inc()
			default:
				effective = append(effective, events.NewEdgeChange(e))
			}
		}
		return n.persistAndApplyMany(ctx, effective, atOverride, "edge")
	})
}

// persistAndApply stamps change, submits it through the configured
// effect-ordering processor, and runs post-actions once it is safe to
// observe (spec §4.3, §4.4). Must be called from inside the actor
// goroutine.
func (n *Node) persistAndApply(ctx context.Context, change events.NodeChangeEvent, atOverride *types.EventTime) error {
	kind := "property"
	if change.Edge != nil {
		kind = "edge"
	}
	return n.persistAndApplyMany(ctx, []events.NodeChangeEvent{change}, atOverride, kind)
}

// persistAndApplyMany stamps each of changes with a strictly
// increasing EventTime (via clock.Stamp, spec §4.2), submits them as
// one atomic persistor call, and applies/post-actions each in order
// once the processor says it's safe to observe (spec §4.3, §4.4). An
// empty changes list is a no-op that never touches the persistor
// (guard_events step 3). Must be called from inside the actor
// goroutine.
func (n *Node) persistAndApplyMany(ctx context.Context, changes []events.NodeChangeEvent, atOverride *types.EventTime, kind string) error {
	if len(changes) == 0 {
		return nil
	}

	var times []types.EventTime
	if atOverride != nil {
		// The first change takes the override; the rest are stamped
		// after it so no two changes share an EventTime.
		n.clock.BumpTo(*atOverride)
		times = []types.EventTime{*atOverride}
		if len(changes) > 1 {
			times = append(times, n.clock.Stamp(len(changes)-1)...)
		}
	} else {
		times = n.clock.Stamp(len(changes))
	}

	records := make([]persistor.StampedRecord, len(changes))
	for i, change := range changes {
		change := change
		records[i] = persistor.StampedRecord{At: times[i], Change: &change}
	}

	batch := edgeproc.Batch{ChangeEvents: records}
	apply := func() {
		for _, change := range changes {
			n.commitChange(change)
			n.runChangePostActions(ctx, change)
		}
		if n.snapshotOn {
			if err := n.writeSnapshotLocked(ctx); err != nil {
				log.WithComponent("node").Error().Err(err).Str("qid", string(n.qid)).Msg("snapshot-on-update failed")
			}
		}
	}

	err := n.processor.Submit(ctx, n.qid, batch, apply, n.markUnhealthy)
	if err == nil {
		metrics.EventsProcessedTotal.WithLabelValues(kind).Add(float64(len(changes)))
	}
	if errors.Is(err, nodeerr.ErrPersistorPermanent) && n.unhealthy == nil {
		// Already on the actor goroutine: set the field directly instead
		// of going through markUnhealthy's mailbox round trip.
		n.unhealthy = err
		log.WithComponent("node").Error().Err(err).Str("qid", string(n.qid)).Msg("node marked unhealthy")
	}
	return err
}

func (n *Node) commitChange(change events.NodeChangeEvent) {
	switch {
	case change.Property != nil:
		if change.Property.Kind == events.PropertySet {
			n.properties[change.Property.Key] = change.Property.Value
		} else {
			delete(n.properties, change.Property.Key)
		}
	case change.Edge != nil:
		if change.Edge.Kind == events.EdgeAdded {
			n.edges[change.Edge.HalfEdge] = struct{}{}
		} else {
			delete(n.edges, change.Edge.HalfEdge)
		}
	}
}

// runChangePostActions visits every subscriber in the local index
// interested in change (spec §4.4 post-actions). A domain-graph-node
// subscriber has its DGN answer re-evaluated and its subscribers
// notified; one whose DGN has been deregistered globally is removed
// from the index as it's visited (index's "Lookup contract"). A
// multiple-values standing-query subscriber is only counted in
// metrics.StandingQueryNotificationsTotal (outside replay); no update
// is delivered to it from this package.
func (n *Node) runChangePostActions(ctx context.Context, change events.NodeChangeEvent) {
	shouldSendReplies := n.lifecycle != types.Waking

	n.localIdx.StandingQueriesWatching(change, func(sub types.SubscriberRef) bool {
		switch sub.Kind {
		case types.SubscriberMultipleValuesSq:
			if shouldSendReplies {
				metrics.StandingQueryNotificationsTotal.Inc()
			}
			return false
		case types.SubscriberDomainNodeIndex:
			if n.registry == nil || !n.registry.IsRegistered(sub.DgnId) {
				return true // stale, self-heal by removing the watch
			}
			if _, err := n.dgnEngine.UpdateAnswerAndNotifySubscribers(ctx, sub.DgnId, shouldSendReplies, n.localState()); err != nil {
				log.WithComponent("node").Warn().Err(err).Str("qid", string(n.qid)).Msg("dgn re-evaluation failed")
			}
			return false
		default:
			return false
		}
	})
}

func (n *Node) localState() dgn.LocalState {
	return dgn.LocalState{
		Properties: func(key string) (types.PropertyValue, bool) {
			v, ok := n.properties[key]
			return v, ok
		},
		HasEdge: func(label types.EdgeLabel, dir types.Direction, peer types.QuineId) bool {
			_, ok := n.edges[types.HalfEdge{Direction: dir, Label: label, PeerQuineId: peer}]
			return ok
		},
		EdgesTo: func(label types.EdgeLabel, dir types.Direction) []types.QuineId {
			var peers []types.QuineId
			for edge := range n.edges {
				if edge.Label == label && edge.Direction == dir {
					peers = append(peers, edge.PeerQuineId)
				}
			}
			return peers
		},
	}
}

// ReceiveDomainNodeSubscription routes an incoming domain-graph
// subscription request to this node's dgn engine (spec §4.6), via the
// domain-index persistor stream.
func (n *Node) ReceiveDomainNodeSubscription(ctx context.Context, subscriber types.SubscriberId, dgnId types.DomainGraphNodeId, relatedQueries []types.StandingQueryId, shouldSendReplies bool) error {
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		domainEvent := events.DomainIndexEvent{
			Kind:           events.DomainIndexCreateSubscription,
			DgnId:          dgnId,
			Subscriber:     subscriber,
			RelatedQueries: relatedQueries,
		}
		at := n.clock.Tick()
		batch := edgeproc.Batch{
			DomainEvents: []persistor.StampedRecord{{At: at, Domain: &domainEvent}},
		}
		apply := func() {
			if err := n.dgnEngine.ReceiveDomainNodeSubscription(ctx, subscriber, dgnId, relatedQueries, shouldSendReplies, n.localState()); err != nil {
				log.WithComponent("node").Warn().Err(err).Str("qid", string(n.qid)).Msg("domain subscription intake failed")
			}
			// Watch the DGN's required properties and edge labels so later
			// local changes re-evaluate it in runChangePostActions.
			if n.registry != nil {
				if def, ok := n.registry.Get(dgnId); ok {
					sub := types.SubscriberRef{Kind: types.SubscriberDomainNodeIndex, DgnId: dgnId}
					for key := range def.RequiredProperties {
						n.localIdx.WatchProperty(key, sub)
					}
					for _, req := range def.RequiredEdges {
						n.localIdx.WatchEdge(req.Label, sub)
					}
				}
			}
		}
		return n.processor.Submit(ctx, n.qid, batch, apply, n.markUnhealthy)
	})
}

// ReceiveIndexUpdate applies a peer's reported answer for a DGN this
// node depends on, and re-evaluates every local DGN that depends on
// it (spec §4.6).
func (n *Node) ReceiveIndexUpdate(ctx context.Context, fromPeer types.QuineId, dgnId types.DomainGraphNodeId, result bool) error {
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		domainEvent := events.DomainIndexEvent{
			Kind:     events.DomainIndexResultUpdate,
			DgnId:    dgnId,
			FromPeer: fromPeer,
			Result:   &result,
		}
		at := n.clock.Tick()
		batch := edgeproc.Batch{
			DomainEvents: []persistor.StampedRecord{{At: at, Domain: &domainEvent}},
		}
		apply := func() {
			dependents := n.dgnEngine.ReceiveIndexUpdate(fromPeer, dgnId, result)
			shouldSendReplies := n.lifecycle != types.Waking
			for _, dep := range dependents {
				if _, err := n.dgnEngine.UpdateAnswerAndNotifySubscribers(ctx, dep, shouldSendReplies, n.localState()); err != nil {
					log.WithComponent("node").Warn().Err(err).Str("qid", string(n.qid)).Msg("dependent dgn re-evaluation failed")
				}
			}
		}
		return n.processor.Submit(ctx, n.qid, batch, apply, n.markUnhealthy)
	})
}

// CancelDomainSubscription unwinds a domain-graph subscription (spec §4.6).
func (n *Node) CancelDomainSubscription(ctx context.Context, dgnId types.DomainGraphNodeId, from *types.SubscriberId, shouldSendReplies bool) error {
	return n.enqueue(ctx, func() error {
		if err := n.checkHealthy(); err != nil {
			return err
		}
		domainEvent := events.DomainIndexEvent{
			Kind:  events.DomainIndexCancelSubscription,
			DgnId: dgnId,
		}
		if from != nil {
			domainEvent.Subscriber = *from
		}
		at := n.clock.Tick()
		batch := edgeproc.Batch{
			DomainEvents: []persistor.StampedRecord{{At: at, Domain: &domainEvent}},
		}
		apply := func() {
			if err := n.dgnEngine.CancelSubscription(ctx, dgnId, from, shouldSendReplies); err != nil {
				log.WithComponent("node").Warn().Err(err).Str("qid", string(n.qid)).Msg("cancel subscription failed")
			}
		}
		return n.processor.Submit(ctx, n.qid, batch, apply, n.markUnhealthy)
	})
}

// WatchStandingQuery registers part as watching the property/edge
// keys spec describes, used by the (out-of-scope) standing query
// coordinator to wire up a multiple-values query part against this
// node's local index.
func (n *Node) WatchStandingQuery(ctx context.Context, part types.GlobalSqId, spec index.WatchSpec) error {
	if part.PartId == "" {
		part.PartId = types.NewPartId()
	}
	return n.enqueue(ctx, func() error {
		n.sqWatches[part] = spec
		sub := types.SubscriberRef{Kind: types.SubscriberMultipleValuesSq, Sq: part}
		for _, key := range spec.PropertyKeys {
			n.localIdx.WatchProperty(key, sub)
		}
		for _, label := range spec.EdgeLabels {
			n.localIdx.WatchEdge(label, sub)
		}
		if spec.AnyEdge {
			n.localIdx.WatchAnyEdge(sub)
		}
		return nil
	})
}

// DebugState is the diagnostic snapshot returned by DebugInternalState
// (spec §4.4: debug_internal_state()).
type DebugState struct {
	QuineId     types.QuineId
	Lifecycle   types.Lifecycle
	Unhealthy   error
	Properties  map[string]types.PropertyValue
	Edges       []types.HalfEdge
	LastEventAt types.EventTime
}

// DebugInternalState returns a point-in-time copy of the node's state
// for diagnostics. Safe to call from outside the actor goroutine.
func (n *Node) DebugInternalState(ctx context.Context) (DebugState, error) {
	var out DebugState
	err := n.enqueue(ctx, func() error {
		out = DebugState{
			QuineId:     n.qid,
			Lifecycle:   n.lifecycle,
			Unhealthy:   n.unhealthy,
			Properties:  make(map[string]types.PropertyValue, len(n.properties)),
			Edges:       make([]types.HalfEdge, 0, len(n.edges)),
			LastEventAt: n.clock.Peek(),
		}
		for k, v := range n.properties {
			out.Properties[k] = v
		}
		for e := range n.edges {
			out.Edges = append(out.Edges, e)
		}
		return nil
	})
	return out, err
}

// Hash returns a 64-bit FNV-1a content hash of the node's QuineId,
// current properties and edges (spec §4.4: get_node_hash()), useful for cross-replica
// consistency checks. Order-independent: keys/edges are sorted before
// hashing so the result doesn't depend on Go's randomized map
// iteration order.
func (n *Node) Hash(ctx context.Context) (uint64, error) {
	var h uint64
	err := n.enqueue(ctx, func() error {
		h = n.hashLocked()
		return nil
	})
	return h, err
}

func (n *Node) hashLocked() uint64 {
	sum := fnv.New64a()
	fmt.Fprintf(sum, "q:%s\n", n.qid)

	keys := make([]string, 0, len(n.properties))
	for k := range n.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sum, "p:%s=%x\n", k, n.properties[k].Serialized)
	}

	edges := make([]string, 0, len(n.edges))
	for e := range n.edges {
		edges = append(edges, e.String())
	}
	sort.Strings(edges)
	for _, e := range edges {
		fmt.Fprintf(sum, "e:%s\n", e)
	}

	return sum.Sum64()
}

// writeSnapshotLocked serializes the current state and persists it.
// Must be called from inside the actor goroutine.
func (n *Node) writeSnapshotLocked(ctx context.Context) error {
	snap := &events.Snapshot{
		At:         n.clock.Peek(),
		Properties: n.properties,
	}
	for e := range n.edges {
		snap.Edges = append(snap.Edges, e)
	}
	for dgnId, rec := range n.dgnEngine.Subscribers() {
		wire := events.SnapshotSubscriberRecord{
			DgnId:            dgnId,
			LastNotification: rec.LastNotification,
			RelatedQueries:   make([]types.StandingQueryId, 0, len(rec.RelatedQueries)),
		}
		for sub := range rec.Subscribers {
			wire.Subscribers = append(wire.Subscribers, sub)
		}
		for q := range rec.RelatedQueries {
			wire.RelatedQueries = append(wire.RelatedQueries, q)
		}
		snap.Subscribers = append(snap.Subscribers, wire)
	}
	for peer, byDgn := range n.dgnEngine.DomainNodeIndex() {
		for dgnId, result := range byDgn {
			snap.DomainNodeIndex = append(snap.DomainNodeIndex, events.SnapshotIndexEntry{
				Peer: peer, DgnId: dgnId, LastNotification: result,
			})
		}
	}
	for sq, spec := range n.sqWatches {
		snap.SqWatches = append(snap.SqWatches, events.SnapshotSqWatch{
			Sq: sq, PropertyKeys: spec.PropertyKeys, EdgeLabels: spec.EdgeLabels, AnyEdge: spec.AnyEdge,
		})
	}

	bytes, err := events.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("node: encode snapshot: %w", err)
	}
	at := snap.At
	if n.snapshotOne {
		at = types.MaxEventTime
	}
	if err := n.store.PersistSnapshot(ctx, n.qid, at, bytes); err != nil {
		return err
	}
	metrics.SnapshotsTotal.Inc()
	return nil
}

// Snapshot forces a snapshot write regardless of the SnapshotOn
// setting, used by the wake/sleep controller before a node goes to
// sleep (spec §4.7, "cost-to-sleep").
func (n *Node) Snapshot(ctx context.Context) error {
	return n.enqueue(ctx, func() error {
		return n.writeSnapshotLocked(ctx)
	})
}
