package node

import (
	"context"
	"fmt"

	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/index"
	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/types"
)

// Lifecycle returns the node's current wakeful state. Safe to call
// from outside the actor goroutine. The wake controller (pkg/wake)
// does not consult it; its eviction sweep uses Backlog and idle time.
func (n *Node) Lifecycle(ctx context.Context) (types.Lifecycle, error) {
	var out types.Lifecycle
	err := n.enqueue(ctx, func() error {
		out = n.lifecycle
		return nil
	})
	return out, err
}

// RestoreFromPersistence executes the wake sequence (spec §4.7): load
// the latest snapshot, replay the journal forward from it with
// should_send_replies=false, rebuild the local event index, and
// garbage-collect any domain-graph subscriptions referencing DGNs
// that are no longer globally registered. Must be called exactly
// once, before the node is marked Awake and opened to new mutations.
func (n *Node) RestoreFromPersistence(ctx context.Context) error {
	return n.enqueue(ctx, func() error {
		n.lifecycle = types.Waking

		from := types.ZeroEventTime
		if snap, ok, err := n.loadLatestSnapshot(ctx); err != nil {
			return err
		} else if ok {
			from = nextEventTime(snap.At)
		}

		entries, err := n.store.GetJournalWithTime(ctx, n.qid, from, types.MaxEventTime, true)
		if err != nil {
			return fmt.Errorf("node: restore journal read: %w", err)
		}
		for _, entry := range entries {
			n.clock.BumpTo(entry.At)
			switch {
			case entry.Change != nil:
				n.commitChange(*entry.Change)
				n.runChangePostActions(ctx, *entry.Change)
			case entry.Domain != nil:
				n.replayDomainIndexEvent(ctx, *entry.Domain)
			}
		}

		stale := n.dgnEngine.GarbageCollectStale()
		n.rebuildLocalIndex(stale)

		n.lifecycle = types.Awake
		return nil
	})
}

// loadLatestSnapshot fetches and applies the most recent snapshot, if
// any, populating properties, edges, and dgn engine state.
func (n *Node) loadLatestSnapshot(ctx context.Context) (*events.Snapshot, bool, error) {
	_, bytes, ok, err := n.store.GetLatestSnapshot(ctx, n.qid, types.MaxEventTime)
	if err != nil {
		return nil, false, fmt.Errorf("node: restore snapshot read: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	snap, err := events.DecodeSnapshot(bytes)
	if err != nil {
		return nil, false, fmt.Errorf("node: restore snapshot decode: %w", err)
	}

	n.properties = make(map[string]types.PropertyValue, len(snap.Properties))
	for k, v := range snap.Properties {
		n.properties[k] = v
	}
	n.edges = make(map[types.HalfEdge]struct{}, len(snap.Edges))
	for _, e := range snap.Edges {
		n.edges[e] = struct{}{}
	}

	subscribers := make(map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord, len(snap.Subscribers))
	for _, wire := range snap.Subscribers {
		rec := types.NewDomainSubscriptionRecord()
		for _, s := range wire.Subscribers {
			rec.Subscribers[s] = struct{}{}
		}
		for _, q := range wire.RelatedQueries {
			rec.RelatedQueries[q] = struct{}{}
		}
		rec.LastNotification = wire.LastNotification
		subscribers[wire.DgnId] = rec
	}
	domainIndex := make(map[types.QuineId]map[types.DomainGraphNodeId]*bool)
	for _, entry := range snap.DomainNodeIndex {
		byDgn, ok := domainIndex[entry.Peer]
		if !ok {
			byDgn = make(map[types.DomainGraphNodeId]*bool)
			domainIndex[entry.Peer] = byDgn
		}
		byDgn[entry.DgnId] = entry.LastNotification
	}
	n.dgnEngine.RestoreFrom(subscribers, domainIndex)

	n.sqWatches = make(map[types.GlobalSqId]index.WatchSpec, len(snap.SqWatches))
	for _, w := range snap.SqWatches {
		n.sqWatches[w.Sq] = index.WatchSpec{PropertyKeys: w.PropertyKeys, EdgeLabels: w.EdgeLabels, AnyEdge: w.AnyEdge}
	}

	return snap, true, nil
}

// replayDomainIndexEvent applies a journaled domain-index event
// during wake, without re-persisting it (it's already durable) and
// without notifying peers (replay-mode suppression, spec §4.6).
func (n *Node) replayDomainIndexEvent(ctx context.Context, e events.DomainIndexEvent) {
	var err error
	switch e.Kind {
	case events.DomainIndexCreateSubscription:
		err = n.dgnEngine.ReceiveDomainNodeSubscription(ctx, e.Subscriber, e.DgnId, e.RelatedQueries, false, n.localState())
	case events.DomainIndexCancelSubscription:
		var from *types.SubscriberId
		if e.Subscriber != (types.SubscriberId{}) {
			from = &e.Subscriber
		}
		err = n.dgnEngine.CancelSubscription(ctx, e.DgnId, from, false)
	case events.DomainIndexResult, events.DomainIndexResultUpdate:
		if e.Result != nil {
			n.dgnEngine.ReceiveIndexUpdate(e.FromPeer, e.DgnId, *e.Result)
		}
	}
	if err != nil {
		log.WithComponent("node").Warn().Err(err).Str("qid", string(n.qid)).Msg("replay of domain-index event failed")
	}
}

// rebuildLocalIndex reconstructs the local event index from the
// node's current domain subscriptions and standing-query watches
// (spec §4.5: "Reconstruction after journal restoration"), logging
// any DGN ids garbage-collected as stale by the caller.
func (n *Node) rebuildLocalIndex(staleFromGc []types.DomainGraphNodeId) {
	domainSubs := make(map[types.DomainGraphNodeId]index.WatchSpec)
	for dgnId := range n.dgnEngine.Subscribers() {
		def, ok := n.registry.Get(dgnId)
		if !ok {
			continue // already excluded by GarbageCollectStale
		}
		var spec index.WatchSpec
		for key := range def.RequiredProperties {
			spec.PropertyKeys = append(spec.PropertyKeys, key)
		}
		seen := make(map[types.EdgeLabel]struct{})
		for _, req := range def.RequiredEdges {
			if _, ok := seen[req.Label]; ok {
				continue
			}
			seen[req.Label] = struct{}{}
			spec.EdgeLabels = append(spec.EdgeLabels, req.Label)
		}
		domainSubs[dgnId] = spec
	}

	registered := make(map[types.DomainGraphNodeId]struct{})
	if n.registry != nil {
		for dgnId := range n.dgnEngine.Subscribers() {
			if n.registry.IsRegistered(dgnId) {
				registered[dgnId] = struct{}{}
			}
		}
	}

	mvSubs := make(map[types.GlobalSqId]index.WatchSpec, len(n.sqWatches))
	for sq, spec := range n.sqWatches {
		mvSubs[sq] = spec
	}

	rebuilt, stale := index.Reconstruct(index.Sources{
		DomainSubscriptions:         domainSubs,
		MultipleValuesSubscriptions: mvSubs,
		RegisteredDgns:              registered,
	})
	n.localIdx = rebuilt

	for _, dgnId := range append(stale, staleFromGc...) {
		log.WithComponent("node").Info().Str("qid", string(n.qid)).Str("dgn", string(dgnId)).Msg("garbage-collected stale domain-graph-node subscription")
	}
}

func nextEventTime(at types.EventTime) types.EventTime {
	if at.Sequence == ^uint32(0) {
		return types.EventTime{WallMillis: at.WallMillis + 1, Sequence: 0}
	}
	return types.EventTime{WallMillis: at.WallMillis, Sequence: at.Sequence + 1}
}
