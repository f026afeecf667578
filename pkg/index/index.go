// Package index implements the local event index (spec §4.5, C5): the
// per-node structure mapping property/edge events to the standing
// query and domain-graph-node subscribers interested in them.
package index

import (
	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/types"
)

// Index is the three sub-indexes over one node's events.
type Index struct {
	watchingForProperty map[string]map[types.SubscriberRef]struct{}
	watchingForEdge     map[types.EdgeLabel]map[types.SubscriberRef]struct{}
	watchingForAnyEdge  map[types.SubscriberRef]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{
		watchingForProperty: make(map[string]map[types.SubscriberRef]struct{}),
		watchingForEdge:     make(map[types.EdgeLabel]map[types.SubscriberRef]struct{}),
		watchingForAnyEdge:  make(map[types.SubscriberRef]struct{}),
	}
}

// WatchProperty registers sub as interested in changes to key.
func (ix *Index) WatchProperty(key string, sub types.SubscriberRef) {
	set, ok := ix.watchingForProperty[key]
	if !ok {
		set = make(map[types.SubscriberRef]struct{})
		ix.watchingForProperty[key] = set
	}
	set[sub] = struct{}{}
}

// WatchEdge registers sub as interested in edges carrying label.
func (ix *Index) WatchEdge(label types.EdgeLabel, sub types.SubscriberRef) {
	set, ok := ix.watchingForEdge[label]
	if !ok {
		set = make(map[types.SubscriberRef]struct{})
		ix.watchingForEdge[label] = set
	}
	set[sub] = struct{}{}
}

// WatchAnyEdge registers sub as interested in every edge event
// regardless of label.
func (ix *Index) WatchAnyEdge(sub types.SubscriberRef) {
	ix.watchingForAnyEdge[sub] = struct{}{}
}

// Unwatch removes sub from every sub-index it appears in.
func (ix *Index) Unwatch(sub types.SubscriberRef) {
	for _, set := range ix.watchingForProperty {
		delete(set, sub)
	}
	for _, set := range ix.watchingForEdge {
		delete(set, sub)
	}
	delete(ix.watchingForAnyEdge, sub)
}

// StandingQueriesWatching invokes callback(subscriber) for each
// subscriber interested in event, in an unspecified but stable order
// per call. If callback returns true for a given subscriber, that
// subscription is removed from the index before StandingQueriesWatching
// returns — used when a DGN has disappeared globally (spec §4.5
// "Lookup contract").
func (ix *Index) StandingQueriesWatching(event events.NodeChangeEvent, callback func(types.SubscriberRef) bool) {
	var interested []types.SubscriberRef

	switch {
	case event.Property != nil:
		if set, ok := ix.watchingForProperty[event.Property.Key]; ok {
			for sub := range set {
				interested = append(interested, sub)
			}
		}
	case event.Edge != nil:
		if set, ok := ix.watchingForEdge[event.Edge.HalfEdge.Label]; ok {
			for sub := range set {
				interested = append(interested, sub)
			}
		}
		for sub := range ix.watchingForAnyEdge {
			interested = append(interested, sub)
		}
	}

	for _, sub := range interested {
		if callback(sub) {
			ix.Unwatch(sub)
		}
	}
}

// Sources supplies the two pieces of node state Reconstruct rebuilds
// the index from (spec §4.5): the node's current domain-graph
// subscribers (as property/edge watches required to answer their
// DGNs) and its current multiple-values standing queries.
type Sources struct {
	// DomainSubscriptions maps a registered DGN id to the property keys
	// and edge labels (or "any edge") its local evaluation depends on.
	DomainSubscriptions map[types.DomainGraphNodeId]WatchSpec
	// MultipleValuesSubscriptions maps a (sq, part) to the same.
	MultipleValuesSubscriptions map[types.GlobalSqId]WatchSpec
	// RegisteredDgns is the current global DGN registry membership,
	// used to detect entries that are stale (no longer registered).
	RegisteredDgns map[types.DomainGraphNodeId]struct{}
}

// WatchSpec names what a subscriber needs to be notified about.
type WatchSpec struct {
	PropertyKeys []string
	EdgeLabels   []types.EdgeLabel
	AnyEdge      bool
}

// Reconstruct rebuilds an Index from the current domain-graph
// subscribers and multiple-values standing queries recorded on a node
// (spec §4.5: "Reconstruction after journal restoration"). It returns
// the rebuilt index and the set of DGN ids referenced by
// DomainSubscriptions that are not present in RegisteredDgns — the
// caller garbage-collects those stale entries.
func Reconstruct(src Sources) (*Index, []types.DomainGraphNodeId) {
	ix := New()
	var stale []types.DomainGraphNodeId

	for dgn, spec := range src.DomainSubscriptions {
		if _, ok := src.RegisteredDgns[dgn]; !ok {
			stale = append(stale, dgn)
			continue
		}
		sub := types.SubscriberRef{Kind: types.SubscriberDomainNodeIndex, DgnId: dgn}
		applySpec(ix, spec, sub)
	}

	for sq, spec := range src.MultipleValuesSubscriptions {
		sub := types.SubscriberRef{Kind: types.SubscriberMultipleValuesSq, Sq: sq}
		applySpec(ix, spec, sub)
	}

	return ix, stale
}

func applySpec(ix *Index, spec WatchSpec, sub types.SubscriberRef) {
	for _, key := range spec.PropertyKeys {
		ix.WatchProperty(key, sub)
	}
	for _, label := range spec.EdgeLabels {
		ix.WatchEdge(label, sub)
	}
	if spec.AnyEdge {
		ix.WatchAnyEdge(sub)
	}
}
