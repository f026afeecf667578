// Package events defines the node's event model (spec §3, §4.1): the
// three event kinds journaled for a node, and the journal record
// encoding used to persist and replay them.
package events

import (
	"fmt"

	"github.com/thatdot/streamgraph/pkg/types"
)

// Tag discriminates the journal record's payload kind (spec §6,
// Journal record).
type Tag uint8

const (
	TagPropertyEvent Tag = iota + 1
	TagEdgeEvent
	TagDomainIndexEvent
)

// PropertyEventKind discriminates PropertySet from PropertyRemoved.
type PropertyEventKind uint8

const (
	PropertySet PropertyEventKind = iota
	PropertyRemoved
)

// PropertyEvent is a mutation to one property key.
//
// A PropertySet is only ever journaled if properties[key] != Value
// (effect-deduplication, spec §3 invariant 3); a PropertyRemoved only
// if the key is currently present.
type PropertyEvent struct {
	Kind     PropertyEventKind
	Key      string
	Value    types.PropertyValue // set: new value. removed: previous value, for diagnostics.
}

func (e PropertyEvent) String() string {
	if e.Kind == PropertySet {
		return fmt.Sprintf("PropertySet(%s)", e.Key)
	}
	return fmt.Sprintf("PropertyRemoved(%s)", e.Key)
}

// EdgeEventKind discriminates EdgeAdded from EdgeRemoved.
type EdgeEventKind uint8

const (
	EdgeAdded EdgeEventKind = iota
	EdgeRemoved
)

// EdgeEvent is a mutation to the node's half-edge collection.
type EdgeEvent struct {
	Kind     EdgeEventKind
	HalfEdge types.HalfEdge
}

func (e EdgeEvent) String() string {
	if e.Kind == EdgeAdded {
		return fmt.Sprintf("EdgeAdded(%s)", e.HalfEdge)
	}
	return fmt.Sprintf("EdgeRemoved(%s)", e.HalfEdge)
}

// DomainIndexEventKind discriminates the four domain-index event
// variants (spec §3).
type DomainIndexEventKind uint8

const (
	DomainIndexCreateSubscription DomainIndexEventKind = iota
	DomainIndexCancelSubscription
	DomainIndexResult
	DomainIndexResultUpdate
)

// DomainIndexEvent carries a domain-graph subscription lifecycle
// transition or an upstream result for this node's local index (C6).
type DomainIndexEvent struct {
	Kind           DomainIndexEventKind
	DgnId          types.DomainGraphNodeId
	Subscriber     types.SubscriberId
	RelatedQueries []types.StandingQueryId
	FromPeer       types.QuineId
	Result         *bool // nil for subscribe/cancel; set for result/result-update.
}

// NodeChangeEvent is either a PropertyEvent or an EdgeEvent: the two
// kinds that mutate a node's observable state and are eligible for
// post-action dispatch to standing-query subscribers (spec §4.4).
type NodeChangeEvent struct {
	Property *PropertyEvent
	Edge     *EdgeEvent
}

func NewPropertyChange(e PropertyEvent) NodeChangeEvent { return NodeChangeEvent{Property: &e} }
func NewEdgeChange(e EdgeEvent) NodeChangeEvent          { return NodeChangeEvent{Edge: &e} }

func (e NodeChangeEvent) String() string {
	if e.Property != nil {
		return e.Property.String()
	}
	if e.Edge != nil {
		return e.Edge.String()
	}
	return "NodeChangeEvent(empty)"
}

// StampedEvent pairs a NodeChangeEvent with the EventTime the actor
// clock assigned it before it was journaled.
type StampedEvent struct {
	At    types.EventTime
	Event NodeChangeEvent
}

// EventBatch is an atomic-per-node submission of property and/or edge
// mutations (spec §4.4 process_property_events/process_edge_events,
// §6 submit(NodeRef, EventBatch)). process_property_events only
// consults Properties; process_edge_events only consults Edges — one
// type serves both since the wire-level submit entrypoint doesn't
// distinguish them.
//
// Within a batch, only the last event per key (property key, or
// half-edge) is retained before effect-checking (spec §3 invariant
// 4): submitting PropertySet("x",1), PropertySet("x",2) in one batch
// journals only PropertySet("x",2), if anything.
type EventBatch struct {
	Properties []PropertyEvent
	Edges      []EdgeEvent
}

// DedupeProperties keeps only the last PropertyEvent per key, in the
// order each surviving key was first seen.
func DedupeProperties(events []PropertyEvent) []PropertyEvent {
	last := make(map[string]PropertyEvent, len(events))
	var order []string
	for _, e := range events {
		if _, seen := last[e.Key]; !seen {
			order = append(order, e.Key)
		}
		last[e.Key] = e
	}
	out := make([]PropertyEvent, 0, len(order))
	for _, key := range order {
		out = append(out, last[key])
	}
	return out
}

// DedupeEdges keeps only the last EdgeEvent per half-edge, in the
// order each surviving half-edge was first seen.
func DedupeEdges(events []EdgeEvent) []EdgeEvent {
	last := make(map[types.HalfEdge]EdgeEvent, len(events))
	var order []types.HalfEdge
	for _, e := range events {
		if _, seen := last[e.HalfEdge]; !seen {
			order = append(order, e.HalfEdge)
		}
		last[e.HalfEdge] = e
	}
	out := make([]EdgeEvent, 0, len(order))
	for _, he := range order {
		out = append(out, last[he])
	}
	return out
}

// JournalRecord is the on-disk shape of one journaled event (spec §6).
type JournalRecord struct {
	QuineId types.QuineId
	At      types.EventTime
	Tag     Tag
	Payload []byte
}
