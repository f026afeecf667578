// Package types defines the core data model of the graph interpreter:
// node identity, the per-node logical clock value, and the shapes that
// make up a live node's in-memory state.
package types

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// QuineId is the stable binary identifier of a graph node.
type QuineId string

// Namespace partitions nodes into independent graphs sharing one cluster.
type Namespace string

// NodeRef addresses a node, live or historical.
//
// AtTime == nil denotes the live node. AtTime != nil denotes a
// historical, read-only view of the node as of that EventTime;
// historical refs refuse all mutations (IllegalHistoricalUpdate).
type NodeRef struct {
	Namespace Namespace
	QuineId   QuineId
	AtTime    *EventTime
}

// IsHistorical reports whether this ref denotes a point-in-time,
// read-only view rather than the live node.
func (r NodeRef) IsHistorical() bool {
	return r.AtTime != nil
}

func (r NodeRef) String() string {
	if r.AtTime == nil {
		return fmt.Sprintf("%s/%s", r.Namespace, r.QuineId)
	}
	return fmt.Sprintf("%s/%s@%s", r.Namespace, r.QuineId, r.AtTime)
}

// EventTime is a monotonic per-node logical clock: wall-clock
// milliseconds plus a sequence number that breaks ties within the
// same millisecond. EventTimes are compared lexicographically on
// (WallMillis, Sequence).
type EventTime struct {
	WallMillis int64
	Sequence   uint32
}

// MaxEventTime is the sentinel used to key a singleton snapshot and as
// the upper bound of an unbounded journal read.
var MaxEventTime = EventTime{WallMillis: 1<<63 - 1, Sequence: 1<<32 - 1}

// ZeroEventTime is less than every EventTime a clock can ever issue.
var ZeroEventTime = EventTime{}

// Less reports whether t occurs strictly before o.
func (t EventTime) Less(o EventTime) bool {
	if t.WallMillis != o.WallMillis {
		return t.WallMillis < o.WallMillis
	}
	return t.Sequence < o.Sequence
}

// LessOrEqual reports whether t occurs at or before o.
func (t EventTime) LessOrEqual(o EventTime) bool {
	return t == o || t.Less(o)
}

func (t EventTime) String() string {
	return fmt.Sprintf("%d.%d", t.WallMillis, t.Sequence)
}

// Bytes encodes t as a 12-byte big-endian key, suitable for ordered
// iteration in a key-value store (persistor journal keys rely on
// this ordering matching EventTime.Less).
func (t EventTime) Bytes() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.WallMillis))
	binary.BigEndian.PutUint32(buf[8:12], t.Sequence)
	return buf
}

// EventTimeFromBytes decodes the encoding produced by Bytes.
func EventTimeFromBytes(b []byte) (EventTime, error) {
	if len(b) != 12 {
		return EventTime{}, fmt.Errorf("types: invalid EventTime encoding, want 12 bytes, got %d", len(b))
	}
	return EventTime{
		WallMillis: int64(binary.BigEndian.Uint64(b[0:8])),
		Sequence:   binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// PropertyValue is an opaque, serialized property payload. Deserialized
// is an optional cached view; it is never consulted for equality or
// hashing, only Serialized is.
type PropertyValue struct {
	Serialized   []byte
	Deserialized any
}

// Equal compares two property values by their serialized bytes, which
// is the only form the event-dedup invariants (spec §3 invariant 3)
// reason about.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if len(v.Serialized) != len(o.Serialized) {
		return false
	}
	for i := range v.Serialized {
		if v.Serialized[i] != o.Serialized[i] {
			return false
		}
	}
	return true
}

// Direction is the orientation of a half-edge from this node's
// perspective.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
	Undirected
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Undirected:
		return "undirected"
	default:
		return "unknown"
	}
}

// EdgeLabel names the relationship a half-edge represents.
type EdgeLabel string

// HalfEdge is this node's side of an edge to a peer. Two half-edges
// with identical fields are the same edge; duplicates are forbidden
// in a node's edge collection.
type HalfEdge struct {
	Direction    Direction
	Label        EdgeLabel
	PeerQuineId  QuineId
}

func (h HalfEdge) String() string {
	return fmt.Sprintf("%s-%s->%s", h.Direction, h.Label, h.PeerQuineId)
}

// DomainGraphNodeId (DGN) identifies a globally registered pattern
// fragment of a standing query.
type DomainGraphNodeId string

// StandingQueryId identifies a long-lived, continuously evaluated
// pattern matcher.
type StandingQueryId string

// PartId identifies one partial-match slot of a multiple-values
// standing query.
type PartId string

// NewStandingQueryId mints a fresh identifier for a standing query
// registered without a caller-supplied one, the same way the teacher
// mints ids for runtime-created objects (uuid.New().String()).
func NewStandingQueryId() StandingQueryId {
	return StandingQueryId(uuid.New().String())
}

// NewPartId mints a fresh identifier for one partial-match slot of a
// multiple-values standing query.
func NewPartId() PartId {
	return PartId(uuid.New().String())
}

// GlobalSqId pairs a standing query with the part of its pattern a
// given node is responsible for matching.
type GlobalSqId struct {
	StandingQueryId StandingQueryId
	PartId          PartId
}

// SubscriberKind discriminates the two kinds of entity that can watch
// this node's local event index.
type SubscriberKind uint8

const (
	SubscriberMultipleValuesSq SubscriberKind = iota
	SubscriberDomainNodeIndex
)

// SubscriberRef is a tagged reference to a subscriber of this node's
// local event index: either one part of a multiple-values standing
// query, or a domain-graph-node index entry.
type SubscriberRef struct {
	Kind   SubscriberKind
	Sq     GlobalSqId
	DgnId  DomainGraphNodeId
}

func (s SubscriberRef) String() string {
	switch s.Kind {
	case SubscriberMultipleValuesSq:
		return fmt.Sprintf("mvsq(%s/%s)", s.Sq.StandingQueryId, s.Sq.PartId)
	case SubscriberDomainNodeIndex:
		return fmt.Sprintf("dgn(%s)", s.DgnId)
	default:
		return "subscriber(unknown)"
	}
}

// SubscriberId is either a peer node or a standing query, used as a
// domain graph subscriber identity (spec §3, subscribers set).
type SubscriberId struct {
	IsQuineId bool
	QuineId   QuineId
	SqId      StandingQueryId
}

// DomainSubscriptionRecord tracks who is watching this node answer for
// a given DGN and which standing queries care about the answer.
type DomainSubscriptionRecord struct {
	Subscribers      map[SubscriberId]struct{}
	LastNotification *bool
	RelatedQueries   map[StandingQueryId]struct{}
}

// NewDomainSubscriptionRecord returns an empty record ready for use.
func NewDomainSubscriptionRecord() *DomainSubscriptionRecord {
	return &DomainSubscriptionRecord{
		Subscribers:    make(map[SubscriberId]struct{}),
		RelatedQueries: make(map[StandingQueryId]struct{}),
	}
}

// Lifecycle is the wakeful state of a node (spec §3/§4.7).
type Lifecycle uint8

const (
	Asleep Lifecycle = iota
	Waking
	Awake
	GoingToSleep
)

func (l Lifecycle) String() string {
	switch l {
	case Asleep:
		return "asleep"
	case Waking:
		return "waking"
	case Awake:
		return "awake"
	case GoingToSleep:
		return "going-to-sleep"
	default:
		return "unknown"
	}
}

// EffectOrder is the global persistence-ordering policy selected at
// node construction (spec §4.3, Glossary).
type EffectOrder uint8

const (
	// PersistorFirst durable-before-visible: suspend, persist, then apply.
	PersistorFirst EffectOrder = iota
	// MemoryFirst visible-before-durable: apply, then persist with
	// infinite retry in the background.
	MemoryFirst
)

func (o EffectOrder) String() string {
	switch o {
	case PersistorFirst:
		return "persistor-first"
	case MemoryFirst:
		return "memory-first"
	default:
		return "unknown"
	}
}

func ParseEffectOrder(s string) (EffectOrder, error) {
	switch s {
	case "persistor-first":
		return PersistorFirst, nil
	case "memory-first":
		return MemoryFirst, nil
	default:
		return 0, fmt.Errorf("types: unknown effect order %q", s)
	}
}
