package events

import (
	"encoding/json"
	"fmt"

	"github.com/thatdot/streamgraph/pkg/types"
)

// CodecVersion is the version byte prefixed to every encoded journal
// record and snapshot payload, so the codec can evolve without
// breaking readers of older data (spec §6: "forward/backward
// compatible across minor versions via a version byte prefix").
const CodecVersion byte = 1

// EncodeJournalPayload serializes a NodeChangeEvent or DomainIndexEvent
// into the bytes a JournalRecord carries.
func EncodeJournalPayload(tag Tag, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("events: encode payload: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, CodecVersion)
	out = append(out, body...)
	return out, nil
}

// DecodePropertyEvent decodes a versioned PropertyEvent payload.
func DecodePropertyEvent(b []byte) (PropertyEvent, error) {
	var e PropertyEvent
	if err := decodeVersioned(b, &e); err != nil {
		return PropertyEvent{}, err
	}
	return e, nil
}

// DecodeEdgeEvent decodes a versioned EdgeEvent payload.
func DecodeEdgeEvent(b []byte) (EdgeEvent, error) {
	var e EdgeEvent
	if err := decodeVersioned(b, &e); err != nil {
		return EdgeEvent{}, err
	}
	return e, nil
}

// DecodeDomainIndexEvent decodes a versioned DomainIndexEvent payload.
func DecodeDomainIndexEvent(b []byte) (DomainIndexEvent, error) {
	var e DomainIndexEvent
	if err := decodeVersioned(b, &e); err != nil {
		return DomainIndexEvent{}, err
	}
	return e, nil
}

func decodeVersioned(b []byte, out any) error {
	if len(b) == 0 {
		return fmt.Errorf("events: empty payload")
	}
	version := b[0]
	if version != CodecVersion {
		return fmt.Errorf("events: unsupported codec version %d (have %d)", version, CodecVersion)
	}
	if err := json.Unmarshal(b[1:], out); err != nil {
		return fmt.Errorf("events: decode payload: %w", err)
	}
	return nil
}

// SnapshotSubscriberRecord is the wire form of a
// types.DomainSubscriptionRecord: JSON cannot use a struct as a map
// key, so subscribers are carried as a slice instead of a set.
type SnapshotSubscriberRecord struct {
	DgnId            types.DomainGraphNodeId
	Subscribers      []types.SubscriberId
	LastNotification *bool
	RelatedQueries   []types.StandingQueryId
}

// SnapshotIndexEntry is the wire form of one domain_node_index row:
// a peer quine id, the DGN it pertains to, and the last notification
// observed from that peer for that DGN.
type SnapshotIndexEntry struct {
	Peer             types.QuineId
	DgnId            types.DomainGraphNodeId
	LastNotification *bool
}

// SnapshotSqWatch is the wire form of one multiple-values standing
// query part's local-index watch registration.
type SnapshotSqWatch struct {
	Sq           types.GlobalSqId
	PropertyKeys []string
	EdgeLabels   []types.EdgeLabel
	AnyEdge      bool
}

// Snapshot is the logical schema of a node's serialized point-in-time
// state (spec §6).
type Snapshot struct {
	Version         byte
	At              types.EventTime
	Properties      map[string]types.PropertyValue
	Edges           []types.HalfEdge
	Subscribers     []SnapshotSubscriberRecord
	DomainNodeIndex []SnapshotIndexEntry
	SqWatches       []SnapshotSqWatch
}

// EncodeSnapshot serializes a Snapshot with the current codec version.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	s.Version = CodecVersion
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("events: encode snapshot: %w", err)
	}
	return body, nil
}

// DecodeSnapshot deserializes a Snapshot, rejecting payloads encoded
// with a codec version newer than this binary understands.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("events: decode snapshot: %w", err)
	}
	if s.Version > CodecVersion {
		return nil, fmt.Errorf("events: snapshot codec version %d is newer than supported %d", s.Version, CodecVersion)
	}
	return &s, nil
}
