// Package persistor defines the abstract journal + snapshot +
// standing-query metadata store the node actor core depends on (spec
// §4.1, C1), along with concrete backends.
package persistor

import (
	"context"
	"fmt"

	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/types"
)

// StampedRecord pairs a node-change or domain-index event with the
// EventTime it was stamped with before being handed to the persistor.
type StampedRecord struct {
	At      types.EventTime
	Change  *events.NodeChangeEvent
	Domain  *events.DomainIndexEvent
}

// Persistor is the backend contract the node actor core depends on
// (spec §4.1). All operations may fail with an error wrapping
// nodeerr.ErrPersistorTransient or nodeerr.ErrPersistorPermanent.
//
// Ordering guarantee: within a single Persist* call, events are
// durable atomically or not at all; across calls, durability matches
// call order only when the caller awaits each completion before
// issuing the next. The node actor core always does so for per-node
// writes (spec §4.1).
type Persistor interface {
	// PersistNodeChangeEvents appends a non-empty, ordered batch of
	// stamped property/edge events for qid.
	PersistNodeChangeEvents(ctx context.Context, qid types.QuineId, stamped []StampedRecord) error

	// PersistDomainIndexEvents appends a non-empty, ordered batch of
	// stamped domain-index events for qid, on a separate logical
	// stream from node-change events.
	PersistDomainIndexEvents(ctx context.Context, qid types.QuineId, stamped []StampedRecord) error

	// PersistSnapshot writes a snapshot for qid at the given
	// EventTime. When the persistor is configured as a snapshot
	// singleton, at is types.MaxEventTime and the write replaces any
	// prior snapshot; otherwise it is keyed by the creation EventTime.
	PersistSnapshot(ctx context.Context, qid types.QuineId, at types.EventTime, bytes []byte) error

	// GetJournalWithTime returns journaled events for qid with
	// EventTime in [from, to] inclusive, in ascending order.
	// includeDomainIndex selects whether domain-index events are
	// interleaved into the result alongside node-change events.
	GetJournalWithTime(ctx context.Context, qid types.QuineId, from, to types.EventTime, includeDomainIndex bool) ([]JournalEntry, error)

	// GetLatestSnapshot returns the most recent snapshot for qid at or
	// before atOrBefore, or ok=false if none exists.
	GetLatestSnapshot(ctx context.Context, qid types.QuineId, atOrBefore types.EventTime) (at types.EventTime, bytes []byte, ok bool, err error)

	// Close releases any resources the backend holds open.
	Close() error
}

// JournalEntry is one record read back from the journal.
type JournalEntry struct {
	At     types.EventTime
	Change *events.NodeChangeEvent
	Domain *events.DomainIndexEvent
}

// ErrEmptyBatch is returned by backends that enforce the
// "non-empty list" contract on Persist* calls.
var ErrEmptyBatch = fmt.Errorf("persistor: batch must not be empty")
