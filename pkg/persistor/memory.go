package persistor

import (
	"context"
	"sort"
	"sync"

	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/types"
)

// FailureMode lets tests make a MemoryPersistor misbehave on demand,
// mirroring the "persistor that fails the first two writes then
// succeeds" / "persistor that permanently rejects writes" scenarios
// in spec §8 (S3, S4).
type FailureMode int

const (
	NoFailure FailureMode = iota
	TransientFailure
	PermanentFailure
)

type nodeJournal struct {
	changes   []JournalEntry
	snapshots map[types.EventTime][]byte
}

// MemoryPersistor is an in-memory Persistor used by unit tests for
// the node actor core. It supports scripted transient failures that
// clear after a fixed number of calls, and permanent failures that
// never clear.
type MemoryPersistor struct {
	mu       sync.Mutex
	journals map[types.QuineId]*nodeJournal

	failMode     FailureMode
	failuresLeft int // for TransientFailure: how many more calls fail before succeeding
	callCount    int
}

// NewMemoryPersistor returns an always-succeeding in-memory persistor.
func NewMemoryPersistor() *MemoryPersistor {
	return &MemoryPersistor{journals: make(map[types.QuineId]*nodeJournal)}
}

// NewFailingMemoryPersistor returns a persistor whose node-change and
// domain-index writes fail failuresLeft times (TransientFailure) or forever
// (PermanentFailure) before (if ever) succeeding.
func NewFailingMemoryPersistor(mode FailureMode, failuresLeft int) *MemoryPersistor {
	return &MemoryPersistor{
		journals:     make(map[types.QuineId]*nodeJournal),
		failMode:     mode,
		failuresLeft: failuresLeft,
	}
}

func (m *MemoryPersistor) journalFor(qid types.QuineId) *nodeJournal {
	j, ok := m.journals[qid]
	if !ok {
		j = &nodeJournal{snapshots: make(map[types.EventTime][]byte)}
		m.journals[qid] = j
	}
	return j
}

func (m *MemoryPersistor) maybeFail() error {
	m.callCount++
	switch m.failMode {
	case PermanentFailure:
		return nodeerr.ErrPersistorPermanent
	case TransientFailure:
		if m.failuresLeft > 0 {
			m.failuresLeft--
			return nodeerr.ErrPersistorTransient
		}
	}
	return nil
}

func (m *MemoryPersistor) PersistNodeChangeEvents(_ context.Context, qid types.QuineId, stamped []StampedRecord) error {
	if len(stamped) == 0 {
		return ErrEmptyBatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	j := m.journalFor(qid)
	for _, s := range stamped {
		j.changes = append(j.changes, JournalEntry{At: s.At, Change: s.Change})
	}
	return nil
}

func (m *MemoryPersistor) PersistDomainIndexEvents(_ context.Context, qid types.QuineId, stamped []StampedRecord) error {
	if len(stamped) == 0 {
		return ErrEmptyBatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	j := m.journalFor(qid)
	for _, s := range stamped {
		j.changes = append(j.changes, JournalEntry{At: s.At, Domain: s.Domain})
	}
	return nil
}

func (m *MemoryPersistor) PersistSnapshot(_ context.Context, qid types.QuineId, at types.EventTime, bytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.journalFor(qid)
	if at == types.MaxEventTime {
		// snapshot_singleton semantics: replace prior snapshot.
		j.snapshots = map[types.EventTime][]byte{at: bytes}
		return nil
	}
	j.snapshots[at] = bytes
	return nil
}

func (m *MemoryPersistor) GetJournalWithTime(_ context.Context, qid types.QuineId, from, to types.EventTime, includeDomainIndex bool) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journals[qid]
	if !ok {
		return nil, nil
	}
	var out []JournalEntry
	for _, e := range j.changes {
		if e.At.Less(from) || to.Less(e.At) {
			continue
		}
		if e.Domain != nil && !includeDomainIndex {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].At.Less(out[k].At) })
	return out, nil
}

func (m *MemoryPersistor) GetLatestSnapshot(_ context.Context, qid types.QuineId, atOrBefore types.EventTime) (types.EventTime, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journals[qid]
	if !ok {
		return types.EventTime{}, nil, false, nil
	}
	var best types.EventTime
	var bestBytes []byte
	found := false
	for at, b := range j.snapshots {
		if at.LessOrEqual(atOrBefore) && (!found || best.Less(at)) {
			best, bestBytes, found = at, b, true
		}
	}
	return best, bestBytes, found, nil
}

func (m *MemoryPersistor) Close() error { return nil }

var _ Persistor = (*MemoryPersistor)(nil)
