package persistor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/types"
)

func changeRecord(at types.EventTime, key string) StampedRecord {
	e := events.NewPropertyChange(events.PropertyEvent{Kind: events.PropertySet, Key: key})
	return StampedRecord{At: at, Change: &e}
}

func TestMemoryPersistorRejectsEmptyBatch(t *testing.T) {
	m := NewMemoryPersistor()
	err := m.PersistNodeChangeEvents(context.Background(), "q1", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestMemoryPersistorJournalRoundTripOrdered(t *testing.T) {
	m := NewMemoryPersistor()
	ctx := context.Background()

	require.NoError(t, m.PersistNodeChangeEvents(ctx, "q1", []StampedRecord{
		changeRecord(types.EventTime{WallMillis: 2}, "b"),
	}))
	require.NoError(t, m.PersistNodeChangeEvents(ctx, "q1", []StampedRecord{
		changeRecord(types.EventTime{WallMillis: 1}, "a"),
	}))

	entries, err := m.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Change.Property.Key)
	assert.Equal(t, "b", entries[1].Change.Property.Key)
}

func TestMemoryPersistorJournalRangeFilter(t *testing.T) {
	m := NewMemoryPersistor()
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, m.PersistNodeChangeEvents(ctx, "q1", []StampedRecord{
			changeRecord(types.EventTime{WallMillis: i}, "k"),
		}))
	}

	entries, err := m.GetJournalWithTime(ctx, "q1", types.EventTime{WallMillis: 2}, types.EventTime{WallMillis: 4}, true)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestMemoryPersistorSnapshotSingleton(t *testing.T) {
	m := NewMemoryPersistor()
	ctx := context.Background()

	require.NoError(t, m.PersistSnapshot(ctx, "q1", types.MaxEventTime, []byte("v1")))
	require.NoError(t, m.PersistSnapshot(ctx, "q1", types.MaxEventTime, []byte("v2")))

	_, bytes, ok, err := m.GetLatestSnapshot(ctx, "q1", types.MaxEventTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), bytes)
}

func TestMemoryPersistorGetLatestSnapshotRespectsAtOrBefore(t *testing.T) {
	m := NewMemoryPersistor()
	ctx := context.Background()

	require.NoError(t, m.PersistSnapshot(ctx, "q1", types.EventTime{WallMillis: 10}, []byte("early")))
	require.NoError(t, m.PersistSnapshot(ctx, "q1", types.EventTime{WallMillis: 20}, []byte("late")))

	_, bytes, ok, err := m.GetLatestSnapshot(ctx, "q1", types.EventTime{WallMillis: 15})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("early"), bytes)
}

func TestMemoryPersistorTransientFailureClearsAfterBudget(t *testing.T) {
	m := NewFailingMemoryPersistor(TransientFailure, 2)
	ctx := context.Background()
	rec := []StampedRecord{changeRecord(types.EventTime{WallMillis: 1}, "k")}

	err := m.PersistNodeChangeEvents(ctx, "q1", rec)
	assert.ErrorIs(t, err, nodeerr.ErrPersistorTransient)
	err = m.PersistNodeChangeEvents(ctx, "q1", rec)
	assert.ErrorIs(t, err, nodeerr.ErrPersistorTransient)
	err = m.PersistNodeChangeEvents(ctx, "q1", rec)
	assert.NoError(t, err)
}

func TestMemoryPersistorPermanentFailureNeverClears(t *testing.T) {
	m := NewFailingMemoryPersistor(PermanentFailure, 0)
	ctx := context.Background()
	rec := []StampedRecord{changeRecord(types.EventTime{WallMillis: 1}, "k")}

	for i := 0; i < 3; i++ {
		err := m.PersistNodeChangeEvents(ctx, "q1", rec)
		assert.ErrorIs(t, err, nodeerr.ErrPersistorPermanent)
	}
}
