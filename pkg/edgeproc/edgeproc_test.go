package edgeproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatdot/streamgraph/pkg/config"
	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"
)

func testBatch() Batch {
	e := events.NewPropertyChange(events.PropertyEvent{Kind: events.PropertySet, Key: "k"})
	return Batch{ChangeEvents: []persistor.StampedRecord{{At: types.EventTime{WallMillis: 1}, Change: &e}}}
}

func TestPersistorFirstAppliesOnlyAfterSuccessfulPersist(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	p := &PersistorFirstProcessor{Store: store}

	applied := false
	err := p.Submit(context.Background(), "q1", testBatch(), func() { applied = true }, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	entries, err := store.GetJournalWithTime(context.Background(), "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersistorFirstNeverAppliesOnPersistFailure(t *testing.T) {
	store := persistor.NewFailingMemoryPersistor(persistor.PermanentFailure, 0)
	p := &PersistorFirstProcessor{Store: store}

	applied := false
	err := p.Submit(context.Background(), "q1", testBatch(), func() { applied = true }, nil)
	assert.Error(t, err)
	assert.False(t, applied)
}

func TestPersistorFirstEmptyBatchStillApplies(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	p := &PersistorFirstProcessor{Store: store}

	applied := false
	err := p.Submit(context.Background(), "q1", Batch{}, func() { applied = true }, nil)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestMemoryFirstAppliesImmediatelyAndPersistsInBackground(t *testing.T) {
	store := persistor.NewFailingMemoryPersistor(persistor.TransientFailure, 2)
	p := NewMemoryFirstProcessor(store, config.RetryConfig{BaseMillis: 1, CapMillis: 5, JitterPercent: 0})

	var mu sync.Mutex
	applied := false
	err := p.Submit(context.Background(), "q1", testBatch(), func() {
		mu.Lock()
		applied = true
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	mu.Lock()
	wasApplied := applied
	mu.Unlock()
	assert.True(t, wasApplied, "MemoryFirst must apply synchronously before Submit returns")

	require.Eventually(t, func() bool {
		entries, err := store.GetJournalWithTime(context.Background(), "q1", types.ZeroEventTime, types.MaxEventTime, false)
		return err == nil && len(entries) == 1
	}, time.Second, time.Millisecond)
}

func TestMemoryFirstStopsRetryingOnPermanentFailure(t *testing.T) {
	store := persistor.NewFailingMemoryPersistor(persistor.PermanentFailure, 0)
	p := NewMemoryFirstProcessor(store, config.RetryConfig{BaseMillis: 1, CapMillis: 5, JitterPercent: 0})

	failureCh := make(chan error, 1)
	err := p.Submit(context.Background(), "q1", testBatch(), func() {}, func(e error) {
		failureCh <- e
	})
	require.NoError(t, err)

	select {
	case e := <-failureCh:
		assert.Error(t, e)
	case <-time.After(time.Second):
		t.Fatal("onBackgroundFailure was never called")
	}
}

func TestMemoryFirstEmptyBatchSkipsBackgroundWork(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	p := NewMemoryFirstProcessor(store, config.RetryConfig{BaseMillis: 1, CapMillis: 5, JitterPercent: 0})

	applied := false
	err := p.Submit(context.Background(), "q1", Batch{}, func() { applied = true }, nil)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base, 0.1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 2*time.Millisecond, nextDelay(1*time.Millisecond, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextDelay(9*time.Second, 10*time.Second))
}
