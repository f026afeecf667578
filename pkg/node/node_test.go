package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatdot/streamgraph/pkg/clock"
	"github.com/thatdot/streamgraph/pkg/config"
	"github.com/thatdot/streamgraph/pkg/dgn"
	"github.com/thatdot/streamgraph/pkg/edgeproc"
	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/index"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"
)

func newTestNode(t *testing.T, store persistor.Persistor, processor edgeproc.Processor) *Node {
	t.Helper()
	registry := dgn.NewInMemoryRegistry()
	n := New(Config{
		Namespace: "ns",
		QuineId:   "q1",
		Store:     store,
		Processor: processor,
		Clock:     clock.New(),
		Registry:  registry,
		Peers:     nil,
	})
	t.Cleanup(n.Close)
	return n
}

func liveRef() types.NodeRef { return types.NodeRef{Namespace: "ns", QuineId: "q1"} }

func TestSetPropertyThenReadBackViaDebugState(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	val := types.PropertyValue{Serialized: []byte("\"alice\"")}
	require.NoError(t, n.SetProperty(ctx, liveRef(), "name", val, nil))

	state, err := n.DebugInternalState(ctx)
	require.NoError(t, err)
	assert.Equal(t, val, state.Properties["name"])
}

func TestSetPropertyIsIdempotentNoOp(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	val := types.PropertyValue{Serialized: []byte("1")}
	require.NoError(t, n.SetProperty(ctx, liveRef(), "k", val, nil))
	require.NoError(t, n.SetProperty(ctx, liveRef(), "k", val, nil))

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "setting the identical value twice must only journal once")
}

// TestProcessPropertyEventsDedupesLastPerKey is the literal scenario
// S1: submitting PropertySet("x",1), PropertySet("x",2),
// PropertySet("x",2) as one batch must journal exactly one
// PropertySet("x",2) and leave properties["x"] == 2.
func TestProcessPropertyEventsDedupesLastPerKey(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	v1 := types.PropertyValue{Serialized: []byte("1")}
	v2 := types.PropertyValue{Serialized: []byte("2")}
	batch := events.EventBatch{Properties: []events.PropertyEvent{
		{Kind: events.PropertySet, Key: "x", Value: v1},
		{Kind: events.PropertySet, Key: "x", Value: v2},
		{Kind: events.PropertySet, Key: "x", Value: v2},
	}}
	require.NoError(t, n.ProcessPropertyEvents(ctx, liveRef(), batch, nil))

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the last event per key survives batch dedup")
	require.NotNil(t, entries[0].Change)
	require.NotNil(t, entries[0].Change.Property)
	assert.Equal(t, events.PropertySet, entries[0].Change.Property.Kind)
	assert.Equal(t, "x", entries[0].Change.Property.Key)
	assert.Equal(t, v2, entries[0].Change.Property.Value)

	state, err := n.DebugInternalState(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2, state.Properties["x"])
}

// TestProcessPropertyEventsSkipsNoEffectAfterDedup confirms that
// dedup happens before effect-checking (spec §3 invariant 4 precedes
// invariant 3): a batch that sets a key back to its current value as
// its last event produces no journal write at all.
func TestProcessPropertyEventsSkipsNoEffectAfterDedup(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	v1 := types.PropertyValue{Serialized: []byte("1")}
	require.NoError(t, n.SetProperty(ctx, liveRef(), "x", v1, nil))

	v2 := types.PropertyValue{Serialized: []byte("2")}
	batch := events.EventBatch{Properties: []events.PropertyEvent{
		{Kind: events.PropertySet, Key: "x", Value: v2},
		{Kind: events.PropertySet, Key: "x", Value: v1}, // last write restores the current value
	}}
	require.NoError(t, n.ProcessPropertyEvents(ctx, liveRef(), batch, nil))

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the initial SetProperty should have journaled anything")
}

// TestProcessEdgeEventsDedupesLastPerHalfEdge mirrors S1 for edges:
// adding then removing the same half-edge within one batch should
// only retain the final (remove) operation before effect-checking.
func TestProcessEdgeEventsDedupesLastPerHalfEdge(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	edge := types.HalfEdge{Direction: types.Outgoing, Label: "knows", PeerQuineId: "peer"}
	require.NoError(t, n.AddEdge(ctx, liveRef(), edge, nil))

	batch := events.EventBatch{Edges: []events.EdgeEvent{
		{Kind: events.EdgeRemoved, HalfEdge: edge},
		{Kind: events.EdgeAdded, HalfEdge: edge},
		{Kind: events.EdgeRemoved, HalfEdge: edge},
	}}
	require.NoError(t, n.ProcessEdgeEvents(ctx, liveRef(), batch, nil))

	state, err := n.DebugInternalState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Edges, "last op in the batch (remove) must be the one applied")
}

// TestProcessPropertyEventsEmptyBatchTouchesNothing confirms
// guard_events step 3: an empty effective list never reaches the
// persistor.
func TestProcessPropertyEventsEmptyBatchTouchesNothing(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	require.NoError(t, n.ProcessPropertyEvents(ctx, liveRef(), events.EventBatch{}, nil))

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemovePropertyNoOpWhenAbsent(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	require.NoError(t, n.RemoveProperty(ctx, liveRef(), "never-set", nil))

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEdgeAddRemoveDedup(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	edge := types.HalfEdge{Direction: types.Outgoing, Label: "knows", PeerQuineId: "peer"}
	require.NoError(t, n.AddEdge(ctx, liveRef(), edge, nil))
	require.NoError(t, n.AddEdge(ctx, liveRef(), edge, nil)) // no-op
	require.NoError(t, n.RemoveEdge(ctx, liveRef(), edge, nil))
	require.NoError(t, n.RemoveEdge(ctx, liveRef(), edge, nil)) // no-op

	entries, err := store.GetJournalWithTime(ctx, "q1", types.ZeroEventTime, types.MaxEventTime, false)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHistoricalRefRejectsMutation(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	at := types.ZeroEventTime
	ref := types.NodeRef{Namespace: "ns", QuineId: "q1", AtTime: &at}

	err := n.SetProperty(context.Background(), ref, "k", types.PropertyValue{}, nil)
	assert.ErrorIs(t, err, nodeerr.ErrIllegalHistoricalUpdate)
}

func TestPersistorFirstSurfacesFailureWithoutApplying(t *testing.T) {
	store := persistor.NewFailingMemoryPersistor(persistor.PermanentFailure, 0)
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	err := n.SetProperty(ctx, liveRef(), "k", types.PropertyValue{Serialized: []byte("1")}, nil)
	assert.Error(t, err)

	state, derr := n.DebugInternalState(ctx)
	require.NoError(t, derr)
	_, exists := state.Properties["k"]
	assert.False(t, exists, "a PersistorFirst failure must leave the in-memory state untouched")
}

func TestUnhealthyNodeRejectsFurtherWrites(t *testing.T) {
	store := persistor.NewFailingMemoryPersistor(persistor.PermanentFailure, 0)
	processor := edgeproc.NewMemoryFirstProcessor(store, config.RetryConfig{BaseMillis: 1, CapMillis: 5, JitterPercent: 0})
	n := newTestNode(t, store, processor)
	ctx := context.Background()

	require.NoError(t, n.SetProperty(ctx, liveRef(), "k", types.PropertyValue{Serialized: []byte("1")}, nil))

	require.Eventually(t, func() bool {
		err := n.SetProperty(ctx, liveRef(), "k2", types.PropertyValue{Serialized: []byte("2")}, nil)
		return err != nil
	}, time.Second, time.Millisecond)
}

func TestHashIsOrderIndependent(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	a := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()
	require.NoError(t, a.SetProperty(ctx, liveRef(), "x", types.PropertyValue{Serialized: []byte("1")}, nil))
	require.NoError(t, a.SetProperty(ctx, liveRef(), "y", types.PropertyValue{Serialized: []byte("2")}, nil))
	hashA, err := a.Hash(ctx)
	require.NoError(t, err)

	store2 := persistor.NewMemoryPersistor()
	b := newTestNode(t, store2, &edgeproc.PersistorFirstProcessor{Store: store2})
	require.NoError(t, b.SetProperty(ctx, types.NodeRef{Namespace: "ns", QuineId: "q1"}, "y", types.PropertyValue{Serialized: []byte("2")}, nil))
	require.NoError(t, b.SetProperty(ctx, types.NodeRef{Namespace: "ns", QuineId: "q1"}, "x", types.PropertyValue{Serialized: []byte("1")}, nil))
	hashB, err := b.Hash(ctx)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestWatchStandingQueryMintsPartIdWhenEmpty(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	n := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	ctx := context.Background()

	part := types.GlobalSqId{StandingQueryId: "sq-1"}
	require.NoError(t, n.WatchStandingQuery(ctx, part, index.WatchSpec{PropertyKeys: []string{"k"}}))

	require.NoError(t, n.SetProperty(ctx, liveRef(), "k", types.PropertyValue{Serialized: []byte("1")}, nil))
	// No assertion beyond "did not error": the minted PartId isn't
	// observable from outside the actor, but registering a watch with
	// an empty PartId and then exercising it end to end confirms the
	// mint didn't collide with the zero value in a way that breaks
	// the local index's bookkeeping.
}

func TestRestoreFromPersistenceReplaysJournalAndSnapshot(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	ctx := context.Background()

	original := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	require.NoError(t, original.SetProperty(ctx, liveRef(), "k1", types.PropertyValue{Serialized: []byte("1")}, nil))
	require.NoError(t, original.Snapshot(ctx))
	require.NoError(t, original.SetProperty(ctx, liveRef(), "k2", types.PropertyValue{Serialized: []byte("2")}, nil))
	original.Close()

	restored := newTestNode(t, store, &edgeproc.PersistorFirstProcessor{Store: store})
	require.NoError(t, restored.RestoreFromPersistence(ctx))

	state, err := restored.DebugInternalState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PropertyValue{Serialized: []byte("1")}, state.Properties["k1"])
	assert.Equal(t, types.PropertyValue{Serialized: []byte("2")}, state.Properties["k2"])
	assert.Equal(t, types.Awake, state.Lifecycle)
}
