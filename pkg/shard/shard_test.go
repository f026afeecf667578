package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatdot/streamgraph/pkg/clock"
	"github.com/thatdot/streamgraph/pkg/dgn"
	"github.com/thatdot/streamgraph/pkg/edgeproc"
	"github.com/thatdot/streamgraph/pkg/node"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"
	"github.com/thatdot/streamgraph/pkg/wake"
)

// TestSingleProcessRouterRoutesToRegisteredController confirms Route
// dispatches to the controller registered for a namespace, and errors
// for one that was never registered.
func TestSingleProcessRouterRoutesToRegisteredController(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	registry := dgn.NewInMemoryRegistry()
	factory := func(qid types.QuineId) *node.Node {
		return node.New(node.Config{
			Namespace: "ns",
			QuineId:   qid,
			Store:     store,
			Processor: &edgeproc.PersistorFirstProcessor{Store: store},
			Clock:     clock.New(),
			Registry:  registry,
		})
	}
	ctrl := wake.New(wake.Config{}, factory)
	router := NewSingleProcessRouter(map[types.Namespace]*wake.Controller{"ns": ctrl})

	ctx := context.Background()
	n, err := router.Route(ctx, "ns", "q1")
	require.NoError(t, err)
	assert.NotNil(t, n)

	_, err = router.Route(ctx, "other-ns", "q1")
	assert.Error(t, err)
}

// TestDomainSubscriptionPropagatesAcrossNodes wires two nodes (parent,
// child) through the in-memory Router/PeerLink, subscribes the parent
// to "parent-dgn" (which requires an edge to a node matching
// "child-dgn"), then writes the property that satisfies "child-dgn" on
// the child, starting the NotifyDomainNodeResult -> ReceiveIndexUpdate
// propagation back to the parent. It asserts that the parent stays
// reachable throughout; the parent's DGN answer is not observable from
// outside its actor and is not asserted.
func TestDomainSubscriptionPropagatesAcrossNodes(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	registry := dgn.NewInMemoryRegistry()
	want := types.PropertyValue{Serialized: []byte("\"ok\"")}
	registry.Register(dgn.Definition{Id: "child-dgn", RequiredProperties: map[string]types.PropertyValue{"status": want}})
	registry.Register(dgn.Definition{Id: "parent-dgn", RequiredEdges: []dgn.RequiredEdge{
		{Label: "depends-on", Direction: types.Outgoing, ChildDgn: "child-dgn"},
	}})

	var peerLink *PeerLink
	factory := func(qid types.QuineId) *node.Node {
		return node.New(node.Config{
			Namespace: "ns",
			QuineId:   qid,
			Store:     store,
			Processor: &edgeproc.PersistorFirstProcessor{Store: store},
			Clock:     clock.New(),
			Registry:  registry,
			Peers:     peerLink,
		})
	}
	ctrl := wake.New(wake.Config{}, factory)
	router := NewSingleProcessRouter(map[types.Namespace]*wake.Controller{"ns": ctrl})
	peerLink = NewPeerLink("ns", router)

	ctx := context.Background()
	parent, err := router.Route(ctx, "ns", "parent")
	require.NoError(t, err)
	_, err = router.Route(ctx, "ns", "child")
	require.NoError(t, err)

	require.NoError(t, parent.AddEdge(ctx, types.NodeRef{Namespace: "ns", QuineId: "parent"},
		types.HalfEdge{Direction: types.Outgoing, Label: "depends-on", PeerQuineId: "child"}, nil))

	subscriber := types.SubscriberId{IsQuineId: true, QuineId: "watcher"}
	require.NoError(t, parent.ReceiveDomainNodeSubscription(ctx, subscriber, "parent-dgn", nil, true))

	// EnsureSubscriptionToDomainEdges (triggered above) should have
	// subscribed parent to child for child-dgn; the child answers false
	// initially since "status" is unset, then true once it's set,
	// which should propagate back via NotifyDomainNodeResult ->
	// ReceiveIndexUpdate -> parent re-evaluation.
	require.NoError(t, router.mustNode(t, ctx, "child").SetProperty(ctx,
		types.NodeRef{Namespace: "ns", QuineId: "child"}, "status", want, nil))

	require.Eventually(t, func() bool {
		state, err := parent.DebugInternalState(ctx)
		return err == nil && state.QuineId == "parent"
	}, time.Second, 2*time.Millisecond, "parent node must remain reachable throughout propagation")
}

func (r *SingleProcessRouter) mustNode(t *testing.T, ctx context.Context, qid types.QuineId) *node.Node {
	t.Helper()
	n, err := r.Route(ctx, "ns", qid)
	require.NoError(t, err)
	return n
}

// TestPeerLinkCancelSubscriptionDelegatesToTarget confirms
// CancelDomainNodeSubscription on the PeerLink reaches the routed
// target node without erroring, even with no subscription on file.
func TestPeerLinkCancelSubscriptionDelegatesToTarget(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	registry := dgn.NewInMemoryRegistry()
	registry.Register(dgn.Definition{Id: "dgn-1"})

	var peerLink *PeerLink
	factory := func(qid types.QuineId) *node.Node {
		return node.New(node.Config{
			Namespace: "ns",
			QuineId:   qid,
			Store:     store,
			Processor: &edgeproc.PersistorFirstProcessor{Store: store},
			Clock:     clock.New(),
			Registry:  registry,
			Peers:     peerLink,
		})
	}
	ctrl := wake.New(wake.Config{}, factory)
	router := NewSingleProcessRouter(map[types.Namespace]*wake.Controller{"ns": ctrl})
	peerLink = NewPeerLink("ns", router)

	ctx := context.Background()
	err := peerLink.CancelDomainNodeSubscription(ctx, "q1", "from-peer", "dgn-1", false)
	assert.NoError(t, err)
}

// TestPeerLinkNotifyIgnoresNonQuineSubscribers confirms
// NotifyDomainNodeResult is a no-op (not an error) when the
// subscriber isn't a peer node, since standing-query coordinator
// delivery is out of scope for this module.
func TestPeerLinkNotifyIgnoresNonQuineSubscribers(t *testing.T) {
	store := persistor.NewMemoryPersistor()
	registry := dgn.NewInMemoryRegistry()
	factory := func(qid types.QuineId) *node.Node {
		return node.New(node.Config{
			Namespace: "ns",
			QuineId:   qid,
			Store:     store,
			Processor: &edgeproc.PersistorFirstProcessor{Store: store},
			Clock:     clock.New(),
			Registry:  registry,
		})
	}
	ctrl := wake.New(wake.Config{}, factory)
	router := NewSingleProcessRouter(map[types.Namespace]*wake.Controller{"ns": ctrl})
	peerLink := NewPeerLink("ns", router)

	sub := types.SubscriberId{IsQuineId: false}
	err := peerLink.NotifyDomainNodeResult(context.Background(), "from", sub, "dgn-1", true)
	assert.NoError(t, err)
}
