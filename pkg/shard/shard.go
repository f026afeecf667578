// Package shard provides the in-memory reference implementation of
// the cluster-sharding contract (spec §6): routing a QuineId to the
// wake/sleep controller responsible for it, and relaying domain-graph
// subscription traffic between nodes that happen to be co-located in
// this process. A networked implementation would satisfy the same
// Router and dgn.PeerLink interfaces over gRPC or raft — out of scope
// here (spec §1 Non-goals).
package shard

import (
	"context"
	"fmt"

	"github.com/thatdot/streamgraph/pkg/dgn"
	"github.com/thatdot/streamgraph/pkg/node"
	"github.com/thatdot/streamgraph/pkg/types"
	"github.com/thatdot/streamgraph/pkg/wake"
)

// Router resolves a QuineId to the actor ref responsible for it.
// Multiple namespaces, each with their own wake controller, can be
// registered under one Router.
type Router interface {
	Route(ctx context.Context, ns types.Namespace, qid types.QuineId) (*node.Node, error)
}

// SingleProcessRouter routes every namespace to a wake.Controller
// living in this process — the only topology this module implements
// (spec §6: cluster transport is out of scope).
type SingleProcessRouter struct {
	controllers map[types.Namespace]*wake.Controller
}

// NewSingleProcessRouter returns a router over the given namespace ->
// controller assignments.
func NewSingleProcessRouter(controllers map[types.Namespace]*wake.Controller) *SingleProcessRouter {
	return &SingleProcessRouter{controllers: controllers}
}

func (r *SingleProcessRouter) Route(ctx context.Context, ns types.Namespace, qid types.QuineId) (*node.Node, error) {
	ctrl, ok := r.controllers[ns]
	if !ok {
		return nil, fmt.Errorf("shard: no controller registered for namespace %q", ns)
	}
	return ctrl.GetOrWake(ctx, qid)
}

// PeerLink is the in-process dgn.PeerLink implementation: domain-graph
// subscription traffic between nodes the Router can reach is
// delivered as direct calls into the target node's actor, rather than
// serialized over a wire protocol.
type PeerLink struct {
	ns     types.Namespace
	router Router
}

// NewPeerLink returns a PeerLink that resolves peers within ns via router.
func NewPeerLink(ns types.Namespace, router Router) *PeerLink {
	return &PeerLink{ns: ns, router: router}
}

func (p *PeerLink) SubscribeToDomainNode(ctx context.Context, peer types.QuineId, from types.QuineId, dgnId types.DomainGraphNodeId, relatedQueries []types.StandingQueryId, shouldSendReplies bool) error {
	target, err := p.router.Route(ctx, p.ns, peer)
	if err != nil {
		return err
	}
	subscriber := types.SubscriberId{IsQuineId: true, QuineId: from}
	return target.ReceiveDomainNodeSubscription(ctx, subscriber, dgnId, relatedQueries, shouldSendReplies)
}

func (p *PeerLink) CancelDomainNodeSubscription(ctx context.Context, peer types.QuineId, from types.QuineId, dgnId types.DomainGraphNodeId, shouldSendReplies bool) error {
	target, err := p.router.Route(ctx, p.ns, peer)
	if err != nil {
		return err
	}
	subscriber := types.SubscriberId{IsQuineId: true, QuineId: from}
	return target.CancelDomainSubscription(ctx, dgnId, &subscriber, shouldSendReplies)
}

// NotifyDomainNodeResult delivers the notification off the caller's
// goroutine. The caller is typically mid-way through its own node's
// actor loop (inside ReceiveDomainNodeSubscription's apply closure);
// blocking here for the target's reply would reenter the target's
// mailbox from inside the source node's single-writer turn, and if
// the target in turn ever notifies back to the source before this
// call returns, the two actors deadlock on each other's mailbox. A
// result notification has no reply contract, so fire-and-forget is
// sufficient and keeps the sender's turn from spanning another node's
// actor entirely.
func (p *PeerLink) NotifyDomainNodeResult(ctx context.Context, from types.QuineId, subscriber types.SubscriberId, dgnId types.DomainGraphNodeId, result bool) error {
	if !subscriber.IsQuineId {
		// The subscriber is a standing query coordinator, not a peer
		// node; delivering that notification is a standing-query
		// concern this module doesn't implement (spec §1 Non-goals).
		return nil
	}
	go func() {
		deliverCtx := context.Background()
		target, err := p.router.Route(deliverCtx, p.ns, subscriber.QuineId)
		if err != nil {
			return
		}
		_ = target.ReceiveIndexUpdate(deliverCtx, from, dgnId, result)
	}()
	return nil
}

var _ dgn.PeerLink = (*PeerLink)(nil)
