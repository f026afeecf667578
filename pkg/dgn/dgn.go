// Package dgn implements the domain-graph subscription engine (spec
// §4.6, C6): the bookkeeping a node does when it is a subscriber-of
// and/or subscribed-to for a Domain Graph Node (DGN), a globally
// registered pattern fragment of a standing query.
//
// Peers are addressed only by QuineId, through the PeerLink and
// Registry interfaces injected at construction — never by direct
// reference — so that subscriber/subscribee cycles never become
// object-graph cycles (spec §9, "Cyclic references").
package dgn

import (
	"context"
	"fmt"

	"github.com/thatdot/streamgraph/pkg/types"
)

// RequiredEdge is one edge a DGN's local match depends on: the peer
// reached via label/direction must itself satisfy ChildDgn.
type RequiredEdge struct {
	Label     types.EdgeLabel
	Direction types.Direction
	ChildDgn  types.DomainGraphNodeId
}

// Definition is a DGN's local match criteria: property equality
// constraints this node must satisfy, plus required edges whose far
// side must satisfy a child DGN.
type Definition struct {
	Id                 types.DomainGraphNodeId
	RequiredProperties map[string]types.PropertyValue
	RequiredEdges      []RequiredEdge
}

// Registry is the read-mostly, globally registered set of DGNs,
// injected on node construction (spec §9: "inject as an explicit
// handle on node construction; treat as read-mostly").
type Registry interface {
	// IsRegistered reports whether dgn is still present in the global
	// registry. The local index is self-healing with respect to DGNs
	// that have been deregistered: see spec §4.4 post-actions.
	IsRegistered(dgn types.DomainGraphNodeId) bool
	// Get returns the definition for dgn, if registered.
	Get(dgn types.DomainGraphNodeId) (Definition, bool)
}

// PeerLink lets this node's engine talk to the engines running on
// peer nodes, addressed by QuineId only — the out-of-scope cluster
// sharding transport implements this for real deployments; tests use
// an in-memory fake.
type PeerLink interface {
	SubscribeToDomainNode(ctx context.Context, peer types.QuineId, from types.QuineId, dgn types.DomainGraphNodeId, relatedQueries []types.StandingQueryId, shouldSendReplies bool) error
	CancelDomainNodeSubscription(ctx context.Context, peer types.QuineId, from types.QuineId, dgn types.DomainGraphNodeId, shouldSendReplies bool) error
	NotifyDomainNodeResult(ctx context.Context, from types.QuineId, subscriber types.SubscriberId, dgn types.DomainGraphNodeId, result bool) error
}

// LocalState is the slice of a node's current properties/edges the
// engine needs to evaluate a DGN locally. The node actor core owns
// the real state; this is a read-only view passed in per call so the
// dgn package never depends on the node package.
type LocalState struct {
	Properties func(key string) (types.PropertyValue, bool)
	HasEdge    func(label types.EdgeLabel, dir types.Direction, peer types.QuineId) bool
	EdgesTo    func(label types.EdgeLabel, dir types.Direction) []types.QuineId
}

// Engine holds one node's domain-graph subscription state.
type Engine struct {
	self     types.QuineId
	registry Registry
	peers    PeerLink

	subscribersToThisNode map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord
	domainNodeIndex       map[types.QuineId]map[types.DomainGraphNodeId]*bool
}

// New returns an engine for node self.
func New(self types.QuineId, registry Registry, peers PeerLink) *Engine {
	return &Engine{
		self:                  self,
		registry:              registry,
		peers:                 peers,
		subscribersToThisNode: make(map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord),
		domainNodeIndex:       make(map[types.QuineId]map[types.DomainGraphNodeId]*bool),
	}
}

// Subscribers returns the live subscriber bookkeeping map, exposed so
// the node actor core can snapshot and restore it.
func (e *Engine) Subscribers() map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord {
	return e.subscribersToThisNode
}

// DomainNodeIndex returns the live peer-index map.
func (e *Engine) DomainNodeIndex() map[types.QuineId]map[types.DomainGraphNodeId]*bool {
	return e.domainNodeIndex
}

// RestoreFrom replaces the engine's state wholesale, used when
// restoring from a snapshot on wake (spec §4.7 step 2).
func (e *Engine) RestoreFrom(subscribers map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord, index map[types.QuineId]map[types.DomainGraphNodeId]*bool) {
	if subscribers == nil {
		subscribers = make(map[types.DomainGraphNodeId]*types.DomainSubscriptionRecord)
	}
	if index == nil {
		index = make(map[types.QuineId]map[types.DomainGraphNodeId]*bool)
	}
	e.subscribersToThisNode = subscribers
	e.domainNodeIndex = index
}

// ReceiveDomainNodeSubscription registers subscriber as watching dgn
// on this node. If shouldSendReplies is set, it immediately evaluates
// the local match and replies (spec §4.6).
func (e *Engine) ReceiveDomainNodeSubscription(ctx context.Context, subscriber types.SubscriberId, dgnId types.DomainGraphNodeId, relatedQueries []types.StandingQueryId, shouldSendReplies bool, state LocalState) error {
	rec, ok := e.subscribersToThisNode[dgnId]
	if !ok {
		rec = types.NewDomainSubscriptionRecord()
		e.subscribersToThisNode[dgnId] = rec
	}
	rec.Subscribers[subscriber] = struct{}{}
	for _, q := range relatedQueries {
		rec.RelatedQueries[q] = struct{}{}
	}

	if err := e.EnsureSubscriptionToDomainEdges(ctx, dgnId, relatedQueries, shouldSendReplies, state); err != nil {
		return err
	}

	if shouldSendReplies {
		if _, err := e.UpdateAnswerAndNotifySubscribers(ctx, dgnId, shouldSendReplies, state); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveIndexUpdate records a result reported by a peer for a DGN
// this node depends on, and returns the DGNs this node has subscribers
// for whose required edges name dgnId as their child DGN — the
// caller re-evaluates each of those (spec §4.6: "triggers
// re-evaluation of DGNs that depend on the peer").
func (e *Engine) ReceiveIndexUpdate(fromPeer types.QuineId, dgnId types.DomainGraphNodeId, result bool) []types.DomainGraphNodeId {
	byDgn, ok := e.domainNodeIndex[fromPeer]
	if !ok {
		byDgn = make(map[types.DomainGraphNodeId]*bool)
		e.domainNodeIndex[fromPeer] = byDgn
	}
	r := result
	byDgn[dgnId] = &r

	var dependents []types.DomainGraphNodeId
	for candidate := range e.subscribersToThisNode {
		def, ok := e.registry.Get(candidate)
		if !ok {
			continue
		}
		for _, req := range def.RequiredEdges {
			if req.ChildDgn == dgnId {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// CancelSubscription removes subscriber (or all subscribers, if from
// is the zero value) from dgnId's subscriber set. If the set becomes
// empty, outbound subscriptions to the peers required by dgnId are
// cancelled too.
func (e *Engine) CancelSubscription(ctx context.Context, dgnId types.DomainGraphNodeId, from *types.SubscriberId, shouldSendReplies bool) error {
	rec, ok := e.subscribersToThisNode[dgnId]
	if !ok {
		return nil
	}
	if from != nil {
		delete(rec.Subscribers, *from)
	} else {
		rec.Subscribers = make(map[types.SubscriberId]struct{})
	}
	if len(rec.Subscribers) > 0 {
		return nil
	}

	delete(e.subscribersToThisNode, dgnId)

	def, ok := e.registry.Get(dgnId)
	if !ok {
		return nil
	}
	for _, req := range def.RequiredEdges {
		peers := e.peersFor(req) // all peers we subscribed to for this required edge
		for _, peer := range peers {
			if err := e.peers.CancelDomainNodeSubscription(ctx, peer, e.self, req.ChildDgn, shouldSendReplies); err != nil {
				return fmt.Errorf("dgn: cancel subscription to peer %s: %w", peer, err)
			}
		}
	}
	return nil
}

// EnsureSubscriptionToDomainEdges is idempotent: for each edge dgn
// requires, it ensures an outgoing subscription exists to every peer
// currently reachable at the far side of that edge (spec §4.6). The
// peer set comes from state, since domain_node_index only holds peers
// already subscribed-to, not the node's actual current edges.
func (e *Engine) EnsureSubscriptionToDomainEdges(ctx context.Context, dgnId types.DomainGraphNodeId, relatedQueries []types.StandingQueryId, shouldSendReplies bool, state LocalState) error {
	def, ok := e.registry.Get(dgnId)
	if !ok {
		return nil
	}
	for _, req := range def.RequiredEdges {
		for _, peer := range state.EdgesTo(req.Label, req.Direction) {
			if _, ok := e.domainNodeIndex[peer]; ok {
				if _, ok := e.domainNodeIndex[peer][req.ChildDgn]; ok {
					continue // already subscribed and have an answer on file
				}
			}
			if err := e.peers.SubscribeToDomainNode(ctx, peer, e.self, req.ChildDgn, relatedQueries, shouldSendReplies); err != nil {
				return fmt.Errorf("dgn: subscribe to peer %s: %w", peer, err)
			}
			if _, ok := e.domainNodeIndex[peer]; !ok {
				e.domainNodeIndex[peer] = make(map[types.DomainGraphNodeId]*bool)
			}
		}
	}
	return nil
}

// peersFor returns the peers already on file in domain_node_index for
// req's child DGN — used by CancelSubscription, where no LocalState
// is available and a conservative "every peer we know an answer for"
// set is the right scope to send cancellations to.
func (e *Engine) peersFor(req RequiredEdge) []types.QuineId {
	var peers []types.QuineId
	for peer, byDgn := range e.domainNodeIndex {
		if _, ok := byDgn[req.ChildDgn]; ok {
			peers = append(peers, peer)
		}
	}
	return peers
}

// UpdateAnswerAndNotifySubscribers recomputes this node's local truth
// for dgn given its current properties/edges and peer index; if
// different from the last notification, it notifies subscribers when
// shouldSendReplies is set. Returns the freshly computed answer.
func (e *Engine) UpdateAnswerAndNotifySubscribers(ctx context.Context, dgn types.DomainGraphNodeId, shouldSendReplies bool, state LocalState) (bool, error) {
	def, ok := e.registry.Get(dgn)
	if !ok {
		return false, nil
	}
	answer := e.evaluate(def, state)

	rec, ok := e.subscribersToThisNode[dgn]
	if !ok {
		rec = types.NewDomainSubscriptionRecord()
		e.subscribersToThisNode[dgn] = rec
	}
	if rec.LastNotification != nil && *rec.LastNotification == answer {
		return answer, nil
	}
	rec.LastNotification = &answer

	if !shouldSendReplies {
		return answer, nil
	}
	for sub := range rec.Subscribers {
		if err := e.peers.NotifyDomainNodeResult(ctx, e.self, sub, dgn, answer); err != nil {
			return answer, fmt.Errorf("dgn: notify subscriber: %w", err)
		}
	}
	return answer, nil
}

func (e *Engine) evaluate(def Definition, state LocalState) bool {
	for key, want := range def.RequiredProperties {
		got, ok := state.Properties(key)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	for _, req := range def.RequiredEdges {
		matched := false
		for _, peer := range state.EdgesTo(req.Label, req.Direction) {
			byDgn, ok := e.domainNodeIndex[peer]
			if !ok {
				continue
			}
			result, ok := byDgn[req.ChildDgn]
			if ok && result != nil && *result {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// GarbageCollectStale removes subscriber bookkeeping for DGNs no
// longer present in the registry (spec §4.4: "index is self-healing
// w.r.t. stale DGNs").
func (e *Engine) GarbageCollectStale() []types.DomainGraphNodeId {
	var removed []types.DomainGraphNodeId
	for dgn := range e.subscribersToThisNode {
		if !e.registry.IsRegistered(dgn) {
			delete(e.subscribersToThisNode, dgn)
			removed = append(removed, dgn)
		}
	}
	return removed
}
