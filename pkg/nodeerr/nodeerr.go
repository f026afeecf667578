// Package nodeerr defines the node actor's error taxonomy (spec §7).
package nodeerr

import "errors"

// ErrIllegalHistoricalUpdate is returned when a mutation is submitted
// against a historical NodeRef. Fatal to the call; never retried.
var ErrIllegalHistoricalUpdate = errors.New("nodeerr: illegal update against a historical node")

// ErrPersistorTransient wraps a backend failure the caller's policy
// considers retryable. MemoryFirst retries forever; PersistorFirst
// surfaces it once, immediately, by default (spec §7 Open Question:
// no bounded retry window before surfacing).
var ErrPersistorTransient = errors.New("nodeerr: transient persistor failure")

// ErrPersistorPermanent marks a schema/codec/decoding failure. The
// node is marked unhealthy and refuses further writes for the rest of
// its actor's life; there is no reset, and a fresh actor woken for the
// same node starts healthy.
var ErrPersistorPermanent = errors.New("nodeerr: permanent persistor failure")

// ErrInternalInvariantViolation marks an assertion failure inside the
// actor (e.g. a historical update reaching the mutation path despite
// the guard). The owning shard is expected to restart this node's
// actor cleanly from the last durable snapshot + journal.
var ErrInternalInvariantViolation = errors.New("nodeerr: internal invariant violation")

// ErrNodeUnhealthy is returned by any write submitted to a node that
// has already observed ErrPersistorPermanent.
var ErrNodeUnhealthy = errors.New("nodeerr: node is unhealthy and refuses further writes")
