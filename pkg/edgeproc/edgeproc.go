// Package edgeproc implements the two effect-ordering strategies a
// node actor core picks between at construction (spec §4.3, C3):
// PersistorFirst, which durably persists a batch before it becomes
// visible in memory, and MemoryFirst, which applies a batch in memory
// immediately and persists it in the background with infinite retry.
package edgeproc

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/thatdot/streamgraph/pkg/config"
	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/metrics"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/persistor"
	"github.com/thatdot/streamgraph/pkg/types"
)

// Batch is one logical unit of work submitted to a Processor: the
// node-change events and domain-index events stamped for a single
// actor message, kept on separate persistor streams (spec §4.1).
type Batch struct {
	ChangeEvents []persistor.StampedRecord
	DomainEvents []persistor.StampedRecord
}

// Empty reports whether the batch has nothing to persist.
func (b Batch) Empty() bool {
	return len(b.ChangeEvents) == 0 && len(b.DomainEvents) == 0
}

// Processor drives the persist/apply sequence for one batch.
//
// apply is invoked exactly once if Submit returns nil, at the point in
// the sequence the strategy's ordering guarantee requires; it mutates
// the node's in-memory state and must not itself fail. onBackgroundFailure
// is invoked, possibly after Submit has already returned, if a
// MemoryFirst persist ultimately fails permanently; a PersistorFirst
// processor never calls it, since a permanent failure there is
// returned directly from Submit.
type Processor interface {
	Submit(ctx context.Context, qid types.QuineId, batch Batch, apply func(), onBackgroundFailure func(error)) error
}

// persistBatch calls the persistor's two append operations, skipping
// whichever stream the batch has nothing for (the persistor interface
// rejects empty batches, spec §6).
func persistBatch(ctx context.Context, store persistor.Persistor, qid types.QuineId, batch Batch) error {
	if len(batch.ChangeEvents) > 0 {
		if err := store.PersistNodeChangeEvents(ctx, qid, batch.ChangeEvents); err != nil {
			return err
		}
	}
	if len(batch.DomainEvents) > 0 {
		if err := store.PersistDomainIndexEvents(ctx, qid, batch.DomainEvents); err != nil {
			return err
		}
	}
	return nil
}

// PersistorFirstProcessor durably persists before applying. The
// caller is expected to suspend the actor's message loop for the
// duration of Submit (spec §4.3: "suspends the actor"); Submit itself
// just blocks until the persistor call returns.
type PersistorFirstProcessor struct {
	Store persistor.Persistor
}

func (p *PersistorFirstProcessor) Submit(ctx context.Context, qid types.QuineId, batch Batch, apply func(), _ func(error)) error {
	if batch.Empty() {
		apply()
		return nil
	}
	timer := metrics.NewTimer()
	err := persistBatch(ctx, p.Store, qid, batch)
	timer.ObserveDurationVec(metrics.PersistDuration, "persistor-first")
	if err != nil {
		return err
	}
	apply()
	return nil
}

// MemoryFirstProcessor applies immediately and persists in the
// background with exponential backoff, retrying forever until success
// or a permanent failure (spec §4.3).
type MemoryFirstProcessor struct {
	Store persistor.Persistor
	Retry config.RetryConfig
}

// NewMemoryFirstProcessor returns a processor retrying against store
// per retry.
func NewMemoryFirstProcessor(store persistor.Persistor, retry config.RetryConfig) *MemoryFirstProcessor {
	return &MemoryFirstProcessor{Store: store, Retry: retry}
}

func (p *MemoryFirstProcessor) Submit(ctx context.Context, qid types.QuineId, batch Batch, apply func(), onBackgroundFailure func(error)) error {
	apply()
	if batch.Empty() {
		return nil
	}
	go p.retryUntilDurable(ctx, qid, batch, onBackgroundFailure)
	return nil
}

func (p *MemoryFirstProcessor) retryUntilDurable(ctx context.Context, qid types.QuineId, batch Batch, onBackgroundFailure func(error)) {
	logger := log.WithComponent("edgeproc.memory-first")
	delay := p.Retry.BaseDelay()
	timer := metrics.NewTimer()
	for attempt := 1; ; attempt++ {
		err := persistBatch(ctx, p.Store, qid, batch)
		if err == nil {
			timer.ObserveDurationVec(metrics.PersistDuration, "memory-first")
			return
		}

		if errors.Is(err, nodeerr.ErrPersistorPermanent) {
			logger.Error().Err(err).Uint64("attempt", uint64(attempt)).Str("qid", string(qid)).Msg("memory-first persist failed permanently, marking node unhealthy")
			if onBackgroundFailure != nil {
				onBackgroundFailure(err)
			}
			return
		}

		metrics.PersistRetriesTotal.Inc()
		logger.Warn().Err(err).Uint64("attempt", uint64(attempt)).Str("qid", string(qid)).Dur("next_delay", delay).Msg("memory-first persist attempt failed, retrying")

		select {
		case <-ctx.Done():
			logger.Warn().Str("qid", string(qid)).Msg("memory-first retry abandoned: node lifetime context cancelled")
			return
		case <-time.After(jitter(delay, p.Retry.Jitter())):
		}

		delay = nextDelay(delay, p.Retry.CapDelay())
	}
}

// nextDelay doubles delay, capped at cap (spec §4.3: "exponential
// backoff, cap 10s").
func nextDelay(delay, capDelay time.Duration) time.Duration {
	next := delay * 2
	if next > capDelay || next <= 0 {
		return capDelay
	}
	return next
}

// jitter randomizes delay by ±fraction to avoid thundering-herd
// retries across many nodes (spec §4.3: "jitter ±10%").
func jitter(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return delay
	}
	spread := float64(delay) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(delay) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}
