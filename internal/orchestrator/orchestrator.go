// Package orchestrator runs the federated training pipeline: it watches for
// trigger conditions, and when one fires, snapshots interactions, retrains
// the base classifier, fuses it with pending user uploads into a weighted
// ensemble, publishes the result as a new ModelVersion, and sweeps old
// versions. Exactly one cycle runs at a time.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/rs/zerolog/log"
)

// CycleState is the current phase of an in-progress (or just-finished)
// training cycle, surfaced for diagnostics.
type CycleState string

const (
	StateIdle       CycleState = "idle"
	StateCollecting CycleState = "collecting"
	StateTraining   CycleState = "training"
	StateFusing     CycleState = "fusing"
	StatePublishing CycleState = "publishing"
	StateRetaining  CycleState = "retaining"
	StateFailed     CycleState = "failed"
)

// CacheInvalidator is satisfied by the Registry: the Orchestrator depends
// only on this narrow interface so it never needs to import the registry
// package's resolution/streaming concerns.
type CacheInvalidator interface {
	Invalidate()
}

// Orchestrator owns the single training worker goroutine. Callers trigger a
// cycle attempt via Notify; at most one cycle runs at a time, and a Notify
// that arrives mid-cycle is coalesced into exactly one follow-up attempt.
type Orchestrator struct {
	store   store.Store
	blobs   blobstore.BlobStore
	cache   CacheInvalidator
	cfg     *config.Config

	trigger chan struct{}

	cycleInProgress atomic.Bool

	stateMu sync.RWMutex
	state   CycleState

	// lastAttempt/lastErr record the most recent cycle's start time and
	// outcome; no endpoint reports them.
	lastAttempt time.Time
	lastErr     error
}

// New constructs an Orchestrator. cache may be nil in tests that don't
// exercise publish.
func New(s store.Store, b blobstore.BlobStore, cache CacheInvalidator, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:   s,
		blobs:   b,
		cache:   cache,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// Notify requests a training cycle. Non-blocking: if a request is already
// pending, this is a no-op (the pending request still covers whatever new
// data arrived). A Notify during a running cycle is buffered and evaluated
// once that cycle finishes.
func (o *Orchestrator) Notify() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// State returns the orchestrator's current cycle phase.
func (o *Orchestrator) State() CycleState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s CycleState) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// Run is the dedicated worker loop. It blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Msg("🧠 orchestrator worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🧠 orchestrator worker stopped")
			return
		case <-o.trigger:
			o.attemptCycle(ctx)
		}
	}
}

// attemptCycle evaluates the trigger policy and, if satisfied, runs exactly
// one training cycle. Concurrent triggers are serialized by cycleInProgress:
// a Notify that lands while a cycle is running is coalesced by the buffered
// trigger channel and re-evaluated once this cycle finishes.
func (o *Orchestrator) attemptCycle(ctx context.Context) {
	if !o.cycleInProgress.CompareAndSwap(false, true) {
		return
	}
	defer o.cycleInProgress.Store(false)

	should, reason, err := o.shouldTrain(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ orchestrator: trigger policy evaluation failed")
		return
	}
	if !should {
		log.Debug().Msg("orchestrator: trigger fired but no condition satisfied, skipping")
		return
	}

	log.Info().Str("reason", reason).Msg("🚀 training cycle starting")
	o.lastAttempt = time.Now()
	o.lastErr = o.runCycle(ctx)
	if o.lastErr != nil {
		o.setState(StateFailed)
		log.Error().Err(o.lastErr).Msg("❌ training cycle failed")
		return
	}
	o.setState(StateIdle)
	log.Info().Msg("✅ training cycle complete")
}

// shouldTrain evaluates the three trigger conditions from the aggregation
// policy: T_pending uploads queued, T_hours since the last training run, or
// T_interactions new interactions logged since then. The hours and
// interactions branches additionally require at least one pending upload,
// since a cycle with nothing new to fuse has nothing to do.
func (o *Orchestrator) shouldTrain(ctx context.Context) (bool, string, error) {
	pending, err := o.store.CountPendingUploaded(ctx)
	if err != nil {
		return false, "", err
	}
	if pending >= o.cfg.TPending {
		return true, "pending uploads threshold", nil
	}
	if pending == 0 {
		return false, "", nil
	}

	lastTrained, err := o.store.MaxTrainingDate(ctx)
	if err != nil {
		return false, "", err
	}
	if !lastTrained.IsZero() && time.Since(lastTrained) >= time.Duration(o.cfg.THours*float64(time.Hour)) {
		return true, "hours-since-last-training threshold", nil
	}

	if !lastTrained.IsZero() {
		sinceCount, err := o.store.CountInteractionsSince(ctx, lastTrained)
		if err != nil {
			return false, "", err
		}
		if sinceCount >= o.cfg.TInteractions {
			return true, "new interactions threshold", nil
		}
	}

	return false, "", nil
}
