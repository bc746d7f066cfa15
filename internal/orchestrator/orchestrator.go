// Package orchestrator runs the daily digest pipeline for one run date:
// ingest, dedup, rank, summarize, compose, deliver. A checkpoint per date
// acts as the lease that keeps concurrent triggers single-flight and as
// the cursor an interrupted run resumes from.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pep299/daily-digest/internal/digest"
	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/rank"
	"github.com/pep299/daily-digest/internal/source"
	"github.com/pep299/daily-digest/internal/store"
)

// Ingester fans out to the configured sources.
type Ingester interface {
	Ingest(ctx context.Context, since time.Time) *source.Stream
}

// Summarizer produces a result for every item, keyed by fingerprint.
type Summarizer interface {
	SummarizeAll(ctx context.Context, items []model.Item) map[string]model.SummaryResult
}

// Deliverer transmits a composed digest.
type Deliverer interface {
	Send(ctx context.Context, d model.Digest) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Checkpoints store.CheckpointStore
	Dedup       store.DedupStore
	Ingester    Ingester
	Ranker      *rank.Ranker
	// NewSummarizer is called once per run; summarizer state is run-scoped.
	NewSummarizer func() Summarizer
	Composer      *digest.Composer
	Deliverer     Deliverer
}

// Config bounds a run.
type Config struct {
	// Lookback is how far before the run date sources are read from.
	Lookback time.Duration
	// MaxRunDuration is the lease length. A checkpoint not written for this
	// long is stale and may be taken over.
	MaxRunDuration   time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
	FallbackChars    int
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 72 * time.Hour
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 30 * time.Minute
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = 3
	}
	if c.DeliveryBackoff <= 0 {
		c.DeliveryBackoff = 5 * time.Second
	}
	return c
}

// Orchestrator is the RunOrchestrator state machine.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newOwner func() string
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		newOwner: uuid.NewString,
	}
}

// Run executes the pipeline for runDate. It tolerates at-least-once
// invocation: a date already completed returns its stored digest without
// sending again, and a date whose lease is held elsewhere is skipped.
func (o *Orchestrator) Run(ctx context.Context, runDate time.Time) model.RunOutcome {
	runDate = model.Day(runDate)
	owner := o.newOwner()
	logger := o.logger.With("run_date", model.DateKey(runDate), "owner", owner)

	r, outcome, ok := o.acquire(ctx, runDate, owner, logger)
	if !ok {
		return outcome
	}
	return r.execute(ctx)
}

// acquire takes the lease for runDate. When ok is false the returned
// outcome is final.
func (o *Orchestrator) acquire(ctx context.Context, runDate time.Time, owner string, logger *slog.Logger) (*run, model.RunOutcome, bool) {
	now := o.now()
	cp := model.RunCheckpoint{
		RunDate:        runDate,
		Stage:          model.StagePending,
		Owner:          owner,
		LeaseExpiresAt: now.Add(o.cfg.MaxRunDuration),
		Attempt:        1,
		UpdatedAt:      now,
	}

	created, err := o.deps.Checkpoints.Create(ctx, cp)
	if err == nil {
		logger.Info("run started")
		return o.newRun(created, Payload{}, false, logger), model.RunOutcome{}, true
	}
	if !errors.Is(err, store.ErrExists) {
		return nil, o.failedBeforeStart(runDate, &model.StateStoreError{Op: "create checkpoint", Err: err}, logger), false
	}

	existing, err := o.deps.Checkpoints.Get(ctx, runDate)
	if err != nil {
		return nil, o.failedBeforeStart(runDate, &model.StateStoreError{Op: "get checkpoint", Err: err}, logger), false
	}
	p, err := decodePayload(existing.Payload)
	if err != nil {
		return nil, o.failedBeforeStart(runDate, &model.InvariantError{Message: err.Error()}, logger), false
	}

	switch {
	case existing.Stage == model.StageCompleted:
		logger.Info("run already completed", "attempt", existing.Attempt)
		return nil, model.RunOutcome{
			RunDate:          runDate,
			Status:           model.OutcomeCompleted,
			Digest:           p.Digest,
			AlreadyCompleted: true,
			Stats:            p.Stats,
		}, false

	case existing.Stage == model.StageFailed:
		if p.Stats.DeliveryAttempts > 0 {
			logger.Info("run failed after delivery was attempted, not retrying", "reason", existing.Reason)
			return nil, model.RunOutcome{
				RunDate: runDate,
				Status:  model.OutcomeFailed,
				Reason:  "failed earlier after delivery was attempted: " + existing.Reason,
				Stats:   p.Stats,
			}, false
		}
		claim := existing
		claim.Stage = model.StagePending
		claim.Payload = nil
		claim.Reason = ""
		return o.claim(ctx, existing, claim, owner, Payload{}, false, logger)

	case !existing.Stale(now):
		logger.Info("run skipped, lease held", "holder", existing.Owner, "stage", existing.Stage, "lease_expires_at", existing.LeaseExpiresAt)
		return nil, model.RunOutcome{
			RunDate: runDate,
			Status:  model.OutcomeSkippedAlreadyRunning,
			Reason:  fmt.Sprintf("run held by %s at stage %s", existing.Owner, existing.Stage),
		}, false

	default:
		logger.Warn("taking over stale run", "holder", existing.Owner, "stage", existing.Stage, "lease_expires_at", existing.LeaseExpiresAt)
		return o.claim(ctx, existing, existing, owner, p, true, logger)
	}
}

// claim replaces the holder of an existing checkpoint. Losing the race to
// another invocation is reported as already running.
func (o *Orchestrator) claim(ctx context.Context, existing, claim model.RunCheckpoint, owner string, p Payload, resumed bool, logger *slog.Logger) (*run, model.RunOutcome, bool) {
	if claim.Stage != existing.Stage {
		if err := ValidateTransition(existing.Stage, claim.Stage); err != nil {
			return nil, o.failedBeforeStart(existing.RunDate, &model.InvariantError{Message: err.Error()}, logger), false
		}
	}
	now := o.now()
	claim.Owner = owner
	claim.LeaseExpiresAt = now.Add(o.cfg.MaxRunDuration)
	claim.Attempt = existing.Attempt + 1
	claim.UpdatedAt = now

	updated, err := o.deps.Checkpoints.Update(ctx, claim)
	switch {
	case errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound):
		logger.Info("run skipped, lost the claim race")
		return nil, model.RunOutcome{
			RunDate: existing.RunDate,
			Status:  model.OutcomeSkippedAlreadyRunning,
			Reason:  "another invocation claimed the run",
		}, false
	case err != nil:
		return nil, o.failedBeforeStart(existing.RunDate, &model.StateStoreError{Op: "claim checkpoint", Err: err}, logger), false
	}

	logger.Info("run claimed", "stage", updated.Stage, "attempt", updated.Attempt, "resumed", resumed)
	return o.newRun(updated, p, resumed, logger), model.RunOutcome{}, true
}

func (o *Orchestrator) failedBeforeStart(runDate time.Time, err error, logger *slog.Logger) model.RunOutcome {
	logger.Error("run could not start", "error", err)
	return model.RunOutcome{RunDate: runDate, Status: model.OutcomeFailed, Reason: err.Error()}
}

// RunStatus describes the persisted state of one run date.
type RunStatus struct {
	RunDate        time.Time      `json:"run_date"`
	Stage          model.Stage    `json:"stage"`
	Owner          string         `json:"owner"`
	Attempt        int            `json:"attempt"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at"`
	Reason         string         `json:"reason,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Digest         *model.Digest  `json:"digest,omitempty"`
	Stats          model.RunStats `json:"stats"`
}

// Status reads the checkpoint for runDate. It returns store.ErrNotFound when
// the date never ran.
func (o *Orchestrator) Status(ctx context.Context, runDate time.Time) (RunStatus, error) {
	cp, err := o.deps.Checkpoints.Get(ctx, model.Day(runDate))
	if err != nil {
		return RunStatus{}, err
	}
	p, err := decodePayload(cp.Payload)
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{
		RunDate:        cp.RunDate,
		Stage:          cp.Stage,
		Owner:          cp.Owner,
		Attempt:        cp.Attempt,
		LeaseExpiresAt: cp.LeaseExpiresAt,
		Reason:         cp.Reason,
		UpdatedAt:      cp.UpdatedAt,
		Digest:         p.Digest,
		Stats:          p.Stats,
	}, nil
}

// Prune removes dedup records whose retention has expired.
func (o *Orchestrator) Prune(ctx context.Context) (int, error) {
	n, err := o.deps.Dedup.Prune(ctx, o.now())
	if err != nil {
		return 0, &model.StateStoreError{Op: "prune", Err: err}
	}
	o.logger.Info("pruned expired dedup records", "removed", n)
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
