package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pep299/daily-digest/internal/excerpt"
	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

var errLeaseLost = errors.New("lease lost")

type deliveryExhaustedError struct {
	attempts int
	err      error
}

func (e *deliveryExhaustedError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.attempts, e.err)
}

func (e *deliveryExhaustedError) Unwrap() error { return e.err }

// run is one claimed execution for a run date.
type run struct {
	o       *Orchestrator
	cp      model.RunCheckpoint
	p       Payload
	resumed bool
	logger  *slog.Logger
}

func (o *Orchestrator) newRun(cp model.RunCheckpoint, p Payload, resumed bool, logger *slog.Logger) *run {
	return &run{o: o, cp: cp, p: p, resumed: resumed, logger: logger}
}

func (r *run) runDate() time.Time { return r.cp.RunDate }

func (r *run) execute(ctx context.Context) model.RunOutcome {
	for !r.cp.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, fmt.Errorf("run cancelled at %s: %w", r.cp.Stage, err))
		}

		stage := r.cp.Stage
		start := r.o.now()
		if err := r.step(ctx, stage); err != nil {
			return r.fail(ctx, err)
		}
		if err := r.save(ctx, nextStage[stage], ""); err != nil {
			return r.fail(ctx, err)
		}
		r.logger.Info("stage finished", "stage", stage, "elapsed", r.o.now().Sub(start))
	}

	r.logger.Info("run completed",
		"items", len(r.p.Digest.Items),
		"candidates", r.p.Stats.Candidates,
		"fresh", r.p.Stats.Fresh,
		"fallbacks", r.p.Stats.Fallbacks,
		"delivery_attempts", r.p.Stats.DeliveryAttempts)
	return model.RunOutcome{
		RunDate: r.runDate(),
		Status:  model.OutcomeCompleted,
		Digest:  r.p.Digest,
		Resumed: r.resumed,
		Stats:   r.p.Stats,
	}
}

func (r *run) step(ctx context.Context, stage model.Stage) error {
	switch stage {
	case model.StagePending:
		return r.watermark(ctx)
	case model.StageIngesting:
		return r.ingest(ctx)
	case model.StageDeduping:
		return r.dedup(ctx)
	case model.StageRanking:
		return r.rank()
	case model.StageSummarizing:
		return r.summarize(ctx)
	case model.StageComposing:
		return r.compose(ctx)
	case model.StageDelivering:
		return r.deliver(ctx)
	}
	return &model.InvariantError{Message: fmt.Sprintf("no step for stage %q", stage)}
}

// save persists the payload and moves the cursor to stage. Every save also
// extends the lease.
func (r *run) save(ctx context.Context, stage model.Stage, reason string) error {
	if stage != r.cp.Stage {
		if err := ValidateTransition(r.cp.Stage, stage); err != nil {
			return &model.InvariantError{Message: err.Error()}
		}
	}
	payload, err := r.p.encode()
	if err != nil {
		return &model.InvariantError{Message: err.Error()}
	}

	now := r.o.now()
	cp := r.cp
	cp.Stage = stage
	cp.Payload = payload
	cp.Reason = reason
	cp.LeaseExpiresAt = now.Add(r.o.cfg.MaxRunDuration)
	cp.UpdatedAt = now

	updated, err := r.o.deps.Checkpoints.Update(ctx, cp)
	switch {
	case errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound):
		return errLeaseLost
	case err != nil:
		return &model.StateStoreError{Op: "update checkpoint", Err: err}
	}
	r.cp = updated
	return nil
}

// fail moves the run to Failed. Fingerprints this run marked seen are
// released first so the items are offered again by a later run.
func (r *run) fail(ctx context.Context, cause error) model.RunOutcome {
	outcome := model.RunOutcome{
		RunDate: r.runDate(),
		Status:  model.OutcomeFailed,
		Reason:  cause.Error(),
		Resumed: r.resumed,
		Stats:   r.p.Stats,
	}
	if errors.Is(cause, errLeaseLost) {
		r.logger.Warn("run abandoned, lease taken over", "stage", r.cp.Stage)
		return outcome
	}

	// The run may already be cancelled; the bookkeeping below must still land.
	ctx = context.WithoutCancel(ctx)

	sent := r.p.Digest != nil && r.p.Digest.Status == model.DigestSent
	if !sent && (r.cp.Stage == model.StageComposing || r.cp.Stage == model.StageDelivering) {
		r.release(ctx)
	}

	var exhausted *deliveryExhaustedError
	switch {
	case errors.As(cause, &exhausted):
		r.logger.Error("digest delivery failed", "alert", true, "attempts", exhausted.attempts, "error", exhausted.err)
	case sent:
		r.logger.Error("digest sent but completion not recorded", "alert", true, "error", cause)
	default:
		r.logger.Error("run failed", "stage", r.cp.Stage, "error", cause)
	}

	if err := r.save(ctx, model.StageFailed, cause.Error()); err != nil {
		r.logger.Error("could not record failed run", "error", err)
	}
	return outcome
}

// release forgets every fingerprint this run may have marked. Forget only
// removes records first seen on the run date, so marks from earlier days
// are never touched.
func (r *run) release(ctx context.Context) {
	fps := make(map[string]bool)
	for _, fp := range r.p.Committed {
		fps[fp] = true
	}
	for _, ri := range r.p.Ranked {
		fps[ri.Item.Fingerprint] = true
	}
	if r.p.Digest != nil {
		for _, fp := range r.p.Digest.Fingerprints() {
			fps[fp] = true
		}
	}

	released := 0
	for fp := range fps {
		if err := r.o.deps.Dedup.Forget(ctx, fp, r.runDate()); err != nil {
			r.logger.Error("could not release fingerprint", "fingerprint", fp, "error", err)
			continue
		}
		released++
	}
	r.p.Committed = nil
	if released > 0 {
		r.logger.Info("released fingerprints of undelivered digest", "count", released)
	}
}

// watermark picks the instant sources are read from: the lookback window,
// stretched back to the last completed run if that is older.
func (r *run) watermark(ctx context.Context) error {
	since := r.runDate().Add(-r.o.cfg.Lookback)
	last, err := r.o.deps.Checkpoints.LastCompleted(ctx, r.runDate())
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return &model.StateStoreError{Op: "last completed", Err: err}
	case last.RunDate.Before(since):
		since = last.RunDate
	}
	r.p.Since = since
	r.logger.Debug("watermark chosen", "since", since)
	return nil
}

func (r *run) ingest(ctx context.Context) error {
	stream := r.o.deps.Ingester.Ingest(ctx, r.p.Since)
	items := stream.Collect()
	stats := stream.Stats()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ingestion interrupted: %w", err)
	}

	for _, s := range stats {
		if s.Error != "" {
			r.logger.Warn("source failed", "source", s.SourceID, "error", s.Error)
		}
	}
	r.p.Candidates = items
	r.p.Stats.Sources = stats
	return nil
}

// dedup collapses same-fingerprint candidates and drops those the store
// has already seen.
func (r *run) dedup(ctx context.Context) error {
	candidates := append([]model.Item(nil), r.p.Candidates...)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Fingerprint != b.Fingerprint {
			return a.Fingerprint < b.Fingerprint
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.ExternalID < b.ExternalID
	})

	unique := make([]model.Item, 0, len(candidates))
	for i, item := range candidates {
		if i > 0 && item.Fingerprint == candidates[i-1].Fingerprint {
			continue
		}
		unique = append(unique, item)
	}

	fresh := make([]model.Item, 0, len(unique))
	for _, item := range unique {
		isNew, err := r.o.deps.Dedup.IsNew(ctx, item.Fingerprint, r.runDate())
		if err != nil {
			return &model.StateStoreError{Op: "is new", Err: err}
		}
		if isNew {
			fresh = append(fresh, item)
		}
	}

	r.p.Stats.Candidates = len(unique)
	r.p.Stats.Fresh = len(fresh)
	r.p.Candidates = nil
	r.p.Fresh = fresh
	return nil
}

func (r *run) rank() error {
	r.p.Ranked = r.o.deps.Ranker.Select(r.p.Fresh, r.runDate().Add(24*time.Hour))
	r.p.Stats.Selected = len(r.p.Ranked)
	r.p.Fresh = nil
	return nil
}

// summarize fills in a summary for every ranked item, degrading failures
// to an excerpt so no item is dropped.
func (r *run) summarize(ctx context.Context) error {
	items := make([]model.Item, 0, len(r.p.Ranked))
	for _, ri := range r.p.Ranked {
		items = append(items, ri.Item)
	}

	var results map[string]model.SummaryResult
	if len(items) > 0 {
		results = r.o.deps.NewSummarizer().SummarizeAll(ctx, items)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("summarization interrupted: %w", err)
	}

	summaries := make(map[string]model.SummaryResult, len(items))
	fallbacks := 0
	for _, item := range items {
		res, ok := results[item.Fingerprint]
		if ok && res.Usable() {
			summaries[item.Fingerprint] = res
			continue
		}

		text := excerpt.Fallback(item, r.o.cfg.FallbackChars)
		if text == "" {
			text = item.URL
		}
		summaries[item.Fingerprint] = model.SummaryResult{
			Fingerprint: item.Fingerprint,
			SummaryText: text,
			Status:      model.SummaryFallback,
			Attempts:    res.Attempts,
			Error:       res.Error,
		}
		fallbacks++
		r.logger.Warn("using excerpt in place of summary", "fingerprint", item.Fingerprint, "error", res.Error)
	}

	r.p.Summaries = summaries
	r.p.Stats.Fallbacks = fallbacks
	return nil
}

// compose builds the digest and commits its fingerprints. An item whose
// fingerprint another run committed first is dropped from the digest.
func (r *run) compose(ctx context.Context) error {
	d, err := r.o.deps.Composer.Compose(r.runDate(), r.p.Ranked, r.p.Summaries)
	if err != nil {
		return err
	}

	drop := make(map[string]bool)
	for _, fp := range d.Fingerprints() {
		err := r.o.deps.Dedup.MarkSeen(ctx, fp, r.runDate())
		var conflict *store.ConflictError
		switch {
		case err == nil:
		case errors.As(err, &conflict):
			if !model.Day(conflict.Existing.FirstSeenDate).Equal(r.runDate()) {
				r.logger.Info("item committed by another run, dropping", "fingerprint", fp, "first_seen", model.DateKey(conflict.Existing.FirstSeenDate))
				drop[fp] = true
				continue
			}
		default:
			return &model.StateStoreError{Op: "mark seen", Err: err}
		}
		r.p.Committed = append(r.p.Committed, fp)
	}

	d = d.Without(drop)
	r.p.Digest = &d
	r.p.Stats.Dropped = len(drop)
	r.p.Ranked = nil
	r.p.Summaries = nil
	return nil
}

// deliver sends the committed digest with bounded retries. The attempt
// counter is persisted before each send so a resumed run continues the
// same budget instead of starting a new one.
func (r *run) deliver(ctx context.Context) error {
	if r.p.Digest == nil {
		return &model.InvariantError{Message: "delivering without a composed digest"}
	}
	if len(r.p.Digest.Items) == 0 {
		r.logger.Info("nothing new, digest not sent")
		return nil
	}

	var lastErr error
	for r.p.Stats.DeliveryAttempts < r.o.cfg.DeliveryAttempts {
		r.p.Stats.DeliveryAttempts++
		if err := r.save(ctx, model.StageDelivering, ""); err != nil {
			return err
		}

		err := r.o.deps.Deliverer.Send(ctx, *r.p.Digest)
		if err == nil {
			r.p.Digest.Status = model.DigestSent
			return nil
		}
		lastErr = err
		r.logger.Warn("delivery attempt failed", "attempt", r.p.Stats.DeliveryAttempts, "error", err)

		if r.p.Stats.DeliveryAttempts >= r.o.cfg.DeliveryAttempts {
			break
		}
		if err := r.o.sleep(ctx, r.deliveryBackoff(err)); err != nil {
			return fmt.Errorf("delivery retry interrupted: %w", err)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("attempt budget spent before this claim")
	}
	return &deliveryExhaustedError{attempts: r.p.Stats.DeliveryAttempts, err: lastErr}
}

func (r *run) deliveryBackoff(err error) time.Duration {
	d := r.o.cfg.DeliveryBackoff << (r.p.Stats.DeliveryAttempts - 1)
	var retryable *model.RetryableError
	if errors.As(err, &retryable) && retryable.Delay > d {
		d = retryable.Delay
	}
	return d
}
