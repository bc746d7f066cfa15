package model

import (
	"encoding/json"
	"time"
)

// Stage is a RunOrchestrator state.
type Stage string

const (
	StagePending     Stage = "pending"
	StageIngesting   Stage = "ingesting"
	StageDeduping    Stage = "deduping"
	StageRanking     Stage = "ranking"
	StageSummarizing Stage = "summarizing"
	StageComposing   Stage = "composing"
	StageDelivering  Stage = "delivering"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// RunCheckpoint is the persisted cursor for one run date. Stage is the stage
// that runs next; Payload holds the output of every stage before it.
type RunCheckpoint struct {
	RunDate        time.Time       `json:"run_date"`
	Stage          Stage           `json:"stage"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Owner          string          `json:"owner"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	Attempt        int             `json:"attempt"`
	Reason         string          `json:"reason,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Version is the optimistic concurrency token. Stores set it; writers echo it back.
	Version int64 `json:"version"`
}

// Stale reports whether the lease has run past its deadline.
func (c RunCheckpoint) Stale(now time.Time) bool {
	return !c.Stage.Terminal() && !now.Before(c.LeaseExpiresAt)
}

// OutcomeStatus is the result of one trigger invocation.
type OutcomeStatus string

const (
	OutcomeCompleted             OutcomeStatus = "completed"
	OutcomeFailed                OutcomeStatus = "failed"
	OutcomeSkippedAlreadyRunning OutcomeStatus = "skipped_already_running"
)

// RunOutcome is returned by the trigger entrypoint.
type RunOutcome struct {
	RunDate time.Time     `json:"run_date"`
	Status  OutcomeStatus `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Digest  *Digest       `json:"digest,omitempty"`

	// Resumed is set when a stale checkpoint was taken over.
	Resumed bool `json:"resumed,omitempty"`
	// AlreadyCompleted is set when the run date had been completed by an earlier invocation.
	AlreadyCompleted bool     `json:"already_completed,omitempty"`
	Stats            RunStats `json:"stats"`
}

// RunStats counts what happened during a run.
type RunStats struct {
	Sources          []SourceStat `json:"sources,omitempty"`
	Candidates       int          `json:"candidates"`
	Fresh            int          `json:"fresh"`
	Selected         int          `json:"selected"`
	Fallbacks        int          `json:"fallbacks"`
	Dropped          int          `json:"dropped"`
	DeliveryAttempts int          `json:"delivery_attempts"`
}

// SourceStat reports one source's contribution to a run.
type SourceStat struct {
	SourceID string `json:"source_id"`
	Fetched  int    `json:"fetched"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}
