package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/orchestrator"
	"github.com/pep299/daily-digest/internal/store"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the digest pipeline for one date",
		Long: `Run ingests every configured source, drops items already delivered,
ranks and summarizes the rest and delivers the digest. Running the same date
twice delivers at most once.

Example:
  daily-digest run
  daily-digest run --date 2025-03-14 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				runDate, err := resolveDate(date, s.Location, opts.now())
				if err != nil {
					return err
				}
				outcome := s.Backend.Run(ctx, runDate)
				if err := formatter(cmd, opts).Print(outcome, describeOutcome(outcome)); err != nil {
					return err
				}
				switch outcome.Status {
				case model.OutcomeCompleted:
					return nil
				case model.OutcomeSkippedAlreadyRunning:
					return NewExitError(ExitSkipped, outcome.Reason)
				}
				return NewExitError(ExitFailure, outcome.Reason)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "run date as YYYY-MM-DD (default today)")

	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint for one date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				runDate, err := resolveDate(date, s.Location, opts.now())
				if err != nil {
					return err
				}
				st, err := s.Backend.Status(ctx, runDate)
				if errors.Is(err, store.ErrNotFound) {
					return NewExitError(ExitFailure, "no run for "+model.DateKey(runDate))
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read status", err)
				}
				return formatter(cmd, opts).Print(st, describeStatus(st))
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "run date as YYYY-MM-DD (default today)")

	return cmd
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete dedup records past their retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				n, err := s.Backend.Prune(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "prune failed", err)
				}
				return formatter(cmd, opts).Print(map[string]int{"removed": n}, fmt.Sprintf("removed %d expired records\n", n))
			})
		},
	}
}

func describeOutcome(o model.RunOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", model.DateKey(o.RunDate), o.Status)
	if o.AlreadyCompleted {
		b.WriteString(" (already completed)")
	}
	if o.Resumed {
		b.WriteString(" (resumed)")
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, ": %s", o.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "candidates=%d fresh=%d selected=%d fallbacks=%d dropped=%d\n",
		o.Stats.Candidates, o.Stats.Fresh, o.Stats.Selected, o.Stats.Fallbacks, o.Stats.Dropped)
	for _, src := range o.Stats.Sources {
		if src.Error != "" {
			fmt.Fprintf(&b, "  source %s: %s\n", src.SourceID, src.Error)
		}
	}
	return b.String()
}

func describeStatus(st orchestrator.RunStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: stage=%s attempt=%d updated=%s\n",
		model.DateKey(st.RunDate), st.Stage, st.Attempt, st.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	if st.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", st.Reason)
	}
	if st.Digest != nil {
		fmt.Fprintf(&b, "digest: %d items, %s\n", len(st.Digest.Items), st.Digest.Status)
	}
	return b.String()
}
