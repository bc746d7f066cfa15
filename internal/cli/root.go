// Package cli implements the daily-digest command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/orchestrator"
)

// Backend is what the commands drive.
type Backend interface {
	Run(ctx context.Context, runDate time.Time) model.RunOutcome
	Status(ctx context.Context, runDate time.Time) (orchestrator.RunStatus, error)
	Prune(ctx context.Context) (int, error)
}

// Session is an opened Backend plus the location run dates are taken in.
type Session struct {
	Backend  Backend
	Location *time.Location
	Close    func() error
}

// Opener builds a Session. verbose lowers the log level to debug.
type Opener func(ctx context.Context, verbose bool) (*Session, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	open Opener
	now  func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open, now: time.Now}

	cmd := &cobra.Command{
		Use:   "daily-digest",
		Short: "Collect, summarize and deliver one digest per day",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *Session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := opts.open(ctx, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.Close != nil {
		defer s.Close()
	}
	return fn(ctx, s)
}

// resolveDate parses a YYYY-MM-DD flag, defaulting to today in loc.
func resolveDate(value string, loc *time.Location, now time.Time) (time.Time, error) {
	if value == "" {
		return model.Day(now.In(loc)), nil
	}
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid date %q: want YYYY-MM-DD", value))
	}
	return model.Day(d), nil
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

