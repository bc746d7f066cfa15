package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pep299/daily-digest/internal/app"
	"github.com/pep299/daily-digest/internal/cli"
	"github.com/pep299/daily-digest/internal/config"
	"github.com/pep299/daily-digest/internal/logging"
)

func main() {
	if err := cli.NewRootCommand(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func open(ctx context.Context, verbose bool) (*cli.Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, logCloser, err := logging.New(level, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	return &cli.Session{
		Backend:  a.Orchestrator,
		Location: cfg.Location(),
		Close: func() error {
			err := a.Close()
			logCloser.Close()
			return err
		},
	}, nil
}
