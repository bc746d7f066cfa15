// Package cloudfunctions exposes the digest API as a Cloud Function.
package cloudfunctions

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/gorilla/mux"

	"github.com/pep299/daily-digest/internal/app"
	"github.com/pep299/daily-digest/internal/config"
	"github.com/pep299/daily-digest/internal/handlers"
	"github.com/pep299/daily-digest/internal/logging"
)

var (
	router   *mux.Router
	initErr  error
	initOnce sync.Once
)

func init() {
	functions.HTTP("RunDigest", RunDigest)
}

// RunDigest serves the /api/v1 routes. The app is built on the first request
// and reused for the life of the instance.
func RunDigest(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		router, initErr = setup(context.Background())
	})
	if initErr != nil {
		slog.Error("function init failed", "error", initErr)
		http.Error(w, "service misconfigured", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}

func setup(ctx context.Context) (*mux.Router, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// stdout only; the instance filesystem is ephemeral.
	logger, _, err := logging.New(cfg.LogLevel, "")
	if err != nil {
		return nil, err
	}
	logger = logger.With("function", os.Getenv("K_SERVICE"))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return handlers.NewServer(a.Orchestrator, cfg.Location(), cfg.AuthToken, logger).
		WithRunTimeout(cfg.RunMaxDuration).
		SetupRoutes(), nil
}
