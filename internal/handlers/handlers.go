package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

type runRequest struct {
	Date string `json:"date"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status: "ok",
		Data: map[string]interface{}{
			"timestamp": s.now().Unix(),
		},
	})
}

// triggerRunHandler runs the pipeline for the requested date, or today in the
// configured location when the body is empty.
func (s *Server) triggerRunHandler(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	runDate := model.Day(s.now().In(s.location))
	if req.Date != "" {
		d, err := parseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		runDate = d
	}

	// A dropped connection must not fail the run; the lease timeout bounds it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
	defer cancel()

	outcome := s.runner.Run(ctx, runDate)
	switch outcome.Status {
	case model.OutcomeCompleted:
		writeSuccess(w, "run completed", outcome)
	case model.OutcomeSkippedAlreadyRunning:
		writeJSON(w, http.StatusConflict, Response{Status: string(outcome.Status), Message: outcome.Reason, Data: outcome})
	default:
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Error: outcome.Reason, Data: outcome})
	}
}

func (s *Server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	runDate, err := parseDate(mux.Vars(r)["date"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	status, err := s.runner.Status(r.Context(), runDate)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no run for "+model.DateKey(runDate))
		return
	}
	if err != nil {
		s.logger.Error("reading run status failed", "run_date", model.DateKey(runDate), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read run status")
		return
	}
	writeSuccess(w, "", status)
}

func (s *Server) pruneHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.runner.Prune(r.Context())
	if err != nil {
		s.logger.Error("prune failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to prune dedup records")
		return
	}
	writeSuccess(w, "pruned", map[string]int{"removed": n})
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return model.Day(d), nil
}
