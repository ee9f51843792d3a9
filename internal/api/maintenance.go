package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/lifecycle"
)

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.SweepOptions
	if err := decodeJSON(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts.Strategy = ""
	res, err := s.deps.Lifecycle.Archive(r.Context(), opts)
	if err != nil {
		s.writeSweepError(w, err, "archive sweep failed")
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var opts lifecycle.SweepOptions
	if err := decodeJSON(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.deps.Lifecycle.Cleanup(r.Context(), opts)
	if err != nil {
		s.writeSweepError(w, err, "cleanup sweep failed")
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) writeSweepError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, lifecycle.ErrInvalidDays) || errors.Is(err, lifecycle.ErrInvalidStrategy) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Lifecycle.Restore(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case err == nil:
		writeData(w, http.StatusOK, res)
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, lifecycle.ErrBundleMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrNotArchived):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyDeleted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, lifecycle.ErrDestinationExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("restore job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "restore failed")
	}
}

func (s *Server) storageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Lifecycle.StorageStats(r.Context())
	if err != nil {
		s.logger.Error("storage stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute storage stats")
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) maintenanceHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Lifecycle.StorageStats(r.Context())
	if err != nil {
		s.logger.Error("storage stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute storage stats")
		return
	}
	entries := []lifecycle.Entry{}
	running := false
	if s.deps.Schedule != nil {
		entries = append(entries, s.deps.Schedule.Entries()...)
		running = true
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"schedulerRunning": running,
		"scheduledJobs":    entries,
		"storage":          stats,
	})
}
