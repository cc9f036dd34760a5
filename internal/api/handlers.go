// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/metrics"
	"github.com/ManuGH/comfysched/internal/store"
)

// jobView is the JSON shape of a job row.
type jobView struct {
	ID               int64   `json:"id"`
	ConfigName       string  `json:"config_name"`
	JobType          string  `json:"job_type"`
	WorkflowID       string  `json:"workflow_id"`
	Priority         int     `json:"priority"`
	Status           string  `json:"status"`
	RunCount         int     `json:"run_count"`
	RetriesAttempted int     `json:"retries_attempted"`
	RetryLimit       int     `json:"retry_limit"`
	StartTime        *string `json:"start_time"`
	EndTime          *string `json:"end_time"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ErrorTrace       string  `json:"error_trace,omitempty"`
	Metadata         string  `json:"metadata,omitempty"`
	WorkerID         string  `json:"worker_id,omitempty"`
	LeaseExpiresAt   *string `json:"lease_expires_at,omitempty"`
}

func viewOf(j *jobs.Job) jobView {
	return jobView{
		ID:               j.ID,
		ConfigName:       j.ConfigName,
		JobType:          j.Type.String(),
		WorkflowID:       j.WorkflowID,
		Priority:         j.Priority,
		Status:           j.Status.String(),
		RunCount:         j.RunCount,
		RetriesAttempted: j.RetriesAttempted,
		RetryLimit:       j.RetryLimit,
		StartTime:        timeView(j.StartTime),
		EndTime:          timeView(j.EndTime),
		DurationSeconds:  j.DurationSeconds,
		ErrorTrace:       j.ErrorTrace,
		Metadata:         string(j.Metadata),
		WorkerID:         j.WorkerID,
		LeaseExpiresAt:   timeView(j.LeaseExpiresAt),
	}
}

func timeView(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func viewsOf(rows []*jobs.Job) []jobView {
	out := make([]jobView, 0, len(rows))
	for _, j := range rows {
		out = append(out, viewOf(j))
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.st.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var status jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := jobs.ParseStatus(raw)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		status = parsed
	}
	rows, err := s.st.ListByStatus(r.Context(), status)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": viewsOf(rows)})
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	rows, err := s.st.ListByStatus(r.Context(), "")
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": viewsOf(rows)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	j, err := s.st.GetByConfigName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Priority == nil {
		writeBadRequest(w, errors.New("body must carry an integer priority"))
		return
	}

	err := s.st.SetPriority(r.Context(), name, *body.Priority)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_name": name,
		"priority":    jobs.ClampPriority(*body.Priority),
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.st.Retry(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w)
	case errors.Is(err, store.ErrNotFailed):
		writeBadRequest(w, err)
	case err != nil:
		writeServerError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"config_name": name, "status": "pending"})
	}
}

func (s *Server) handleGodMode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.st.SetPriority(r.Context(), name, jobs.PriorityMin)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_name": name,
		"priority":    jobs.PriorityMin,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	for _, status := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing, jobs.StatusDone, jobs.StatusFailed} {
		metrics.QueueDepth.WithLabelValues(status.String()).Set(float64(stats.ByStatus[status.String()]))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	count, err := s.st.RetryAllFailed(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	count, err := s.st.CancelAllPending(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

type bulkRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, errors.New("body must carry an ids array"))
		return
	}
	count, err := s.st.BulkRetry(r.Context(), body.IDs)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, errors.New("body must carry an ids array"))
		return
	}
	count, err := s.st.BulkDelete(r.Context(), body.IDs)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeBadRequest(w, errors.New("body must carry a query string"))
		return
	}
	result, err := s.st.ExecuteSQL(r.Context(), body.Query)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
