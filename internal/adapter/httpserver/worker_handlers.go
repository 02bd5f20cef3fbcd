package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/usecase"
)

type claimResponse struct {
	Job *jobDTO `json:"job"`
}

// ClaimHandler handles POST /v1/worker/claim.
func (s *Server) ClaimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Claims.ClaimNext(r.Context(), workerID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job == nil {
			writeJSON(w, http.StatusOK, claimResponse{Job: nil})
			return
		}
		observability.JobsClaimedTotal.Inc()
		LoggerFrom(r).Info("job claimed", "job_id", job.ID, "worker_id", workerID(r))
		dto := toJobDTO(*job)
		writeJSON(w, http.StatusOK, claimResponse{Job: &dto})
	}
}

type appendLogsRequest struct {
	Chunks []appendChunk `json:"chunks"`
}

type appendChunk struct {
	// Seq is advisory only; the server assigns the real sequence.
	Seq    int64     `json:"seq"`
	TS     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// AppendLogsHandler handles POST /v1/worker/jobs/{id}/logs.
func (s *Server) AppendLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req appendLogsRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		chunks := make([]domain.LogChunk, 0, len(req.Chunks))
		for _, c := range req.Chunks {
			chunks = append(chunks, domain.LogChunk{TS: c.TS, Stream: c.Stream, Text: c.Text})
		}
		n, err := s.Workers.AppendLogs(r.Context(), chi.URLParam(r, "id"), chunks)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.LogChunksAppendedTotal.Add(float64(n))
		writeJSON(w, http.StatusOK, map[string]int{"appended": n})
	}
}

type finishRequest struct {
	Status   string  `json:"status"`
	ExitCode *int    `json:"exit_code"`
	Error    *string `json:"error"`
}

// FinishHandler handles POST /v1/worker/jobs/{id}/finish.
func (s *Server) FinishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req finishRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Workers.Finish(r.Context(), chi.URLParam(r, "id"), usecase.FinishRequest{
			Status:   domain.JobStatus(req.Status),
			ExitCode: req.ExitCode,
			Error:    req.Error,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
		if job.StartedAt != nil && job.FinishedAt != nil {
			observability.JobDurationSeconds.Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
		}
		LoggerFrom(r).Info("job finished", "job_id", job.ID, "status", string(job.Status))
		writeJSON(w, http.StatusOK, toJobDTO(job))
	}
}
