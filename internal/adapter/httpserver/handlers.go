package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Consumers domain.ConsumerRepository
	Jobs      usecase.JobService
	Claims    usecase.ClaimService
	Workers   usecase.WorkerService
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, consumers domain.ConsumerRepository, jobs usecase.JobService, claims usecase.ClaimService, workers usecase.WorkerService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Consumers: consumers, Jobs: jobs, Claims: claims, Workers: workers, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitJobRequest struct {
	Command        string  `json:"command" validate:"required,min=1,max=20000"`
	TimeoutSeconds int     `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
	Sandbox        string  `json:"sandbox" validate:"omitempty,oneof=local container"`
	Image          *string `json:"image" validate:"omitempty,max=512"`
}

type jobDTO struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Sandbox        string     `json:"sandbox"`
	Image          *string    `json:"image,omitempty"`
	Command        string     `json:"command"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          *string    `json:"error,omitempty"`
}

func toJobDTO(j domain.Job) jobDTO {
	return jobDTO{
		ID:             j.ID,
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		Sandbox:        string(j.Sandbox),
		Image:          j.Image,
		Command:        j.Command,
		TimeoutSeconds: j.TimeoutSeconds,
		WorkerID:       j.WorkerID,
		ExitCode:       j.ExitCode,
		Error:          j.Error,
	}
}

type chunkDTO struct {
	Seq    int64     `json:"seq"`
	TS     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

type logsResponse struct {
	NextOffsetSeq int64      `json:"next_offset_seq"`
	Chunks        []chunkDTO `json:"chunks"`
}

func toLogsResponse(page usecase.LogsPage) logsResponse {
	out := logsResponse{NextOffsetSeq: page.NextOffsetSeq, Chunks: make([]chunkDTO, 0, len(page.Chunks))}
	for _, c := range page.Chunks {
		out.Chunks = append(out.Chunks, chunkDTO{Seq: c.Seq, TS: c.TS, Stream: c.Stream, Text: c.Text})
	}
	return out
}

// SubmitJobHandler handles POST /v1/jobs.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumer, ok := ConsumerFrom(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req submitJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Jobs.Submit(r.Context(), consumer, usecase.SubmitRequest{
			Command:        req.Command,
			TimeoutSeconds: req.TimeoutSeconds,
			Sandbox:        domain.SandboxType(req.Sandbox),
			Image:          req.Image,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.JobsSubmittedTotal.WithLabelValues(string(job.Sandbox)).Inc()
		LoggerFrom(r).Info("job submitted",
			"job_id", job.ID, "consumer", consumer.Name, "sandbox", string(job.Sandbox))
		writeJSON(w, http.StatusCreated, toJobDTO(job))
	}
}

// ListJobsHandler handles GET /v1/jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumer, ok := ConsumerFrom(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		jobs, limit, offset, err := s.Jobs.List(r.Context(), consumer, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]jobDTO, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, toJobDTO(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": items, "limit": limit, "offset": offset})
	}
}

// GetJobHandler handles GET /v1/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumer, ok := ConsumerFrom(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		job, err := s.Jobs.Get(r.Context(), consumer, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobDTO(job))
	}
}

// GetJobLogsHandler handles GET /v1/jobs/{id}/logs.
func (s *Server) GetJobLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumer, ok := ConsumerFrom(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		offsetSeq := int64(queryInt(r, "offset_seq", 0))
		limit := queryInt(r, "limit", 500)
		page, err := s.Jobs.GetLogs(r.Context(), consumer, chi.URLParam(r, "id"), offsetSeq, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toLogsResponse(page))
	}
}

// HealthHandler responds 200 for liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler verifies the database is reachable.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DBCheck(ctx); err != nil {
				LoggerFrom(r).Warn("readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
