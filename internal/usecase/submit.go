// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// SubmitRequest carries a validated-enough job submission; field bounds are
// enforced here so every transport (HTTP, admin tooling) shares one gate.
type SubmitRequest struct {
	Command        string
	TimeoutSeconds int
	Sandbox        domain.SandboxType
	Image          *string
}

// JobService serves the consumer-facing job operations: submit with quota
// enforcement, list, get, and log reads, all scoped to the owning consumer.
type JobService struct {
	Jobs domain.JobRepository
	Logs domain.LogRepository

	AllowLocalSandbox     bool
	DefaultTimeoutSeconds int
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobRepository, l domain.LogRepository, allowLocal bool, defaultTimeout int) JobService {
	return JobService{Jobs: j, Logs: l, AllowLocalSandbox: allowLocal, DefaultTimeoutSeconds: defaultTimeout}
}

// Submit validates the request, enforces the consumer's quotas, and inserts a
// queued job. Quota breaches map to ErrRateLimited, an inactive consumer to
// ErrForbidden.
func (s JobService) Submit(ctx domain.Context, consumer domain.Consumer, req SubmitRequest) (domain.Job, error) {
	if req.Sandbox == "" {
		req.Sandbox = domain.SandboxLocal
	}
	if !req.Sandbox.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown sandbox %q", domain.ErrInvalidArgument, req.Sandbox)
	}
	if req.Sandbox == domain.SandboxLocal && !s.AllowLocalSandbox {
		return domain.Job{}, fmt.Errorf("%w: local sandbox disabled on this server", domain.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(req.Command); n < 1 || n > domain.MaxCommandChars {
		return domain.Job{}, fmt.Errorf("%w: command length must be 1..%d", domain.ErrInvalidArgument, domain.MaxCommandChars)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = s.DefaultTimeoutSeconds
	}
	if req.TimeoutSeconds < domain.MinTimeoutSeconds || req.TimeoutSeconds > domain.MaxTimeoutSeconds {
		return domain.Job{}, fmt.Errorf("%w: timeout_seconds must be %d..%d", domain.ErrInvalidArgument, domain.MinTimeoutSeconds, domain.MaxTimeoutSeconds)
	}

	if err := s.enforceSubmitQuota(ctx, consumer); err != nil {
		return domain.Job{}, err
	}

	j := domain.Job{
		ConsumerID:     consumer.ID,
		Status:         domain.JobQueued,
		CreatedAt:      time.Now().UTC(),
		Sandbox:        req.Sandbox,
		Image:          req.Image,
		Command:        req.Command,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	return s.Jobs.Create(ctx, j)
}

func (s JobService) enforceSubmitQuota(ctx domain.Context, consumer domain.Consumer) error {
	if !consumer.Active {
		return fmt.Errorf("%w: consumer is disabled", domain.ErrForbidden)
	}
	running, err := s.Jobs.CountRunning(ctx, consumer.ID)
	if err != nil {
		return err
	}
	if running >= consumer.MaxConcurrentJobs {
		return fmt.Errorf("%w: concurrent job limit reached", domain.ErrRateLimited)
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	recent, err := s.Jobs.CountCreatedSince(ctx, consumer.ID, since)
	if err != nil {
		return err
	}
	if recent >= consumer.MaxJobsPerDay {
		return fmt.Errorf("%w: daily job limit reached", domain.ErrRateLimited)
	}
	return nil
}

// List returns the consumer's jobs newest first. The limit is clamped to
// 1..200 and negative offsets to 0, mirroring the clamps to the caller via
// the returned values.
func (s JobService) List(ctx domain.Context, consumer domain.Consumer, limit, offset int) ([]domain.Job, int, int, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.Jobs.ListByConsumer(ctx, consumer.ID, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}
	return jobs, limit, offset, nil
}

// Get loads a job scoped to the consumer; a job owned by someone else is
// indistinguishable from a missing one.
func (s JobService) Get(ctx domain.Context, consumer domain.Consumer, id string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.ConsumerID != consumer.ID {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// LogsPage is one window of a job's log stream.
type LogsPage struct {
	Chunks        []domain.LogChunk
	NextOffsetSeq int64
}

// GetLogs returns chunks with seq >= offsetSeq ordered by seq. The limit is
// clamped to 1..2000. NextOffsetSeq is last seq + 1, or the input offset when
// the window is empty.
func (s JobService) GetLogs(ctx domain.Context, consumer domain.Consumer, id string, offsetSeq int64, limit int) (LogsPage, error) {
	if _, err := s.Get(ctx, consumer, id); err != nil {
		return LogsPage{}, err
	}
	if offsetSeq < 0 {
		offsetSeq = 0
	}
	if limit < 1 {
		limit = 500
	}
	if limit > 2000 {
		limit = 2000
	}
	chunks, err := s.Logs.ListByJob(ctx, id, offsetSeq, limit)
	if err != nil {
		return LogsPage{}, err
	}
	next := offsetSeq
	if n := len(chunks); n > 0 {
		next = chunks[n-1].Seq + 1
	}
	return LogsPage{Chunks: chunks, NextOffsetSeq: next}, nil
}
