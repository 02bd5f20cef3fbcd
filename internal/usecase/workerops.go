package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// truncationMarker is appended once to a chunk whose text was cut down to the
// per-chunk limit.
const truncationMarker = "\n[truncated]\n"

// WorkerService serves the worker-facing operations: log ingestion and the
// terminal status transition.
type WorkerService struct {
	Jobs domain.JobRepository
	Logs domain.LogRepository

	MaxLogChars int
}

// NewWorkerService constructs a WorkerService.
func NewWorkerService(j domain.JobRepository, l domain.LogRepository, maxLogChars int) WorkerService {
	return WorkerService{Jobs: j, Logs: l, MaxLogChars: maxLogChars}
}

// AppendLogs persists a batch of chunks for the job. Chunks for a job that
// already reached a terminal status are dropped without error, so late
// flushes from a worker never fail. Returns the number of chunks stored.
func (s WorkerService) AppendLogs(ctx domain.Context, jobID string, chunks []domain.LogChunk) (int, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status.IsTerminal() {
		return 0, nil
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	prepared := make([]domain.LogChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Stream != domain.StreamStdout && c.Stream != domain.StreamStderr && c.Stream != domain.StreamSystem {
			return 0, fmt.Errorf("%w: unknown stream %q", domain.ErrInvalidArgument, c.Stream)
		}
		if c.TS.IsZero() {
			c.TS = now
		}
		c.JobID = jobID
		c.Text = s.truncate(c.Text)
		prepared = append(prepared, c)
	}
	if err := s.Logs.Append(ctx, jobID, prepared); err != nil {
		// The store re-checks status under the row lock; losing that race to a
		// concurrent finish drops the batch the same way the check above does.
		if errors.Is(err, domain.ErrConflict) {
			return 0, nil
		}
		return 0, err
	}
	return len(prepared), nil
}

// truncate cuts text down to MaxLogChars runes and appends the marker. The
// cut lands on a rune boundary so multi-byte sequences survive intact.
func (s WorkerService) truncate(text string) string {
	if s.MaxLogChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= s.MaxLogChars {
		return text
	}
	var b strings.Builder
	b.Grow(s.MaxLogChars + len(truncationMarker))
	b.WriteString(string(runes[:s.MaxLogChars]))
	b.WriteString(truncationMarker)
	return b.String()
}

// FinishRequest carries the worker's terminal report for a job.
type FinishRequest struct {
	Status   domain.JobStatus
	ExitCode *int
	Error    *string
}

// Finish moves the job to a terminal status. Finishing a job that is already
// in the same terminal state is a no-op; any transition the state machine
// forbids (a never-claimed job reported succeeded, a different terminal
// state) yields ErrConflict.
func (s WorkerService) Finish(ctx domain.Context, jobID string, req FinishRequest) (domain.Job, error) {
	if !req.Status.IsTerminal() {
		return domain.Job{}, fmt.Errorf("%w: status %q is not terminal", domain.ErrInvalidArgument, req.Status)
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != req.Status && !domain.CanTransition(job.Status, req.Status) {
		return domain.Job{}, fmt.Errorf("op=job.finish: %w", domain.ErrConflict)
	}
	// The store re-validates the transition with a conditional update, so a
	// race between the read above and the write still cannot skip states.
	if err := s.Jobs.Finish(ctx, jobID, req.Status, req.ExitCode, req.Error, time.Now().UTC()); err != nil {
		return domain.Job{}, err
	}
	return s.Jobs.Get(ctx, jobID)
}
