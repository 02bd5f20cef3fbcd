package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobCols = `id, consumer_id, status, created_at, started_at, finished_at, sandbox, image, command, timeout_seconds, worker_id, exit_code, error`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.ConsumerID, &j.Status, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		&j.Sandbox, &j.Image, &j.Command, &j.TimeoutSeconds, &j.WorkerID, &j.ExitCode, &j.Error)
	return j, err
}

// Create inserts a new queued job and returns it.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, consumer_id, status, created_at, sandbox, image, command, timeout_seconds) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.ConsumerID, j.Status, j.CreatedAt, j.Sandbox, j.Image, j.Command, j.TimeoutSeconds)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Job{}, wrapNoRows("job.get", err)
	}
	return j, nil
}

// ListByConsumer returns the consumer's jobs ordered by created_at desc.
func (r *JobRepo) ListByConsumer(ctx domain.Context, consumerID string, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByConsumer")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM jobs WHERE consumer_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, consumerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// CountRunning returns the number of the consumer's jobs currently running.
func (r *JobRepo) CountRunning(ctx domain.Context, consumerID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountRunning")
	defer span.End()
	q := `SELECT COUNT(*) FROM jobs WHERE consumer_id=$1 AND status=$2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, consumerID, domain.JobRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_running: %w", err)
	}
	return n, nil
}

// CountCreatedSince returns the number of the consumer's jobs created at or
// after the given instant.
func (r *JobRepo) CountCreatedSince(ctx domain.Context, consumerID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountCreatedSince")
	defer span.End()
	q := `SELECT COUNT(*) FROM jobs WHERE consumer_id=$1 AND created_at >= $2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, consumerID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_created_since: %w", err)
	}
	return n, nil
}

// OldestQueued returns the FIFO head of the queue: oldest created_at, ties
// broken by id. ErrNotFound when no job is queued.
func (r *JobRepo) OldestQueued(ctx domain.Context) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.OldestQueued")
	defer span.End()
	q := `SELECT ` + jobCols + ` FROM jobs WHERE status=$1 ORDER BY created_at, id LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, domain.JobQueued))
	if err != nil {
		return domain.Job{}, wrapNoRows("job.oldest_queued", err)
	}
	return j, nil
}

// Claim is the conditional transition queued→running. The WHERE clause on
// status makes it safe under concurrent workers: the update matches at most
// once, so at most one caller sees the returned row. ErrNotFound means the
// job was already claimed (or cancelled) by someone else.
func (r *JobRepo) Claim(ctx domain.Context, id, workerID string, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	q := `UPDATE jobs SET status=$2, started_at=$3, worker_id=$4
		WHERE id=$1 AND status=$5
		RETURNING ` + jobCols
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobRunning, now, workerID, domain.JobQueued))
	if err != nil {
		return domain.Job{}, wrapNoRows("job.claim", err)
	}
	return j, nil
}

// Finish writes a terminal state. Succeeded and failed are reachable only
// from running; cancelled additionally covers the operator path on a queued
// job. A repeated call for the same terminal status is a no-op; any other
// blocked transition is ErrConflict, a missing job ErrNotFound.
func (r *JobRepo) Finish(ctx domain.Context, id string, status domain.JobStatus, exitCode *int, errMsg *string, finishedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	q := `UPDATE jobs SET status=$2, exit_code=$3, error=$4, finished_at=$5
		WHERE id=$1 AND status=$6`
	args := []any{id, status, exitCode, errMsg, finishedAt, domain.JobRunning}
	if status == domain.JobCancelled {
		q = `UPDATE jobs SET status=$2, exit_code=$3, error=$4, finished_at=$5
			WHERE id=$1 AND status IN ($6, $7)`
		args = append(args, domain.JobQueued)
	}
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.finish: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// No transition happened: distinguish missing from blocked.
	var st domain.JobStatus
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&st); err != nil {
		return wrapNoRows("job.finish", err)
	}
	if st == status {
		return nil
	}
	return fmt.Errorf("op=job.finish: %w", domain.ErrConflict)
}
