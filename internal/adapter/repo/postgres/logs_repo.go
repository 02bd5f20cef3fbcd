package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// LogRepo persists and loads job log chunks.
type LogRepo struct{ Pool PgxPool }

// NewLogRepo constructs a LogRepo with the given pool.
func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

// NextSeq returns max(seq)+1 for the job, or 0 when no chunks exist.
func (r *LogRepo) NextSeq(ctx domain.Context, jobID string) (int64, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.NextSeq")
	defer span.End()
	q := `SELECT COALESCE(MAX(seq)+1, 0) FROM job_log_chunks WHERE job_id=$1`
	var seq int64
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("op=logs.next_seq: %w", err)
	}
	return seq, nil
}

// Append inserts the chunks in a single transaction, assigning dense seq
// numbers in the order supplied. The job row is locked for the duration so
// concurrent appends to the same job serialize instead of colliding on seq.
func (r *LogRepo) Append(ctx domain.Context, jobID string, chunks []domain.LogChunk) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Append")
	defer span.End()
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=logs.append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var st domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, jobID).Scan(&st); err != nil {
		return wrapNoRows("logs.append", err)
	}
	// Checked under the row lock: a finish that committed after the caller's
	// status read must still block the batch.
	if st.IsTerminal() {
		return fmt.Errorf("op=logs.append: %w", domain.ErrConflict)
	}

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq)+1, 0) FROM job_log_chunks WHERE job_id=$1`, jobID).Scan(&seq); err != nil {
		return fmt.Errorf("op=logs.append: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO job_log_chunks (job_id, seq, ts, stream, text) VALUES ($1,$2,$3,$4,$5)`,
			jobID, seq, c.TS, c.Stream, c.Text)
		seq++
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("op=logs.append: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("op=logs.append: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=logs.append: %w", err)
	}
	return nil
}

// ListByJob returns chunks with seq >= offsetSeq ordered by seq, up to limit.
func (r *LogRepo) ListByJob(ctx domain.Context, jobID string, offsetSeq int64, limit int) ([]domain.LogChunk, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListByJob")
	defer span.End()
	q := `SELECT job_id, seq, ts, stream, text FROM job_log_chunks WHERE job_id=$1 AND seq >= $2 ORDER BY seq LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, jobID, offsetSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("op=logs.list: %w", err)
	}
	defer rows.Close()
	var out []domain.LogChunk
	for rows.Next() {
		var c domain.LogChunk
		if err := rows.Scan(&c.JobID, &c.Seq, &c.TS, &c.Stream, &c.Text); err != nil {
			return nil, fmt.Errorf("op=logs.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=logs.list: %w", err)
	}
	return out, nil
}
