package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// ConsumerRepo persists and loads consumers from PostgreSQL.
type ConsumerRepo struct{ Pool PgxPool }

// NewConsumerRepo constructs a ConsumerRepo with the given pool.
func NewConsumerRepo(p PgxPool) *ConsumerRepo { return &ConsumerRepo{Pool: p} }

const consumerCols = `id, name, active, key_id, key_salt_b64, key_digest_b64, max_concurrent_jobs, max_jobs_per_day, created_at`

func scanConsumer(row pgx.Row) (domain.Consumer, error) {
	var c domain.Consumer
	err := row.Scan(&c.ID, &c.Name, &c.Active, &c.KeyID, &c.KeySaltB64, &c.KeyDigestB64,
		&c.MaxConcurrentJobs, &c.MaxJobsPerDay, &c.CreatedAt)
	return c, err
}

// Create inserts a new consumer. Name and key_id collisions map to ErrConflict.
func (r *ConsumerRepo) Create(ctx domain.Context, c domain.Consumer) (domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.Create")
	defer span.End()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO consumers (` + consumerCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, c.ID, c.Name, c.Active, c.KeyID, c.KeySaltB64, c.KeyDigestB64,
		c.MaxConcurrentJobs, c.MaxJobsPerDay, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Consumer{}, fmt.Errorf("op=consumer.create: %w", domain.ErrConflict)
		}
		return domain.Consumer{}, fmt.Errorf("op=consumer.create: %w", err)
	}
	return c, nil
}

// Get loads a consumer by id.
func (r *ConsumerRepo) Get(ctx domain.Context, id string) (domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.Get")
	defer span.End()
	q := `SELECT ` + consumerCols + ` FROM consumers WHERE id=$1`
	c, err := scanConsumer(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Consumer{}, wrapNoRows("consumer.get", err)
	}
	return c, nil
}

// GetByKeyID loads a consumer by its public key id.
func (r *ConsumerRepo) GetByKeyID(ctx domain.Context, keyID string) (domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.GetByKeyID")
	defer span.End()
	q := `SELECT ` + consumerCols + ` FROM consumers WHERE key_id=$1`
	c, err := scanConsumer(r.Pool.QueryRow(ctx, q, keyID))
	if err != nil {
		return domain.Consumer{}, wrapNoRows("consumer.get_by_key_id", err)
	}
	return c, nil
}

// GetByName loads a consumer by its unique name.
func (r *ConsumerRepo) GetByName(ctx domain.Context, name string) (domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.GetByName")
	defer span.End()
	q := `SELECT ` + consumerCols + ` FROM consumers WHERE name=$1`
	c, err := scanConsumer(r.Pool.QueryRow(ctx, q, name))
	if err != nil {
		return domain.Consumer{}, wrapNoRows("consumer.get_by_name", err)
	}
	return c, nil
}

// List returns all consumers ordered by creation time.
func (r *ConsumerRepo) List(ctx domain.Context) ([]domain.Consumer, error) {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.List")
	defer span.End()
	q := `SELECT ` + consumerCols + ` FROM consumers ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=consumer.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, fmt.Errorf("op=consumer.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=consumer.list: %w", err)
	}
	return out, nil
}

// Update writes the mutable fields: active, quotas, credential material.
func (r *ConsumerRepo) Update(ctx domain.Context, c domain.Consumer) error {
	tracer := otel.Tracer("repo.consumers")
	ctx, span := tracer.Start(ctx, "consumers.Update")
	defer span.End()
	q := `UPDATE consumers SET active=$2, key_id=$3, key_salt_b64=$4, key_digest_b64=$5,
		max_concurrent_jobs=$6, max_jobs_per_day=$7 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, c.ID, c.Active, c.KeyID, c.KeySaltB64, c.KeyDigestB64,
		c.MaxConcurrentJobs, c.MaxJobsPerDay)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=consumer.update: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=consumer.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=consumer.update: %w", domain.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapNoRows(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
