package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements postgres.PgxPool for tests.
// It records statements and returns configured results.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     []rowStub // QueryRow returns these in order when set
	rowIdx   int
	queryErr error
	tx       *txStub
	sqls     []string
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	p.sqls = append(p.sqls, sql)
	if len(p.rows) > 0 {
		r := p.rows[p.rowIdx%len(p.rows)]
		p.rowIdx++
		return r
	}
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.sqls = append(p.sqls, sql)
	return nil, p.queryErr
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.tx != nil {
		return p.tx, nil
	}
	return nil, errors.New("begin not configured")
}

// txStub stubs the transaction methods the repos use; anything else panics
// through the embedded nil interface.
type txStub struct {
	pgx.Tx
	rows      []rowStub // QueryRow returns these in order
	rowIdx    int
	batchSent bool
	committed bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	r := t.rows[t.rowIdx%len(t.rows)]
	t.rowIdx++
	return r
}

func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	t.batchSent = true
	return nil
}

func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error { return nil }

func errRow(err error) rowStub { return rowStub{scan: func(_ ...any) error { return err }} }
