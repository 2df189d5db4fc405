package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

type postgresRepo[T any] struct {
	pool *pgxpool.Pool
	kind string
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Stores, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Stores{
		Projects: &postgresRepo[model.Project]{pool: pool, kind: kindProject},
		Tasks:    &postgresRepo[model.Task]{pool: pool, kind: kindTask},
		Sessions: &postgresRepo[model.Session]{pool: pool, kind: kindSession},
		Queue:    &postgresRepo[model.QueueItem]{pool: pool, kind: kindQueue},
		mode:     "postgres",
		closeFn: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			seq BIGSERIAL,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			version BIGINT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_kind_seq ON entities (kind, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *postgresRepo[T]) Put(ctx context.Context, id string, expectedVersion int64, value T) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO entities (kind, id, version, data, created_at, updated_at)
			 VALUES ($1, $2, 1, $3, $4, $5)`,
			r.kind, id, data, now, now,
		)
		if err != nil {
			var existing int64
			row := r.pool.QueryRow(ctx,
				`SELECT version FROM entities WHERE kind=$1 AND id=$2`, r.kind, id)
			if scanErr := row.Scan(&existing); scanErr == nil {
				return 0, fmt.Errorf("%w: record %s already exists", core.ErrVersionConflict, id)
			}
			return 0, fmt.Errorf("insert record: %w", err)
		}
		return 1, nil
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE entities SET version=$1, data=$2, updated_at=$3
		  WHERE kind=$4 AND id=$5 AND version=$6`,
		expectedVersion+1, data, now, r.kind, id, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		row := r.pool.QueryRow(ctx,
			`SELECT version FROM entities WHERE kind=$1 AND id=$2`, r.kind, id)
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
			}
			return 0, fmt.Errorf("update record: %w", scanErr)
		}
		return 0, fmt.Errorf("%w: record %s at version %d, expected %d",
			core.ErrVersionConflict, id, current, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (r *postgresRepo[T]) Get(ctx context.Context, id string) (T, int64, error) {
	var (
		out     T
		version int64
		data    []byte
	)
	row := r.pool.QueryRow(ctx,
		`SELECT version, data FROM entities WHERE kind=$1 AND id=$2`, r.kind, id)
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
		}
		return out, 0, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, 0, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return out, version, nil
}

func (r *postgresRepo[T]) List(ctx context.Context) ([]T, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT data FROM entities WHERE kind=$1 ORDER BY seq ASC`, r.kind)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (r *postgresRepo[T]) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM entities WHERE kind=$1 AND id=$2`, r.kind, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	return nil
}
