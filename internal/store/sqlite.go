package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

// sqliteRepo keeps one entity kind in a shared entities table. SQLite is the
// default embedded backend; a single connection avoids SQLITE_BUSY churn
// under the coordinator's write patterns.
type sqliteRepo[T any] struct {
	db   *sql.DB
	kind string
}

// OpenSQLite opens (creating if needed) the embedded database at path.
func OpenSQLite(path string) (*Stores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{
		Projects: &sqliteRepo[model.Project]{db: db, kind: kindProject},
		Tasks:    &sqliteRepo[model.Task]{db: db, kind: kindTask},
		Sessions: &sqliteRepo[model.Session]{db: db, kind: kindSession},
		Queue:    &sqliteRepo[model.QueueItem]{db: db, kind: kindQueue},
		mode:     "sqlite",
		closeFn:  db.Close,
	}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities (kind);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (r *sqliteRepo[T]) Put(ctx context.Context, id string, expectedVersion int64, value T) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO entities (kind, id, version, data, created_at, updated_at)
			 VALUES (?, ?, 1, ?, ?, ?)`,
			r.kind, id, string(data), now, now,
		)
		if err != nil {
			var existing int64
			row := r.db.QueryRowContext(ctx,
				`SELECT version FROM entities WHERE kind=? AND id=?`, r.kind, id)
			if scanErr := row.Scan(&existing); scanErr == nil {
				return 0, fmt.Errorf("%w: record %s already exists", core.ErrVersionConflict, id)
			}
			return 0, fmt.Errorf("insert record: %w", err)
		}
		return 1, nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE entities SET version=?, data=?, updated_at=?
		  WHERE kind=? AND id=? AND version=?`,
		expectedVersion+1, string(data), now, r.kind, id, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	if affected == 0 {
		var current int64
		row := r.db.QueryRowContext(ctx,
			`SELECT version FROM entities WHERE kind=? AND id=?`, r.kind, id)
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
			}
			return 0, fmt.Errorf("update record: %w", scanErr)
		}
		return 0, fmt.Errorf("%w: record %s at version %d, expected %d",
			core.ErrVersionConflict, id, current, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (r *sqliteRepo[T]) Get(ctx context.Context, id string) (T, int64, error) {
	var (
		out     T
		version int64
		data    string
	)
	row := r.db.QueryRowContext(ctx,
		`SELECT version, data FROM entities WHERE kind=? AND id=?`, r.kind, id)
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
		}
		return out, 0, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return out, 0, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return out, version, nil
}

func (r *sqliteRepo[T]) List(ctx context.Context) ([]T, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM entities WHERE kind=? ORDER BY rowid ASC`, r.kind)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (r *sqliteRepo[T]) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind=? AND id=?`, r.kind, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	return nil
}
