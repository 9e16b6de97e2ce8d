package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/control/pkg/schema"
)

// DefaultTable is the table results are stored in.
const DefaultTable = "control_results"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink upserts every result into a table keyed by task ID.
type PostgresSink struct {
	db     execer
	table  string
	closer func()
}

// NewPostgresSink connects to dsn and creates the table if it is missing.
func NewPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid postgres dsn").WithCause(err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := newPostgresSink(pool, table)
	s.closer = pool.Close
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db execer, table string) *PostgresSink {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSink{db: db, table: pgx.Identifier{table}.Sanitize()}
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			task_id       TEXT PRIMARY KEY,
			graph_id      TEXT NOT NULL,
			graph_name    TEXT NOT NULL,
			status        TEXT NOT NULL,
			worker_id     INTEGER NOT NULL,
			final_outputs JSONB,
			output_stack  JSONB,
			final_nodes   JSONB,
			error         JSONB,
			started_at    TIMESTAMPTZ,
			finished_at   TIMESTAMPTZ NOT NULL
		)
	`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, r Result) error {
	outputs, err := jsonb(r.FinalOutputs)
	if err != nil {
		return err
	}
	stack, err := jsonb(r.OutputStack)
	if err != nil {
		return err
	}
	finals, err := jsonb(r.FinalNodes)
	if err != nil {
		return err
	}
	errPayload, err := jsonb(r.Error)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (task_id, graph_id, graph_name, status, worker_id,
		                final_outputs, output_stack, final_nodes, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			final_outputs = EXCLUDED.final_outputs,
			output_stack = EXCLUDED.output_stack,
			final_nodes = EXCLUDED.final_nodes,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`, s.table)
	_, err = s.db.Exec(ctx, query,
		r.TaskID,
		r.GraphID,
		r.GraphName,
		r.Status,
		r.WorkerID,
		outputs,
		stack,
		finals,
		errPayload,
		nullTime(r.StartedAt),
		r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result %s: %w", r.TaskID, err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

// jsonb encodes v, keeping empty values NULL.
func jsonb[T any](v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
