package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/screenpilot/internal/session"
)

// PostgresStore persists session history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_history (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			ended_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			ai_text TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			mission_achieved BOOLEAN NOT NULL DEFAULT FALSE,
			uploads INTEGER NOT NULL DEFAULT 0,
			skipped_ticks INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_ended ON session_history (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	record, err := normalize(record)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_history (id, session_id, outcome, ended_by, reason, ai_text, pii_redacted, mission_achieved, uploads, skipped_ticks, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID,
		record.SessionID,
		string(record.Outcome),
		record.EndedBy,
		record.Reason,
		record.AIText,
		record.PIIRedacted,
		record.MissionAchieved,
		record.Uploads,
		record.SkippedTicks,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, outcome, ended_by, reason, ai_text, pii_redacted, mission_achieved, uploads, skipped_ticks, started_at, ended_at
		 FROM session_history ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			outcome string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &outcome, &r.EndedBy, &r.Reason, &r.AIText,
			&r.PIIRedacted, &r.MissionAchieved, &r.Uploads, &r.SkippedTicks, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if r.Outcome, err = session.ParseState(outcome); err != nil {
			return nil, fmt.Errorf("history row %s: %w", r.ID, err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
