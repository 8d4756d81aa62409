package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unidesk/unidesk/collab-go/internal/typeid"
)

// PostgresStore persists snapshots as versioned rows, one row per save,
// newest row wins on load.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	version     BIGINT NOT NULL,
	content     TEXT NOT NULL,
	op_log      JSONB NOT NULL DEFAULT '[]',
	saved_at    TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_document_snapshots_doc
	ON document_snapshots (document_id, version DESC);
`

// NewPostgresStore connects to databaseURL and ensures the snapshot table
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, snapshot Snapshot) error {
	logJSON, err := json.Marshal(snapshot.Log)
	if err != nil {
		return fmt.Errorf("marshal op log: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO document_snapshots (id, document_id, version, content, op_log, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		typeid.NewSnapshotID(), snapshot.DocumentID, snapshot.Version,
		snapshot.Content, logJSON, snapshot.SavedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) (Snapshot, error) {
	var snap Snapshot
	var logJSON []byte

	row := s.pool.QueryRow(ctx,
		`SELECT document_id, version, content, op_log, saved_at
		 FROM document_snapshots
		 WHERE document_id = $1
		 ORDER BY version DESC, created_at DESC
		 LIMIT 1`, documentID)
	err := row.Scan(&snap.DocumentID, &snap.Version, &snap.Content, &logJSON, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if err := json.Unmarshal(logJSON, &snap.Log); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal op log: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
