package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SnapshotStore persists session snapshots in sqlite. Writes retry
// with backoff because snapshot durability matters more than latency;
// reads fail fast.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore prepares the snapshot table on the given database.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			record_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_session
			ON snapshots(session_id, created_at DESC);
	`)
	return err
}

// SnapshotMeta describes a stored snapshot without its payload.
type SnapshotMeta struct {
	ID        string
	SessionID string
	Owner     string
	Status    Status
	CreatedAt time.Time
	ByteSize  int64
}

// Save stores a snapshot of the session and returns the snapshot ID.
func (s *SnapshotStore) Save(ctx context.Context, sess *Session) (string, error) {
	data, err := sess.Snapshot()
	if err != nil {
		return "", err
	}

	id := NewID()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	insert := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO snapshots (id, session_id, owner, status, created_at, record_gz, byte_size)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, sess.ID, sess.Owner, string(sess.Status()), now, data, len(data))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(insert, policy); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return id, nil
}

// Load returns the raw snapshot payload by snapshot ID.
func (s *SnapshotStore) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record_gz FROM snapshots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

// Latest returns the most recent snapshot payload for a session.
func (s *SnapshotStore) Latest(ctx context.Context, sessionID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record_gz FROM snapshots
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no snapshots for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	return data, nil
}

// List returns snapshot metadata for a session, newest first.
func (s *SnapshotStore) List(ctx context.Context, sessionID string, limit int) ([]SnapshotMeta, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, owner, status, created_at, byte_size
		FROM snapshots
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotMeta
	for rows.Next() {
		var meta SnapshotMeta
		var created string
		if err := rows.Scan(&meta.ID, &meta.SessionID, &meta.Owner, &meta.Status, &created, &meta.ByteSize); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of a session.
func (s *SnapshotStore) Prune(ctx context.Context, sessionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM snapshots
			WHERE session_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}
