// Package index maintains the secondary SQLite index over Relay envelopes.
// The filesystem is the source of truth; the index exists for fast queries
// by subject, endpoint and status, and is reconstructable via Rebuild.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/maildir"
	"github.com/jmoiron/sqlx"
)

// Semantic statuses. Deliberately distinct from the maildir directory
// names; the translation happens only at Rebuild time.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a message id is absent from the index.
var ErrNotFound = errors.New("message not found")

// Message is one indexed envelope.
type Message struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	EndpointHash string `json:"endpointHash"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// QueryOptions filter and paginate QueryMessages.
type QueryOptions struct {
	Subject      string
	EndpointHash string
	Status       string
	Limit        int
	Cursor       string
}

// SubjectCount is one entry of the per-subject volume breakdown.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

// Metrics aggregates index counts.
type Metrics struct {
	TotalMessages int            `json:"totalMessages"`
	ByStatus      map[string]int `json:"byStatus"`
	BySubject     []SubjectCount `json:"bySubject"`
}

const defaultQueryLimit = 50

// Store persists the index in the shared database.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the store and its schema.
func NewStore(database *db.Database) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize relay index schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS relay_messages (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		endpoint_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_relay_messages_subject ON relay_messages(subject);
	CREATE INDEX IF NOT EXISTS idx_relay_messages_endpoint ON relay_messages(endpoint_hash, status);
	CREATE INDEX IF NOT EXISTS idx_relay_messages_status ON relay_messages(status);
	`)
	return err
}

// InsertMessage upserts a row; re-inserting an id overwrites status and
// timestamps.
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, subject, endpoint_hash, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			endpoint_hash = excluded.endpoint_hash,
			status = excluded.status,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, msg.ID, msg.Subject, msg.EndpointHash, msg.Status, msg.CreatedAt, msg.ExpiresAt)
	return err
}

// UpdateStatus returns true iff a row changed.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE relay_messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetMessage retrieves one row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg := &Message{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, subject, endpoint_hash, status, created_at, expires_at
		FROM relay_messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.Subject, &msg.EndpointHash, &msg.Status, &msg.CreatedAt, &msg.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

// GetBySubject returns all rows for a concrete subject, newest first.
func (s *Store) GetBySubject(ctx context.Context, subj string) ([]Message, error) {
	return s.scanMessages(ctx, `
		SELECT id, subject, endpoint_hash, status, created_at, expires_at
		FROM relay_messages WHERE subject = ? ORDER BY id DESC
	`, subj)
}

// GetByEndpoint returns all rows for an endpoint hash, newest first.
func (s *Store) GetByEndpoint(ctx context.Context, hash string) ([]Message, error) {
	return s.scanMessages(ctx, `
		SELECT id, subject, endpoint_hash, status, created_at, expires_at
		FROM relay_messages WHERE endpoint_hash = ? ORDER BY id DESC
	`, hash)
}

// QueryMessages pages through the index with keyset pagination ordered by
// id descending. An empty next cursor means the result set is exhausted.
func (s *Store) QueryMessages(ctx context.Context, opts QueryOptions) ([]Message, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT id, subject, endpoint_hash, status, created_at, expires_at FROM relay_messages`
	var conds []string
	var args []any
	if opts.Subject != "" {
		conds = append(conds, "subject = ?")
		args = append(args, opts.Subject)
	}
	if opts.EndpointHash != "" {
		conds = append(conds, "endpoint_hash = ?")
		args = append(args, opts.EndpointHash)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Cursor != "" {
		conds = append(conds, "id < ?")
		args = append(args, opts.Cursor)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	messages, err := s.scanMessages(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(messages) > limit {
		messages = messages[:limit]
		nextCursor = messages[limit-1].ID
	}
	return messages, nextCursor, nil
}

// CountNewByEndpoint counts pending rows for an endpoint.
func (s *Store) CountNewByEndpoint(ctx context.Context, hash string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relay_messages WHERE endpoint_hash = ? AND status = ?
	`, hash, StatusPending).Scan(&count)
	return count, err
}

// DeleteExpired removes rows whose expiry is set and in the past. The
// expiry column is ISO-8601 text, which compares lexicographically in
// timestamp order.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relay_messages WHERE expires_at != '' AND expires_at < ?
	`, envelope.FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Rebuild truncates the index and repopulates it by scanning every
// registered maildir. Status is assigned by directory: new is pending,
// cur is delivered, failed is failed.
func (s *Store) Rebuild(ctx context.Context, store *maildir.Store, hashes []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_messages`); err != nil {
		return fmt.Errorf("failed to truncate relay index: %w", err)
	}

	dirStatus := map[string]string{
		maildir.DirNew:    StatusPending,
		maildir.DirCur:    StatusDelivered,
		maildir.DirFailed: StatusFailed,
	}

	for _, hash := range hashes {
		for dir, status := range dirStatus {
			ids, err := store.ListIDs(hash, dir)
			if err != nil {
				return fmt.Errorf("failed to scan %s/%s: %w", hash, dir, err)
			}
			for _, id := range ids {
				env, err := store.Read(hash, dir, id)
				if err != nil {
					continue
				}
				msg := Message{
					ID:           env.ID,
					Subject:      env.Subject,
					EndpointHash: hash,
					Status:       status,
					CreatedAt:    env.CreatedAt,
					ExpiresAt:    env.ExpiresAt(),
				}
				if err := s.InsertMessage(ctx, msg); err != nil {
					return fmt.Errorf("failed to reindex %s: %w", id, err)
				}
			}
		}
	}
	return nil
}

// GetMetrics aggregates counts for observability. BySubject is sorted by
// volume descending.
func (s *Store) GetMetrics(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{ByStatus: map[string]int{}}

	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_messages`).Scan(&metrics.TotalMessages); err != nil {
		return nil, err
	}

	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM relay_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		metrics.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	subjRows, err := s.ro.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS n FROM relay_messages GROUP BY subject ORDER BY n DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = subjRows.Close() }()
	for subjRows.Next() {
		var sc SubjectCount
		if err := subjRows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, err
		}
		metrics.BySubject = append(metrics.BySubject, sc)
	}
	return metrics, subjRows.Err()
}

func (s *Store) scanMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EndpointHash, &msg.Status, &msg.CreatedAt, &msg.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
