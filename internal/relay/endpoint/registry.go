// Package endpoint keeps the subject to maildir mapping: an in-memory
// registry backed by a persisted table so registrations survive restart.
package endpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/relay/subject"
)

// Endpoint is one concrete subject with its filesystem mailbox.
type Endpoint struct {
	Subject      string `json:"subject"`
	Hash         string `json:"hash"`
	MaildirPath  string `json:"maildirPath"`
	RegisteredAt string `json:"registeredAt"`
}

// Registry maps subjects to endpoints. Reads heavily outnumber writes, so
// lookups take the read lock and return copies.
type Registry struct {
	mu        sync.RWMutex
	bySubject map[string]Endpoint
	byHash    map[string]Endpoint
	maildirs  string
	writer    *sqlx.DB
	reader    *sqlx.DB
}

// NewRegistry creates the registry, its schema, and loads persisted
// registrations into memory.
func NewRegistry(database *db.Database, maildirRoot string) (*Registry, error) {
	r := &Registry{
		bySubject: make(map[string]Endpoint),
		byHash:    make(map[string]Endpoint),
		maildirs:  maildirRoot,
		writer:    database.Writer,
		reader:    database.Reader,
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize endpoint schema: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	_, err := r.writer.Exec(`
	CREATE TABLE IF NOT EXISTS relay_endpoints (
		subject TEXT PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		maildir_path TEXT NOT NULL,
		registered_at TEXT NOT NULL
	);
	`)
	return err
}

func (r *Registry) load() error {
	rows, err := r.reader.Query(`SELECT subject, hash, maildir_path, registered_at FROM relay_endpoints`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.Subject, &ep.Hash, &ep.MaildirPath, &ep.RegisteredAt); err != nil {
			return err
		}
		r.bySubject[ep.Subject] = ep
		r.byHash[ep.Hash] = ep
	}
	return rows.Err()
}

// Register creates (or returns) the endpoint for a concrete subject.
// Idempotent: re-registering returns the existing mapping unchanged.
func (r *Registry) Register(ctx context.Context, subj string) (Endpoint, error) {
	if err := subject.Validate(subj); err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySubject[subj]; ok {
		return existing, nil
	}

	hash := subject.Hash(subj)
	ep := Endpoint{
		Subject:      subj,
		Hash:         hash,
		MaildirPath:  filepath.Join(r.maildirs, hash),
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}

	_, err := r.writer.ExecContext(ctx, `
		INSERT INTO relay_endpoints (subject, hash, maildir_path, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject) DO NOTHING
	`, ep.Subject, ep.Hash, ep.MaildirPath, ep.RegisteredAt)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to persist endpoint %s: %w", subj, err)
	}

	r.bySubject[subj] = ep
	r.byHash[hash] = ep
	return ep, nil
}

// Unregister removes the mapping. The maildir stays on disk so a
// re-register recovers queued messages. Returns false when the subject
// was not registered.
func (r *Registry) Unregister(ctx context.Context, subj string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.bySubject[subj]
	if !ok {
		return false, nil
	}

	if _, err := r.writer.ExecContext(ctx, `DELETE FROM relay_endpoints WHERE subject = ?`, subj); err != nil {
		return false, fmt.Errorf("failed to remove endpoint %s: %w", subj, err)
	}
	delete(r.bySubject, subj)
	delete(r.byHash, ep.Hash)
	return true, nil
}

// Get looks up an endpoint by its concrete subject.
func (r *Registry) Get(subj string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.bySubject[subj]
	return ep, ok
}

// GetByHash looks up an endpoint by its directory hash.
func (r *Registry) GetByHash(hash string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byHash[hash]
	return ep, ok
}

// List returns every registered endpoint sorted by subject.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.bySubject))
	for _, ep := range r.bySubject {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// ListMatching returns all endpoints whose subjects match the pattern.
// A concrete pattern matches at most one endpoint.
func (r *Registry) ListMatching(pattern string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for subj, ep := range r.bySubject {
		if subject.Matches(pattern, subj) {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Hashes returns every registered endpoint hash. Used by index rebuilds.
func (r *Registry) Hashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byHash))
	for hash := range r.byHash {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}
