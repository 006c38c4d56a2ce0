// Package registry persists agent manifests and denial records for the
// Mesh. projectPath is a unique key: registering a different id at an
// already-registered path replaces the prior row.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dork/dork/internal/db"
)

// Runtimes an agent manifest may declare.
const (
	RuntimeClaudeCode = "claude-code"
	RuntimeCursor     = "cursor"
	RuntimeCodex      = "codex"
	RuntimeOther      = "other"
)

// Behaviors controlling when an agent reacts to relay traffic.
const (
	BehaviorAlways    = "always"
	BehaviorOnMention = "on-mention"
)

var (
	// ErrNotFound is returned when an agent id is absent.
	ErrNotFound = errors.New("agent not found")
	// ErrConflict is returned on unique-key collisions, e.g. denying an
	// already denied path.
	ErrConflict = errors.New("conflict")
)

// ValidRuntime reports whether the value is a known runtime name.
func ValidRuntime(r string) bool {
	switch r {
	case RuntimeClaudeCode, RuntimeCursor, RuntimeCodex, RuntimeOther:
		return true
	}
	return false
}

// Budget caps an agent's relay usage.
type Budget struct {
	MaxHopsPerMessage int `json:"maxHopsPerMessage"`
	MaxCallsPerHour   int `json:"maxCallsPerHour"`
}

// Agent is one registered manifest.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Runtime       string   `json:"runtime"`
	Capabilities  []string `json:"capabilities"`
	ProjectPath   string   `json:"projectPath"`
	Namespace     string   `json:"namespace,omitempty"`
	Behavior      string   `json:"behavior"`
	Budget        Budget   `json:"budget"`
	ScanRoot      string   `json:"scanRoot,omitempty"`
	RegisteredAt  string   `json:"registeredAt"`
	RegisteredBy  string   `json:"registeredBy"`
	LastSeenAt    string   `json:"lastSeenAt,omitempty"`
	LastSeenEvent string   `json:"lastSeenEvent,omitempty"`
	Unreachable   bool     `json:"-"`
}

// AgentUpdate carries the mutable fields; nil pointers leave the stored
// value unchanged.
type AgentUpdate struct {
	Name         *string
	Description  *string
	Capabilities []string
	Behavior     *string
	Budget       *Budget
	Namespace    *string
	ScanRoot     *string
}

// ListFilter narrows List results. Capability matching is exact on one
// declared capability.
type ListFilter struct {
	Runtime    string
	Capability string
	Namespace  string
}

// Denial is one excluded path.
type Denial struct {
	ID       string `json:"id"`
	FilePath string `json:"filePath"`
	Reason   string `json:"reason,omitempty"`
	DeniedAt string `json:"deniedAt"`
	DeniedBy string `json:"deniedBy"`
}

// Store persists agents and denials in the shared database.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the store and its schema.
func NewStore(database *db.Database) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize mesh schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS mesh_agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		runtime TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		project_path TEXT NOT NULL UNIQUE,
		namespace TEXT NOT NULL DEFAULT '',
		behavior TEXT NOT NULL DEFAULT 'on-mention',
		max_hops_per_message INTEGER NOT NULL DEFAULT 0,
		max_calls_per_hour INTEGER NOT NULL DEFAULT 0,
		scan_root TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL,
		registered_by TEXT NOT NULL DEFAULT '',
		last_seen_at TEXT NOT NULL DEFAULT '',
		last_seen_event TEXT NOT NULL DEFAULT '',
		unreachable INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_mesh_agents_runtime ON mesh_agents(runtime);
	CREATE INDEX IF NOT EXISTS idx_mesh_agents_namespace ON mesh_agents(namespace);

	CREATE TABLE IF NOT EXISTS mesh_denials (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL UNIQUE,
		reason TEXT NOT NULL DEFAULT '',
		denied_at TEXT NOT NULL,
		denied_by TEXT NOT NULL DEFAULT ''
	);
	`)
	return err
}

// Upsert inserts or replaces an agent by id. A different id already
// registered at the same projectPath is deleted first, so the path always
// resolves to exactly one manifest.
func (s *Store) Upsert(ctx context.Context, a Agent) error {
	caps, err := marshalCapabilities(a.Capabilities)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mesh_agents WHERE project_path = ? AND id != ?`,
		a.ProjectPath, a.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mesh_agents (
			id, name, description, runtime, capabilities, project_path,
			namespace, behavior, max_hops_per_message, max_calls_per_hour,
			scan_root, registered_at, registered_by, last_seen_at,
			last_seen_event, unreachable
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			runtime = excluded.runtime,
			capabilities = excluded.capabilities,
			project_path = excluded.project_path,
			namespace = excluded.namespace,
			behavior = excluded.behavior,
			max_hops_per_message = excluded.max_hops_per_message,
			max_calls_per_hour = excluded.max_calls_per_hour,
			scan_root = excluded.scan_root,
			registered_at = excluded.registered_at,
			registered_by = excluded.registered_by,
			last_seen_at = excluded.last_seen_at,
			last_seen_event = excluded.last_seen_event,
			unreachable = excluded.unreachable
	`, a.ID, a.Name, a.Description, a.Runtime, caps, a.ProjectPath,
		a.Namespace, a.Behavior, a.Budget.MaxHopsPerMessage, a.Budget.MaxCallsPerHour,
		a.ScanRoot, a.RegisteredAt, a.RegisteredBy, a.LastSeenAt,
		a.LastSeenEvent, boolToInt(a.Unreachable))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves one agent by id.
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

// GetByPath retrieves the agent registered at a project path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Agent, error) {
	return s.getWhere(ctx, `project_path = ?`, path)
}

func (s *Store) getWhere(ctx context.Context, cond string, arg any) (*Agent, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT id, name, description, runtime, capabilities, project_path,
			namespace, behavior, max_hops_per_message, max_calls_per_hour,
			scan_root, registered_at, registered_by, last_seen_at,
			last_seen_event, unreachable
		FROM mesh_agents WHERE `+cond, arg)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// List returns agents matching the filter, ordered by registration time
// then id for a stable listing.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Agent, error) {
	query := `
		SELECT id, name, description, runtime, capabilities, project_path,
			namespace, behavior, max_hops_per_message, max_calls_per_hour,
			scan_root, registered_at, registered_by, last_seen_at,
			last_seen_event, unreachable
		FROM mesh_agents`
	var conds []string
	var args []any
	if filter.Runtime != "" {
		conds = append(conds, "runtime = ?")
		args = append(args, filter.Runtime)
	}
	if filter.Namespace != "" {
		conds = append(conds, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY registered_at ASC, id ASC"

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if filter.Capability != "" && !hasCapability(a.Capabilities, filter.Capability) {
			continue
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// Update patches the mutable fields of an agent.
func (s *Store) Update(ctx context.Context, id string, u AgentUpdate) (*Agent, error) {
	var sets []string
	var args []any
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Capabilities != nil {
		caps, err := marshalCapabilities(u.Capabilities)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "capabilities = ?")
		args = append(args, caps)
	}
	if u.Behavior != nil {
		sets = append(sets, "behavior = ?")
		args = append(args, *u.Behavior)
	}
	if u.Budget != nil {
		sets = append(sets, "max_hops_per_message = ?", "max_calls_per_hour = ?")
		args = append(args, u.Budget.MaxHopsPerMessage, u.Budget.MaxCallsPerHour)
	}
	if u.Namespace != nil {
		sets = append(sets, "namespace = ?")
		args = append(args, *u.Namespace)
	}
	if u.ScanRoot != nil {
		sets = append(sets, "scan_root = ?")
		args = append(args, *u.ScanRoot)
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE mesh_agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// UpdateHealth records a presence event. Seeing the agent clears any
// unreachable mark.
func (s *Store) UpdateHealth(ctx context.Context, id, lastSeenAt, event string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mesh_agents SET last_seen_at = ?, last_seen_event = ?, unreachable = 0
		WHERE id = ?
	`, lastSeenAt, event, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUnreachable flags an agent until the next presence event.
func (s *Store) MarkUnreachable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mesh_agents SET unreachable = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnreachableBefore returns flagged agents not seen since the cutoff,
// for garbage collection.
func (s *Store) ListUnreachableBefore(ctx context.Context, cutoff string) ([]Agent, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, description, runtime, capabilities, project_path,
			namespace, behavior, max_hops_per_message, max_calls_per_hour,
			scan_root, registered_at, registered_by, last_seen_at,
			last_seen_event, unreachable
		FROM mesh_agents
		WHERE unreachable = 1 AND (last_seen_at = '' OR last_seen_at < ?)
		ORDER BY id ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// Remove deletes an agent. Returns true iff a row was deleted.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_agents WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// InsertDenial records an excluded path. Denying an already denied path
// is a conflict.
func (s *Store) InsertDenial(ctx context.Context, d Denial) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mesh_denials (id, file_path, reason, denied_at, denied_by)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.FilePath, d.Reason, d.DeniedAt, d.DeniedBy)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s already denied", ErrConflict, d.FilePath)
	}
	return nil
}

// ListDenials returns every denial record, newest first.
func (s *Store) ListDenials(ctx context.Context) ([]Denial, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, file_path, reason, denied_at, denied_by
		FROM mesh_denials ORDER BY denied_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var denials []Denial
	for rows.Next() {
		var d Denial
		if err := rows.Scan(&d.ID, &d.FilePath, &d.Reason, &d.DeniedAt, &d.DeniedBy); err != nil {
			return nil, err
		}
		denials = append(denials, d)
	}
	return denials, rows.Err()
}

// RemoveDenial deletes a denial by path. Returns true iff a row was deleted.
func (s *Store) RemoveDenial(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_denials WHERE file_path = ?`, path)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeniedPaths returns the set of excluded paths for discovery scans.
func (s *Store) DeniedPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT file_path FROM mesh_denials`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	denied := map[string]bool{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		denied[path] = true
	}
	return denied, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var caps string
	var unreachable int
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Runtime, &caps,
		&a.ProjectPath, &a.Namespace, &a.Behavior,
		&a.Budget.MaxHopsPerMessage, &a.Budget.MaxCallsPerHour,
		&a.ScanRoot, &a.RegisteredAt, &a.RegisteredBy, &a.LastSeenAt,
		&a.LastSeenEvent, &unreachable)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities for agent %s: %w", a.ID, err)
	}
	a.Unreachable = unreachable != 0
	return a, nil
}

func marshalCapabilities(caps []string) (string, error) {
	if caps == nil {
		caps = []string{}
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	return string(data), nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NowISO renders the current instant the way the registry stores
// timestamps.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
