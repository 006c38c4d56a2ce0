// Package maildir implements the on-disk per-endpoint queue backing the
// Relay: new/, cur/ and failed/ directories where every visible transition
// is an atomic rename.
package maildir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dork/dork/internal/relay/envelope"
)

// Directory names inside a mailbox.
const (
	DirNew    = "new"
	DirCur    = "cur"
	DirFailed = "failed"
	dirTmp    = "tmp"
)

// ErrMaildirNotFound indicates the endpoint's mailbox was never created.
var ErrMaildirNotFound = errors.New("maildir does not exist")

// failureMeta is the sidecar written next to dead-lettered envelopes.
type failureMeta struct {
	Reason   string `json:"reason"`
	FailedAt string `json:"failedAt"`
}

// Store manages every endpoint mailbox under a single root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given mailboxes directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the mailboxes root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the mailbox directory for an endpoint hash.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.root, hash)
}

// DirPath returns one of the three queue directories for an endpoint hash.
func (s *Store) DirPath(hash, dir string) string {
	return filepath.Join(s.root, hash, dir)
}

// EnsureMaildir idempotently creates the mailbox directory tree.
func (s *Store) EnsureMaildir(hash string) error {
	for _, dir := range []string{DirNew, DirCur, DirFailed, dirTmp} {
		if err := os.MkdirAll(s.DirPath(hash, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create maildir %s/%s: %w", hash, dir, err)
		}
	}
	return nil
}

// exists reports whether the mailbox tree is present.
func (s *Store) exists(hash string) bool {
	info, err := os.Stat(s.DirPath(hash, DirNew))
	return err == nil && info.IsDir()
}

// Deliver writes the envelope into new/ via a temp file, fsync and atomic
// rename. Idempotent per id: re-delivering an id already present anywhere
// in the mailbox is a no-op that still succeeds.
func (s *Store) Deliver(hash string, env envelope.Envelope) error {
	if !s.exists(hash) {
		return fmt.Errorf("deliver %s: %w", hash, ErrMaildirNotFound)
	}
	if s.locate(hash, env.ID) != "" {
		return nil
	}
	return s.commit(hash, env, DirNew)
}

// Claim atomically moves new/<id>.json to cur/ and returns the parsed
// envelope. ok is false when the file is absent (claimed elsewhere).
func (s *Store) Claim(hash, id string) (envelope.Envelope, bool, error) {
	src := s.filePath(hash, DirNew, id)
	dst := s.filePath(hash, DirCur, id)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return envelope.Envelope{}, false, nil
		}
		return envelope.Envelope{}, false, fmt.Errorf("failed to claim %s: %w", id, err)
	}

	env, err := s.Read(hash, DirCur, id)
	if err != nil {
		return envelope.Envelope{}, false, err
	}
	return env, true, nil
}

// Complete removes a claimed envelope. Safe if already absent.
func (s *Store) Complete(hash, id string) error {
	err := os.Remove(s.filePath(hash, DirCur, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to complete %s: %w", id, err)
	}
	return nil
}

// Fail moves a claimed envelope into failed/ and records the reason in a
// sidecar meta file. Safe if the source is absent.
func (s *Store) Fail(hash, id, reason string) error {
	src := s.filePath(hash, DirCur, id)
	dst := s.filePath(hash, DirFailed, id)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	return s.writeMeta(hash, id, reason)
}

// FailDirect writes an envelope straight into failed/ without transiting
// new/. Used for budget rejections at publish time.
func (s *Store) FailDirect(hash string, env envelope.Envelope, reason string) error {
	if err := s.EnsureMaildir(hash); err != nil {
		return err
	}
	if err := s.commit(hash, env, DirFailed); err != nil {
		return err
	}
	return s.writeMeta(hash, env.ID, reason)
}

// Read parses the envelope file in the given directory.
func (s *Store) Read(hash, dir, id string) (envelope.Envelope, error) {
	data, err := os.ReadFile(s.filePath(hash, dir, id))
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("failed to read envelope %s: %w", id, err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("failed to parse envelope %s: %w", id, err)
	}
	return env, nil
}

// ListIDs returns the envelope ids present in one queue directory,
// ignoring anything without a .json suffix.
func (s *Store) ListIDs(hash, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.DirPath(hash, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s/%s: %w", hash, dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// FailureReason reads the sidecar written by Fail/FailDirect, or "" when
// none exists.
func (s *Store) FailureReason(hash, id string) string {
	data, err := os.ReadFile(s.metaPath(hash, id))
	if err != nil {
		return ""
	}
	var meta failureMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ""
	}
	return meta.Reason
}

// commit writes the envelope to the scratch directory, fsyncs, then
// renames into the destination. The rename is the commit point; a crash
// mid-write leaves only scratch files, which no reader observes.
func (s *Store) commit(hash string, env envelope.Envelope, dir string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}

	tmpDir := s.DirPath(hash, dirTmp)
	tmp, err := os.CreateTemp(tmpDir, env.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create scratch file for %s: %w", env.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write scratch file for %s: %w", env.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync scratch file for %s: %w", env.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close scratch file for %s: %w", env.ID, err)
	}

	if err := os.Rename(tmpName, s.filePath(hash, dir, env.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit envelope %s: %w", env.ID, err)
	}
	return nil
}

func (s *Store) writeMeta(hash, id, reason string) error {
	meta := failureMeta{Reason: reason, FailedAt: envelope.FormatTime(time.Now())}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode failure meta for %s: %w", id, err)
	}
	if err := os.WriteFile(s.metaPath(hash, id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write failure meta for %s: %w", id, err)
	}
	return nil
}

// locate returns the directory currently holding the id, or "".
func (s *Store) locate(hash, id string) string {
	for _, dir := range []string{DirNew, DirCur, DirFailed} {
		if _, err := os.Stat(s.filePath(hash, dir, id)); err == nil {
			return dir
		}
	}
	return ""
}

func (s *Store) filePath(hash, dir, id string) string {
	return filepath.Join(s.root, hash, dir, id+".json")
}

func (s *Store) metaPath(hash, id string) string {
	return filepath.Join(s.root, hash, DirFailed, id+".meta")
}
