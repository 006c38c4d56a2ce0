package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Session logs grow to tens of megabytes; listings must not scan them.
// The head carries the prompt, cwd and permission mode, the tail the
// most recent model and token usage.
const (
	headReadBytes = 8 * 1024
	tailReadBytes = 16 * 1024

	titleMaxRunes = 100
)

// ListSessions returns metadata for every session log under the
// projects root, newest first. Unreadable files are skipped.
func (r *Reader) ListSessions() ([]SessionMeta, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, fmt.Errorf("read transcripts root: %w", err)
	}

	var metas []SessionMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			r.log.Debug("skipping unreadable project dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(dir, f.Name())
			meta, err := r.fileMeta(path)
			if err != nil {
				r.log.Debug("skipping unreadable session log", zap.String("path", path), zap.Error(err))
				continue
			}
			metas = append(metas, meta)
		}
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt > metas[j].UpdatedAt })
	return metas, nil
}

// GetSession returns metadata for one session by id.
func (r *Reader) GetSession(id string) (*SessionMeta, error) {
	path, err := r.findSessionFile(id)
	if err != nil {
		return nil, err
	}
	meta, err := r.fileMeta(path)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *Reader) fileMeta(path string) (SessionMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SessionMeta{}, err
	}
	meta := SessionMeta{
		ID:        strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Path:      path,
		UpdatedAt: info.ModTime().UTC().Format(time.RFC3339),
	}

	f, err := os.Open(path)
	if err != nil {
		return SessionMeta{}, err
	}
	defer f.Close()

	parseHead(f, &meta)
	parseTail(f, info.Size(), &meta)
	return meta, nil
}

// parseHead reads the first chunk of the log for title, cwd,
// permission mode and creation time.
func parseHead(f *os.File, meta *SessionMeta) {
	buf := make([]byte, headReadBytes)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil && err != io.EOF {
		return
	}
	buf = buf[:n]

	lines := bytes.Split(buf, []byte{'\n'})
	if err != io.EOF && len(lines) > 0 {
		// Last line may be cut mid-record.
		lines = lines[:len(lines)-1]
	}

	for _, raw := range lines {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line logLine
		if json.Unmarshal(raw, &line) != nil {
			continue
		}
		if meta.Cwd == "" && line.Cwd != "" {
			meta.Cwd = line.Cwd
		}
		if meta.PermissionMode == "" && line.PermissionMode != "" {
			meta.PermissionMode = line.PermissionMode
		}
		if meta.CreatedAt == "" && line.Timestamp != "" {
			meta.CreatedAt = line.Timestamp
		}
		switch line.Type {
		case "summary":
			if line.Summary != "" {
				meta.Title = truncateTitle(line.Summary)
			}
		case "ai-title":
			if line.AITitle != "" {
				meta.Title = truncateTitle(line.AITitle)
			}
		case "user":
			if meta.Title == "" {
				if t := promptTitle(line.Message); t != "" {
					meta.Title = truncateTitle(t)
				}
			}
		}
	}
}

// parseTail reads the last chunk for the most recent model and
// context-token total.
func parseTail(f *os.File, size int64, meta *SessionMeta) {
	off := size - tailReadBytes
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	n, err := f.ReadAt(buf, off)
	if n == 0 && err != nil && err != io.EOF {
		return
	}
	buf = buf[:n]

	lines := bytes.Split(buf, []byte{'\n'})
	if off > 0 && len(lines) > 0 {
		// First line is almost certainly cut mid-record.
		lines = lines[1:]
	}

	for _, raw := range lines {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line logLine
		if json.Unmarshal(raw, &line) != nil {
			continue
		}
		if line.Type != "assistant" {
			continue
		}
		var msg chatMessage
		if json.Unmarshal(line.Message, &msg) != nil {
			continue
		}
		if msg.Model != "" {
			meta.Model = msg.Model
		}
		if tokens := msg.Usage.contextTokens(); tokens > 0 {
			meta.ContextTokens = tokens
		}
	}
}

// promptTitle extracts displayable text from a user message body,
// applying the same drop rules the full parser uses.
func promptTitle(raw json.RawMessage) string {
	var msg chatMessage
	if json.Unmarshal(raw, &msg) != nil {
		return ""
	}

	var text string
	if json.Unmarshal(msg.RawContent, &text) != nil {
		var blocks []contentBlock
		if json.Unmarshal(msg.RawContent, &blocks) != nil {
			return ""
		}
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		text = strings.Join(texts, "\n")
	}

	text = strings.TrimSpace(stripReminders(text))
	if text == "" || strings.HasPrefix(text, "<local-command-") {
		return ""
	}
	if name := firstMatch(commandNameRe, text); name != "" {
		if args := firstMatch(commandArgsRe, text); args != "" {
			return name + " " + args
		}
		return name
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= titleMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:titleMaxRunes]) + "…"
}
