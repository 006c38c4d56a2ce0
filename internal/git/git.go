// Package git shells out to the git binary to report working-tree
// state for project directories. Only read-only inspection lives here.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

// ErrNotRepo reports that the inspected directory is not inside a git
// working tree.
var ErrNotRepo = errors.New("not a git repository")

// Status is the parsed porcelain-v2 summary of one working tree.
type Status struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Unstaged  []string `json:"unstaged"`
	Untracked []string `json:"untracked"`
}

// Inspector runs git against caller-supplied directories.
type Inspector struct {
	log *logger.Logger
}

func NewInspector(log *logger.Logger) *Inspector {
	if log == nil {
		log = logger.Default()
	}
	return &Inspector{log: log.WithFields(zap.String("component", "git"))}
}

// Status reports branch and change summary for dir. Returns ErrNotRepo
// when dir is not inside a working tree.
func (i *Inspector) Status(ctx context.Context, dir string) (*Status, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain=v2", "--branch")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "not a git repository") {
			return nil, ErrNotRepo
		}
		i.log.Debug("git status failed",
			zap.String("dir", dir),
			zap.String("stderr", strings.TrimSpace(msg)),
			zap.Error(err))
		return nil, fmt.Errorf("git status: %s: %w", strings.TrimSpace(msg), err)
	}
	return parseStatus(stdout.Bytes()), nil
}

// parseStatus decodes `git status --porcelain=v2 --branch` output.
//
// Header lines start with "# "; entry lines are typed by their first
// field: 1 ordinary change, 2 rename/copy, u unmerged, ? untracked,
// ! ignored. The XY pair splits staged (X) from unstaged (Y) state.
func parseStatus(out []byte) *Status {
	st := &Status{
		Staged:    []string{},
		Unstaged:  []string{},
		Untracked: []string{},
	}

	for _, raw := range bytes.Split(out, []byte{'\n'}) {
		line := string(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			st.Ahead, st.Behind = parseAheadBehind(strings.TrimPrefix(line, "# branch.ab "))
		case strings.HasPrefix(line, "1 "):
			// 1 XY sub mH mI mW hH hI path
			fields := strings.SplitN(line, " ", 9)
			if len(fields) < 9 {
				continue
			}
			classify(st, fields[1], fields[8])
		case strings.HasPrefix(line, "2 "):
			// 2 XY sub mH mI mW hH hI Xscore path\torigPath
			fields := strings.SplitN(line, " ", 10)
			if len(fields) < 10 {
				continue
			}
			path := fields[9]
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			classify(st, fields[1], path)
		case strings.HasPrefix(line, "u "):
			// Unmerged entries need a resolution in the working tree.
			fields := strings.SplitN(line, " ", 11)
			if len(fields) < 11 {
				continue
			}
			st.Unstaged = append(st.Unstaged, fields[10])
		case strings.HasPrefix(line, "? "):
			st.Untracked = append(st.Untracked, strings.TrimPrefix(line, "? "))
		}
	}
	return st
}

// classify routes an XY status pair onto the staged/unstaged lists. A
// file can appear on both when it has index and worktree changes.
func classify(st *Status, xy, path string) {
	if len(xy) != 2 {
		return
	}
	if xy[0] != '.' {
		st.Staged = append(st.Staged, path)
	}
	if xy[1] != '.' {
		st.Unstaged = append(st.Unstaged, path)
	}
}

// parseAheadBehind decodes the "+A -B" branch.ab payload.
func parseAheadBehind(s string) (ahead, behind int) {
	for _, part := range strings.Fields(s) {
		if len(part) < 2 {
			continue
		}
		n, err := strconv.Atoi(part[1:])
		if err != nil {
			continue
		}
		switch part[0] {
		case '+':
			ahead = n
		case '-':
			behind = n
		}
	}
	return ahead, behind
}
