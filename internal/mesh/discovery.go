package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/mesh/registry"
)

const (
	defaultMaxDepth = 3
	// discoverBuffer bounds how far the walk may run ahead of a slow
	// consumer.
	discoverBuffer = 16
)

// Directories never worth descending into.
var skipDirNames = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// Candidate is one directory recognised as an agent project.
type Candidate struct {
	ProjectPath     string   `json:"projectPath"`
	SuggestedName   string   `json:"suggestedName"`
	DetectedRuntime string   `json:"detectedRuntime"`
	Hints           []string `json:"hints"`
}

// DiscoverOptions tune one scan.
type DiscoverOptions struct {
	// MaxDepth overrides the configured walk depth when positive.
	MaxDepth int
}

// Discover walks the given roots breadth-first and streams candidate
// agent projects. The channel is closed when the walk finishes or the
// context is cancelled; abandoning the consumer cancels the walk via
// ctx. Denied paths are skipped entirely, including their subtrees.
func (s *Service) Discover(ctx context.Context, roots []string, opts DiscoverOptions) (<-chan Candidate, error) {
	if len(roots) == 0 {
		roots = s.cfg.ScanRoots
	}
	normalized := normalizeRoots(roots)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: no discovery roots", ErrValidation)
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = s.cfg.MaxDepth
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	denied, err := s.store.DeniedPaths(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Candidate, discoverBuffer)
	go func() {
		defer close(out)
		s.walk(ctx, normalized, maxDepth, denied, out)
	}()
	return out, nil
}

type walkItem struct {
	path  string
	depth int
}

func (s *Service) walk(ctx context.Context, roots []string, maxDepth int, denied map[string]bool, out chan<- Candidate) {
	queue := make([]walkItem, 0, len(roots))
	for _, root := range roots {
		queue = append(queue, walkItem{path: root, depth: 0})
	}

	markers := s.markerFiles()
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		item := queue[0]
		queue = queue[1:]

		if denied[item.path] {
			continue
		}

		if cand, ok := inspectDir(item.path, markers); ok {
			select {
			case out <- cand:
			case <-ctx.Done():
				return
			}
			// A recognised project is a leaf; nested projects under it
			// belong to that agent.
			continue
		}

		if item.depth >= maxDepth {
			continue
		}
		entries, err := os.ReadDir(item.path)
		if err != nil {
			s.log.WithError(err).Debug("discovery skipping unreadable directory", zap.String("path", item.path))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") || skipDirNames[name] {
				continue
			}
			queue = append(queue, walkItem{path: filepath.Join(item.path, name), depth: item.depth + 1})
		}
	}
}

func (s *Service) markerFiles() []string {
	if len(s.cfg.MarkerFiles) > 0 {
		return s.cfg.MarkerFiles
	}
	return config.DefaultMarkerFiles()
}

// normalizeRoots absolutizes, cleans, and dedupes scan roots.
func normalizeRoots(roots []string) []string {
	normalized := make([]string, 0, len(roots))
	seen := make(map[string]struct{})
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		clean := filepath.Clean(abs)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		normalized = append(normalized, clean)
	}
	return normalized
}

// inspectDir checks a directory against the marker list. The hints slice
// preserves marker-list order, which also drives runtime detection
// priority.
func inspectDir(path string, markers []string) (Candidate, bool) {
	var hints []string
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			hints = append(hints, marker)
		}
	}
	if len(hints) == 0 {
		return Candidate{}, false
	}

	cand := Candidate{
		ProjectPath:     path,
		SuggestedName:   filepath.Base(path),
		DetectedRuntime: detectRuntime(hints),
		Hints:           hints,
	}
	if m, err := readProjectManifest(path); err == nil {
		if m.Name != "" {
			cand.SuggestedName = m.Name
		}
		if registry.ValidRuntime(m.Runtime) {
			cand.DetectedRuntime = m.Runtime
		}
	}
	return cand, true
}

func detectRuntime(hints []string) string {
	for _, h := range hints {
		switch {
		case h == "CLAUDE.md" || strings.HasPrefix(h, ".claude/") || h == ".claude":
			return registry.RuntimeClaudeCode
		case h == ".cursorrules" || strings.HasPrefix(h, ".cursor/") || h == ".cursor":
			return registry.RuntimeCursor
		case h == "codex.md":
			return registry.RuntimeCodex
		}
	}
	return registry.RuntimeOther
}

// projectManifest is the explicit identity a project may declare in
// dork.json (or .dork/agent.json).
type projectManifest struct {
	Name         string   `json:"name"`
	Runtime      string   `json:"runtime"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Namespace    string   `json:"namespace"`
	Behavior     string   `json:"behavior"`
}

func readProjectManifest(dir string) (*projectManifest, error) {
	var data []byte
	var err error
	for _, name := range []string{"dork.json", filepath.Join(".dork", "agent.json")} {
		data, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	var m projectManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid project manifest in %s: %w", dir, err)
	}
	return &m, nil
}
