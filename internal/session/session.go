// Package session correlates HTTP calls with streaming agent runtime
// invocations. Sessions live in memory; transcripts persist on disk and are
// read back through the transcript package.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/events/bus"
)

var (
	// ErrManagerAlreadyRunning is returned when Start is called twice.
	ErrManagerAlreadyRunning = errors.New("session manager is already running")
	// ErrManagerNotRunning is returned when Stop is called on a stopped manager.
	ErrManagerNotRunning = errors.New("session manager is not running")
)

const (
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

// Session is the externally visible snapshot of an in-memory session.
type Session struct {
	ID               string            `json:"id"`
	PermissionMode   string            `json:"permissionMode"`
	Cwd              string            `json:"cwd,omitempty"`
	LastTouchedAt    string            `json:"lastTouchedAt"`
	PendingApprovals []PendingApproval `json:"pendingApprovals"`
	PendingQuestions []PendingQuestion `json:"pendingQuestions"`
	SDKSessionID     string            `json:"sdkSessionId,omitempty"`
}

// PendingApproval is a tool call parked until ApproveTool resolves it.
type PendingApproval struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
}

// PendingQuestion is a question block parked until SubmitAnswers resolves it.
type PendingQuestion struct {
	ToolCallID string     `json:"toolCallId"`
	Questions  []Question `json:"questions"`
}

// state is the mutable in-memory record behind a Session snapshot.
type state struct {
	mu             sync.Mutex
	id             string
	permissionMode string
	cwd            string
	lastTouched    time.Time
	sdkSessionID   string
	turnActive     bool
	gates          map[string]*gate
}

func (s *state) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Session{
		ID:               s.id,
		PermissionMode:   s.permissionMode,
		Cwd:              s.cwd,
		LastTouchedAt:    s.lastTouched.UTC().Format(time.RFC3339),
		SDKSessionID:     s.sdkSessionID,
		PendingApprovals: []PendingApproval{},
		PendingQuestions: []PendingQuestion{},
	}
	for toolCallID, g := range s.gates {
		switch g.kind {
		case gateApproval:
			out.PendingApprovals = append(out.PendingApprovals, PendingApproval{
				ToolCallID: toolCallID,
				ToolName:   g.toolName,
				Input:      g.input,
			})
		case gateQuestion:
			out.PendingQuestions = append(out.PendingQuestions, PendingQuestion{
				ToolCallID: toolCallID,
				Questions:  g.questions,
			})
		}
	}
	sort.Slice(out.PendingApprovals, func(i, j int) bool {
		return out.PendingApprovals[i].ToolCallID < out.PendingApprovals[j].ToolCallID
	})
	sort.Slice(out.PendingQuestions, func(i, j int) bool {
		return out.PendingQuestions[i].ToolCallID < out.PendingQuestions[j].ToolCallID
	})
	return out
}

func (s *state) touch() {
	s.mu.Lock()
	s.lastTouched = time.Now()
	s.mu.Unlock()
}

func (s *state) setSDKSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.sdkSessionID = id
	s.mu.Unlock()
}

// EnsureOptions seed a session created on first touch.
type EnsureOptions struct {
	PermissionMode string
	Cwd            string
}

// Manager owns the in-memory session table and drives agent runtime turns.
type Manager struct {
	cfg      config.SessionConfig
	launcher Launcher
	bound    *boundary.Validator
	feed     bus.EventBus
	log      *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*state

	lifecycle sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a session manager. A nil launcher spawns the Claude Code
// CLI configured by cfg.RuntimePath.
func NewManager(cfg config.SessionConfig, launcher Launcher, bound *boundary.Validator, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "session"))
	if launcher == nil {
		launcher = NewCLILauncher(cfg.RuntimePath, log)
	}
	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		bound:    bound,
		feed:     eventBus,
		log:      log,
		sessions: make(map[string]*state),
	}
}

// Start launches the idle-session sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running {
		return ErrManagerAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.sweepLoop(ctx, m.stopCh)

	m.log.Info("session manager started")
	return nil
}

// Stop halts the sweeper. In-flight turns are owned by their consumers and
// end when their contexts are cancelled.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.running {
		return ErrManagerNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()

	m.log.Info("session manager stopped")
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckSessionHealth()
		}
	}
}

// CreateSession registers a fresh session and returns its snapshot.
func (m *Manager) CreateSession(permissionMode string) Session {
	if permissionMode == "" {
		permissionMode = "default"
	}
	s := m.ensure(uuid.New().String(), &EnsureOptions{PermissionMode: permissionMode})
	return s.snapshot()
}

// EnsureSession creates the session if absent and returns its snapshot.
// An existing session is returned unchanged.
func (m *Manager) EnsureSession(id string, opts EnsureOptions) Session {
	return m.ensure(id, &opts).snapshot()
}

func (m *Manager) ensure(id string, opts *EnsureOptions) *state {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s
	}

	mode := "default"
	cwd := ""
	if opts != nil {
		if opts.PermissionMode != "" {
			mode = opts.PermissionMode
		}
		cwd = opts.Cwd
	}
	s := &state{
		id:             id,
		permissionMode: mode,
		cwd:            cwd,
		lastTouched:    time.Now(),
		gates:          make(map[string]*gate),
	}
	m.sessions[id] = s
	m.log.Debug("session created",
		zap.String("session_id", id),
		zap.String("permission_mode", mode))
	m.emitFeed("session.created", map[string]interface{}{"sessionId": id, "permissionMode": mode})
	return s
}

// Get returns the session snapshot, if present.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// List returns all in-memory sessions, most recently touched first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	states := make([]*state, 0, len(m.sessions))
	for _, s := range m.sessions {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(states))
	for _, s := range states {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTouchedAt != out[j].LastTouchedAt {
			return out[i].LastTouchedAt > out[j].LastTouchedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApproveTool resolves a parked approval. Returns false when the session has
// no pending approval for the tool call.
func (m *Manager) ApproveTool(sessionID, toolCallID string, approve bool) bool {
	g := m.takeGate(sessionID, toolCallID, gateApproval)
	if g == nil {
		return false
	}
	g.resolve <- gateDecision{approved: approve}
	m.log.Info("tool approval resolved",
		zap.String("session_id", sessionID),
		zap.String("tool_call_id", toolCallID),
		zap.Bool("approved", approve))
	return true
}

// SubmitAnswers resolves a parked question block. Answers are keyed by the
// string form of the question index. Returns false when the session has no
// pending question for the tool call.
func (m *Manager) SubmitAnswers(sessionID, toolCallID string, answers map[string]string) bool {
	g := m.takeGate(sessionID, toolCallID, gateQuestion)
	if g == nil {
		return false
	}
	g.resolve <- gateDecision{approved: true, answers: answers}
	m.log.Info("question answered",
		zap.String("session_id", sessionID),
		zap.String("tool_call_id", toolCallID),
		zap.Int("answers", len(answers)))
	return true
}

// takeGate removes and returns the matching unresolved gate, or nil.
// Removal under the session lock makes resolution single-shot.
func (m *Manager) takeGate(sessionID, toolCallID, kind string) *gate {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[toolCallID]
	if !ok || g.kind != kind {
		return nil
	}
	delete(s.gates, toolCallID)
	s.lastTouched = time.Now()
	return g
}

// CheckSessionHealth drops sessions idle past the configured timeout and
// returns how many were removed. Sessions with an active turn are kept.
func (m *Manager) CheckSessionHealth() int {
	idle := m.cfg.IdleTimeoutDuration()
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := !s.turnActive && s.lastTouched.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			removed++
			m.log.Debug("stale session dropped", zap.String("session_id", id))
		}
	}
	if removed > 0 {
		m.log.Info("session health sweep", zap.Int("removed", removed))
	}
	return removed
}

func (m *Manager) emitFeed(eventType string, data map[string]interface{}) {
	if m.feed == nil {
		return
	}
	if err := m.feed.Publish(context.Background(), "feed."+eventType, bus.NewEvent(eventType, "session", data)); err != nil {
		m.log.WithError(err).Debug("feed publish failed", zap.String("type", eventType))
	}
}
