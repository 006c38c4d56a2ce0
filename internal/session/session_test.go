package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/config"
)

// fakeProcess is a scripted agent runtime: tests write protocol lines to
// its stdout and observe what the manager writes to its stdin.
type fakeProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	stdin  []string
	inCh   chan string
	done   chan struct{}
	killed bool
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		stdoutR: r,
		stdoutW: w,
		inCh:    make(chan string, 32),
		done:    make(chan struct{}),
	}
}

func (p *fakeProcess) Stdin() io.Writer  { return (*fakeStdin)(p) }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) StderrTail() string { return "" }

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.done)
		p.stdoutW.Close()
	}
	return nil
}

// emit writes one protocol line to the fake's stdout.
func (p *fakeProcess) emit(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fake line: %v", err)
	}
	if _, err := p.stdoutW.Write(append(data, '\n')); err != nil {
		t.Fatalf("write fake line: %v", err)
	}
}

// waitStdin returns the next line the manager wrote, or fails.
func (p *fakeProcess) waitStdin(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.inCh:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stdin write")
		return ""
	}
}

type fakeStdin fakeProcess

func (s *fakeStdin) Write(data []byte) (int, error) {
	p := (*fakeProcess)(s)
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		p.mu.Lock()
		p.stdin = append(p.stdin, line)
		p.mu.Unlock()
		select {
		case p.inCh <- line:
		default:
		}
	}
	return len(data), nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	last    LaunchOptions
	launchC chan *fakeProcess
	err     error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launchC: make(chan *fakeProcess, 4)}
}

func (l *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.last = opts
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	l.launchC <- p
	return p, nil
}

func (l *fakeLauncher) waitLaunch(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.launchC:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for launch")
		return nil
	}
}

func newTestManager(t *testing.T, launcher Launcher) *Manager {
	t.Helper()
	return NewManager(config.SessionConfig{IdleTimeout: 30}, launcher, nil, nil, nil)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// collect drains events until the channel closes.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	m := newTestManager(t, newFakeLauncher())

	first := m.EnsureSession("s1", EnsureOptions{PermissionMode: "acceptEdits", Cwd: "/tmp"})
	if first.PermissionMode != "acceptEdits" {
		t.Fatalf("expected acceptEdits, got %s", first.PermissionMode)
	}

	again := m.EnsureSession("s1", EnsureOptions{PermissionMode: "bypassPermissions"})
	if again.PermissionMode != "acceptEdits" {
		t.Fatalf("existing session was mutated: %s", again.PermissionMode)
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected one session, got %d", len(m.List()))
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	m := newTestManager(t, newFakeLauncher())
	s := m.CreateSession("")
	if s.PermissionMode != "default" {
		t.Fatalf("expected default mode, got %s", s.PermissionMode)
	}
	if s.ID == "" {
		t.Fatal("expected generated session id")
	}
	if _, ok := m.Get(s.ID); !ok {
		t.Fatal("created session not retrievable")
	}
}

func TestSendMessageStreamsTextAndDone(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "s1", "hello", nil)
	proc := launcher.waitLaunch(t)

	// The prompt arrives on stdin first.
	prompt := proc.waitStdin(t)
	if !strings.Contains(prompt, "hello") {
		t.Fatalf("prompt not forwarded: %s", prompt)
	}

	proc.emit(t, map[string]any{"type": "system", "subtype": "init", "session_id": "sdk-123"})
	proc.emit(t, map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": "hi "}},
	})
	proc.emit(t, map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": "there"}},
	})
	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": "hi there"})

	got := collect(t, events)
	var text strings.Builder
	for _, ev := range got {
		if ev.Type == EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "hi there" {
		t.Fatalf("expected streamed text %q, got %q", "hi there", text.String())
	}
	last := got[len(got)-1]
	if last.Type != EventDone || last.SessionID != "s1" {
		t.Fatalf("expected terminal done for s1, got %+v", last)
	}

	snap, ok := m.Get("s1")
	if !ok {
		t.Fatal("session should exist after turn")
	}
	if snap.SDKSessionID != "sdk-123" {
		t.Fatalf("sdk session id not captured: %q", snap.SDKSessionID)
	}
}

func TestSendMessageBoundaryViolation(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Dir(root) // parent escapes the boundary
	v, err := boundary.NewValidator(root)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	m := NewManager(config.SessionConfig{IdleTimeout: 30}, newFakeLauncher(), v, nil, nil)

	events := m.SendMessage(context.Background(), "s1", "hi", &SendOptions{Cwd: outside})
	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("expected error+done, got %+v", got)
	}
	if got[0].Type != EventError || got[0].Message != "Directory boundary violation" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[0].Code != boundary.CodeOutsideBoundary {
		t.Fatalf("expected OUTSIDE_BOUNDARY code, got %q", got[0].Code)
	}
	if got[1].Type != EventDone {
		t.Fatalf("expected terminal done, got %+v", got[1])
	}
}

func TestSendMessageNullByteCwd(t *testing.T) {
	root := t.TempDir()
	v, err := boundary.NewValidator(root)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	m := NewManager(config.SessionConfig{IdleTimeout: 30}, newFakeLauncher(), v, nil, nil)

	events := m.SendMessage(context.Background(), "s1", "hi", &SendOptions{Cwd: root + "/bad\x00dir"})
	got := collect(t, events)
	if got[0].Type != EventError || got[0].Code != boundary.CodeNullByte {
		t.Fatalf("expected NULL_BYTE error, got %+v", got[0])
	}
}

func TestSendMessageLaunchFailure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.err = errors.New("binary not found")
	m := newTestManager(t, launcher)

	got := collect(t, m.SendMessage(context.Background(), "s1", "hi", nil))
	if len(got) != 2 {
		t.Fatalf("expected error+done, got %+v", got)
	}
	if got[0].Type != EventError || !strings.Contains(got[0].Message, "binary not found") {
		t.Fatalf("unexpected error event: %+v", got[0])
	}
	if got[1].Type != EventDone {
		t.Fatalf("expected terminal done, got %+v", got[1])
	}
}

func TestApproveToolResolvesGate(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "s1", "run it", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t) // prompt

	proc.emit(t, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "Bash",
			"tool_use_id": "tc-1",
			"input":       map[string]any{"command": "ls"},
		},
	})

	// The approval parks until a decision arrives.
	waitFor(t, func() bool {
		snap, ok := m.Get("s1")
		return ok && len(snap.PendingApprovals) == 1
	})
	snap, _ := m.Get("s1")
	if snap.PendingApprovals[0].ToolCallID != "tc-1" || snap.PendingApprovals[0].ToolName != "Bash" {
		t.Fatalf("unexpected pending approval: %+v", snap.PendingApprovals[0])
	}

	if !m.ApproveTool("s1", "tc-1", true) {
		t.Fatal("ApproveTool should resolve the pending gate")
	}
	if m.ApproveTool("s1", "tc-1", true) {
		t.Fatal("second ApproveTool should find nothing pending")
	}

	// The allow response reaches the runtime.
	resp := proc.waitStdin(t)
	if !strings.Contains(resp, `"behavior":"allow"`) || !strings.Contains(resp, `"request_id":"req-1"`) {
		t.Fatalf("unexpected control response: %s", resp)
	}

	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": "done"})

	got := collect(t, events)
	var end *Event
	for i := range got {
		if got[i].Type == EventToolCallEnd && got[i].ToolCallID == "tc-1" {
			end = &got[i]
		}
	}
	if end == nil || end.Status != StatusApproved {
		t.Fatalf("expected approved tool_call_end, got %+v", got)
	}
}

func TestDenyToolReportsDenied(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "s1", "run it", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	proc.emit(t, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "Write",
			"tool_use_id": "tc-2",
		},
	})
	waitFor(t, func() bool {
		snap, ok := m.Get("s1")
		return ok && len(snap.PendingApprovals) == 1
	})

	if !m.ApproveTool("s1", "tc-2", false) {
		t.Fatal("deny should resolve the gate")
	}
	resp := proc.waitStdin(t)
	if !strings.Contains(resp, `"behavior":"deny"`) {
		t.Fatalf("expected deny response, got %s", resp)
	}

	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": ""})
	got := collect(t, events)
	found := false
	for _, ev := range got {
		if ev.Type == EventToolCallEnd && ev.ToolCallID == "tc-2" && ev.Status == StatusDenied {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected denied tool_call_end, got %+v", got)
	}
}

func TestSubmitAnswersResolvesQuestion(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "s1", "ask me", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	proc.emit(t, map[string]any{
		"type":       "control_request",
		"request_id": "req-q",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "AskUserQuestion",
			"tool_use_id": "tc-q",
			"input": map[string]any{
				"questions": []map[string]any{
					{
						"question": "Favourite colour?",
						"options":  []map[string]any{{"label": "Blue"}, {"label": "Red"}},
					},
				},
			},
		},
	})

	// A question event surfaces with the parsed questions.
	var questionEv Event
	for {
		ev := nextEvent(t, events)
		if ev.Type == EventQuestion {
			questionEv = ev
			break
		}
	}
	if questionEv.ToolCallID != "tc-q" || len(questionEv.Questions) != 1 {
		t.Fatalf("unexpected question event: %+v", questionEv)
	}
	if questionEv.Questions[0].Question != "Favourite colour?" {
		t.Fatalf("question text lost: %+v", questionEv.Questions[0])
	}

	snap, _ := m.Get("s1")
	if len(snap.PendingQuestions) != 1 {
		t.Fatalf("expected one pending question, got %+v", snap.PendingQuestions)
	}

	if m.SubmitAnswers("s1", "missing", map[string]string{"0": "Blue"}) {
		t.Fatal("unknown tool call must not resolve")
	}
	if !m.SubmitAnswers("s1", "tc-q", map[string]string{"0": "Blue"}) {
		t.Fatal("SubmitAnswers should resolve the pending question")
	}

	resp := proc.waitStdin(t)
	if !strings.Contains(resp, `"behavior":"allow"`) {
		t.Fatalf("expected allow response, got %s", resp)
	}
	// Answers are rekeyed by question text for the runtime.
	if !strings.Contains(resp, `"Favourite colour?":"Blue"`) {
		t.Fatalf("answers not delivered by question text: %s", resp)
	}

	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": "picked blue"})
	got := collect(t, events)
	found := false
	for _, ev := range got {
		if ev.Type == EventToolCallEnd && ev.ToolCallID == "tc-q" && ev.Status == StatusAnswered {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected answered tool_call_end, got %+v", got)
	}
}

func TestRuntimeErrorEmitsErrorThenDone(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "s1", "boom", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	proc.emit(t, map[string]any{"type": "result", "subtype": "error", "is_error": true, "result": "model exploded"})

	got := collect(t, events)
	if len(got) < 2 {
		t.Fatalf("expected error+done, got %+v", got)
	}
	if got[len(got)-2].Type != EventError || got[len(got)-2].Message != "model exploded" {
		t.Fatalf("expected error event, got %+v", got[len(got)-2])
	}
	if got[len(got)-1].Type != EventDone {
		t.Fatalf("stream must close with done, got %+v", got[len(got)-1])
	}
}

func TestConsumerCancellationStopsTurn(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	events := m.SendMessage(ctx, "s1", "hi", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	cancel()

	// The stream closes without a done event.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				waitFor(t, func() bool {
					proc.mu.Lock()
					defer proc.mu.Unlock()
					return proc.killed
				})
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	first := m.SendMessage(context.Background(), "s1", "one", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	second := collect(t, m.SendMessage(context.Background(), "s1", "two", nil))
	if second[0].Type != EventError || !strings.Contains(second[0].Message, "already being processed") {
		t.Fatalf("expected busy error, got %+v", second)
	}

	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": "ok"})
	collect(t, first)
}

func TestCheckSessionHealthDropsIdle(t *testing.T) {
	m := newTestManager(t, newFakeLauncher())
	m.EnsureSession("old", EnsureOptions{})
	m.EnsureSession("fresh", EnsureOptions{})

	m.mu.Lock()
	m.sessions["old"].lastTouched = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	if removed := m.CheckSessionHealth(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := m.Get("old"); ok {
		t.Fatal("idle session should be gone")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Fatal("fresh session should remain")
	}
}

func TestCheckSessionHealthKeepsActiveTurn(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher)

	events := m.SendMessage(context.Background(), "busy", "hi", nil)
	proc := launcher.waitLaunch(t)
	proc.waitStdin(t)

	m.mu.Lock()
	m.sessions["busy"].mu.Lock()
	m.sessions["busy"].lastTouched = time.Now().Add(-time.Hour)
	m.sessions["busy"].mu.Unlock()
	m.mu.Unlock()

	if removed := m.CheckSessionHealth(); removed != 0 {
		t.Fatalf("active session must not be swept, removed %d", removed)
	}

	proc.emit(t, map[string]any{"type": "result", "subtype": "success", "result": "ok"})
	collect(t, events)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t, newFakeLauncher())
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrManagerAlreadyRunning) {
		t.Fatalf("expected ErrManagerAlreadyRunning, got %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrManagerNotRunning) {
		t.Fatalf("expected ErrManagerNotRunning, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDecideGate(t *testing.T) {
	cases := []struct {
		mode, tool, want string
	}{
		{"default", "Bash", gateApproval},
		{"default", "AskUserQuestion", gateQuestion},
		{"bypassPermissions", "Bash", ""},
		{"bypassPermissions", "AskUserQuestion", gateQuestion},
		{"acceptEdits", "Edit", ""},
		{"acceptEdits", "Write", ""},
		{"acceptEdits", "Bash", gateApproval},
	}
	for _, tc := range cases {
		if got := decideGate(tc.mode, tc.tool); got != tc.want {
			t.Errorf("decideGate(%s, %s) = %q, want %q", tc.mode, tc.tool, got, tc.want)
		}
	}
}
