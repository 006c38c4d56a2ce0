package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/pkg/claudecode"
)

// Stream event types delivered by SendMessage.
const (
	EventTextDelta     = "text_delta"
	EventToolCallStart = "tool_call_start"
	EventToolCallDelta = "tool_call_delta"
	EventToolCallEnd   = "tool_call_end"
	EventQuestion      = "question"
	EventError         = "error"
	EventDone          = "done"
)

// boundaryViolationMessage is the error text emitted when a session's
// working directory fails validation.
const boundaryViolationMessage = "Directory boundary violation"

// exitGrace is how long the driver keeps draining parsed messages after the
// runtime process exits, so a result that raced the exit is not lost.
const exitGrace = 2 * time.Second

// Event is one element of a SendMessage stream.
type Event struct {
	Type       string     `json:"type"`
	Text       string     `json:"text,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	Input      string     `json:"input,omitempty"`
	Status     string     `json:"status,omitempty"`
	Questions  []Question `json:"questions,omitempty"`
	Message    string     `json:"message,omitempty"`
	Code       string     `json:"code,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
}

// SendOptions seed the session when SendMessage creates it.
type SendOptions struct {
	PermissionMode string
	Cwd            string
}

// SendMessage runs one agent turn and returns its event stream. The session
// is created on first use. The channel closes after the terminal done event,
// or without one when ctx is cancelled. Runtime failures surface as an error
// event followed by done.
func (m *Manager) SendMessage(ctx context.Context, id, content string, opts *SendOptions) <-chan Event {
	var ensure *EnsureOptions
	if opts != nil {
		ensure = &EnsureOptions{PermissionMode: opts.PermissionMode, Cwd: opts.Cwd}
	}
	s := m.ensure(id, ensure)

	out := make(chan Event, 64)
	go m.runTurn(ctx, s, content, out)
	return out
}

func (m *Manager) runTurn(ctx context.Context, s *state, content string, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(message, code string) {
		if emit(Event{Type: EventError, Message: message, Code: code}) {
			emit(Event{Type: EventDone, SessionID: s.id})
		}
	}

	s.mu.Lock()
	if s.turnActive {
		s.mu.Unlock()
		fail("Another message is already being processed", "")
		return
	}
	s.turnActive = true
	s.lastTouched = time.Now()
	mode := s.permissionMode
	cwd := s.cwd
	resume := s.sdkSessionID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.turnActive = false
		s.lastTouched = time.Now()
		s.gates = make(map[string]*gate)
		s.mu.Unlock()
	}()

	if cwd != "" && m.bound != nil {
		canonical, err := m.bound.Validate(cwd)
		if err != nil {
			var berr *boundary.Error
			code := ""
			if errors.As(err, &berr) {
				code = berr.Code
			}
			m.log.Warn("session cwd rejected",
				zap.String("session_id", s.id),
				zap.String("cwd", cwd),
				zap.String("code", code))
			fail(boundaryViolationMessage, code)
			return
		}
		cwd = canonical
	}

	proc, err := m.launcher.Launch(ctx, LaunchOptions{
		PermissionMode:  mode,
		Cwd:             cwd,
		ResumeSessionID: resume,
	})
	if err != nil {
		m.log.WithError(err).Error("failed to launch agent runtime", zap.String("session_id", s.id))
		fail(fmt.Sprintf("Failed to start agent runtime: %v", err), "")
		return
	}

	d := newTurnDriver(m, s, proc, mode)
	defer d.shutdown()

	if err := d.client.SendUserMessage(content); err != nil {
		fail(fmt.Sprintf("Failed to send prompt: %v", err), "")
		return
	}

	m.log.Info("turn started", zap.String("session_id", s.id))
	m.emitFeed("session.turn.started", map[string]interface{}{"sessionId": s.id})

	completed := d.run(ctx, emit)
	if ctx.Err() != nil {
		m.log.Debug("turn consumer gone", zap.String("session_id", s.id))
		return
	}

	emit(Event{Type: EventDone, SessionID: s.id})
	m.log.Info("turn finished",
		zap.String("session_id", s.id),
		zap.Bool("completed", completed))
	m.emitFeed("session.turn.finished", map[string]interface{}{
		"sessionId": s.id,
		"completed": completed,
	})
}

// turnItem is one unit of work for the driver loop: either a parsed runtime
// message or an event synthesized by a gate.
type turnItem struct {
	msg *claudecode.CLIMessage
	ev  *Event
}

// toolBlock tracks a tool_use content block currently streaming in.
type toolBlock struct {
	id   string
	name string
}

// turnDriver owns one runtime invocation: it pumps protocol messages into
// stream events and parks permission requests on gates.
type turnDriver struct {
	m    *Manager
	s    *state
	mode string
	proc Process

	client *claudecode.Client
	cancel context.CancelFunc

	items    chan turnItem
	turnDone chan struct{}
	exited   chan error

	openBlocks map[int]*toolBlock
	ended      map[string]bool
}

func newTurnDriver(m *Manager, s *state, proc Process, mode string) *turnDriver {
	d := &turnDriver{
		m:          m,
		s:          s,
		mode:       mode,
		proc:       proc,
		items:      make(chan turnItem, 64),
		turnDone:   make(chan struct{}),
		exited:     make(chan error, 1),
		openBlocks: make(map[int]*toolBlock),
		ended:      make(map[string]bool),
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.client = claudecode.NewClient(proc.Stdin(), proc.Stdout(), m.log)
	d.client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		d.push(turnItem{msg: msg})
	})
	d.client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		go d.handleControlRequest(requestID, req)
	})
	d.client.Start(clientCtx)

	go func() {
		d.exited <- proc.Wait()
	}()

	return d
}

func (d *turnDriver) push(it turnItem) {
	select {
	case d.items <- it:
	case <-d.turnDone:
	}
}

func (d *turnDriver) shutdown() {
	close(d.turnDone)
	d.client.Stop()
	d.cancel()
	if err := d.proc.Kill(); err != nil {
		d.m.log.Debug("runtime kill", zap.Error(err))
	}
}

// run consumes items until the result message arrives, the process dies, or
// ctx is cancelled. It reports whether the turn reached a result.
func (d *turnDriver) run(ctx context.Context, emit func(Event) bool) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-d.exited:
			// The process exits right after the result in print mode, so
			// give already-parsed messages a moment to flush through.
			grace := time.NewTimer(exitGrace)
			defer grace.Stop()
			for {
				select {
				case it := <-d.items:
					if d.handle(it, emit) {
						return true
					}
				case <-grace.C:
					emit(Event{Type: EventError, Message: d.exitMessage(err)})
					return false
				case <-ctx.Done():
					return false
				}
			}

		case it := <-d.items:
			if d.handle(it, emit) {
				return true
			}
		}
	}
}

// handle processes one item and reports whether the turn is complete.
func (d *turnDriver) handle(it turnItem, emit func(Event) bool) bool {
	if it.ev != nil {
		if it.ev.Type == EventToolCallEnd {
			d.ended[it.ev.ToolCallID] = true
		}
		emit(*it.ev)
		return false
	}

	msg := it.msg
	if msg.SessionID != "" {
		d.s.setSDKSessionID(msg.SessionID)
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		// session_id captured above

	case claudecode.MessageTypeStreamEvent:
		d.handleStreamEvent(msg.Event, emit)

	case claudecode.MessageTypeAssistant:
		// Content already delivered through partial events.

	case claudecode.MessageTypeUser:
		// Replayed tool results close out tool calls that never hit a gate.
		if msg.Message == nil {
			break
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			if d.ended[block.ToolUseID] {
				continue
			}
			d.ended[block.ToolUseID] = true
			emit(Event{Type: EventToolCallEnd, ToolCallID: block.ToolUseID, Status: StatusAuto})
		}

	case claudecode.MessageTypeResult:
		if msg.IsError {
			text := msg.GetResultString()
			if text == "" {
				text = "Agent turn failed"
			}
			emit(Event{Type: EventError, Message: text})
		}
		return true

	default:
		d.m.log.Debug("unhandled runtime message", zap.String("type", msg.Type))
	}
	return false
}

func (d *turnDriver) handleStreamEvent(ev *claudecode.StreamEvent, emit func(Event) bool) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case claudecode.EventContentBlockStart:
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			d.openBlocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			emit(Event{
				Type:       EventToolCallStart,
				ToolCallID: ev.ContentBlock.ID,
				ToolName:   ev.ContentBlock.Name,
			})
		}

	case claudecode.EventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case claudecode.DeltaText:
			emit(Event{Type: EventTextDelta, Text: ev.Delta.Text})
		case claudecode.DeltaInputJSON:
			if block, ok := d.openBlocks[ev.Index]; ok {
				emit(Event{Type: EventToolCallDelta, ToolCallID: block.id, Input: ev.Delta.PartialJSON})
			}
		}

	case claudecode.EventContentBlockStop:
		delete(d.openBlocks, ev.Index)
	}
}

// handleControlRequest parks or auto-resolves one permission request. It
// runs on its own goroutine so approvals can wait for a human without
// stalling the protocol read loop.
func (d *turnDriver) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		d.respondError(requestID, fmt.Sprintf("unsupported control request: %s", req.Subtype))
		return
	}

	toolCallID := req.ToolUseID
	if toolCallID == "" {
		toolCallID = uuid.New().String()
	}

	switch decideGate(d.mode, req.ToolName) {
	case "":
		d.respondAllow(requestID, nil)
		d.push(turnItem{ev: &Event{Type: EventToolCallEnd, ToolCallID: toolCallID, Status: StatusAuto}})

	case gateApproval:
		g := newGate(gateApproval, req.ToolName, req.Input, nil)
		d.parkGate(toolCallID, g)

		select {
		case decision := <-g.resolve:
			if decision.approved {
				d.respondAllow(requestID, nil)
				d.push(turnItem{ev: &Event{Type: EventToolCallEnd, ToolCallID: toolCallID, Status: StatusApproved}})
			} else {
				d.respondDeny(requestID, "Denied by user")
				d.push(turnItem{ev: &Event{Type: EventToolCallEnd, ToolCallID: toolCallID, Status: StatusDenied}})
			}
		case <-d.turnDone:
			d.respondDeny(requestID, "Session closed")
		}

	case gateQuestion:
		questions := parseQuestions(req.Input)
		g := newGate(gateQuestion, req.ToolName, req.Input, questions)
		d.parkGate(toolCallID, g)
		d.push(turnItem{ev: &Event{Type: EventQuestion, ToolCallID: toolCallID, Questions: questions}})

		select {
		case decision := <-g.resolve:
			d.respondAllow(requestID, answeredInput(req.Input, questions, decision.answers))
			d.push(turnItem{ev: &Event{Type: EventToolCallEnd, ToolCallID: toolCallID, Status: StatusAnswered}})
		case <-d.turnDone:
			d.respondDeny(requestID, "Session closed")
		}
	}
}

func (d *turnDriver) parkGate(toolCallID string, g *gate) {
	d.s.mu.Lock()
	d.s.gates[toolCallID] = g
	d.s.lastTouched = time.Now()
	d.s.mu.Unlock()
}

func (d *turnDriver) respondAllow(requestID string, updatedInput map[string]any) {
	result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
	if updatedInput != nil {
		result.UpdatedInput = updatedInput
	}
	d.respond(requestID, &claudecode.ControlResponse{Subtype: "success", Result: result})
}

func (d *turnDriver) respondDeny(requestID, message string) {
	d.respond(requestID, &claudecode.ControlResponse{
		Subtype: "success",
		Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: message},
	})
}

func (d *turnDriver) respondError(requestID, message string) {
	d.respond(requestID, &claudecode.ControlResponse{Subtype: "error", Error: message})
}

func (d *turnDriver) respond(requestID string, resp *claudecode.ControlResponse) {
	err := d.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
	if err != nil {
		d.m.log.WithError(err).Warn("failed to send control response", zap.String("request_id", requestID))
	}
}

func (d *turnDriver) exitMessage(err error) string {
	msg := "Agent runtime exited unexpectedly"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if tail := strings.TrimSpace(d.proc.StderrTail()); tail != "" {
		msg = fmt.Sprintf("%s\n%s", msg, tail)
	}
	return msg
}
