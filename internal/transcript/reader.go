package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

// maxLineBytes bounds a single JSONL line. Tool results routinely carry
// whole file dumps, so this is generous.
const maxLineBytes = 10 * 1024 * 1024

var (
	systemReminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	commandNameRe    = regexp.MustCompile(`<command-name>([^<]*)</command-name>`)
	commandArgsRe    = regexp.MustCompile(`<command-args>([^<]*)</command-args>`)
	answerPairRe     = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*=\s*"((?:[^"\\]|\\.)*)"`)
)

const compactionPrefix = "This session is being continued"

// Reader reconstructs history from session logs rooted at a projects
// directory (one subdirectory per project, one .jsonl file per
// session).
type Reader struct {
	root string
	log  *logger.Logger
}

func NewReader(root string, log *logger.Logger) *Reader {
	if log == nil {
		log = logger.Default()
	}
	return &Reader{
		root: root,
		log:  log.WithFields(zap.String("component", "transcript")),
	}
}

// Root returns the projects directory this reader scans.
func (r *Reader) Root() string { return r.root }

// ReadTranscript parses the full session log for id and returns the
// reconstructed message history in order.
func (r *Reader) ReadTranscript(id string) ([]HistoryMessage, error) {
	path, err := r.findSessionFile(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return r.parse(f)
}

// ReadTranscriptFile parses a single log file directly.
func (r *Reader) ReadTranscriptFile(path string) ([]HistoryMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return r.parse(f)
}

// pendingCall tracks an unresolved tool invocation so a later
// tool_result line can be stitched back into it.
type pendingCall struct {
	call      *ToolCall
	msg       *HistoryMessage
	skillArgs string
	isSkill   bool
}

// pendingCommand accumulates <command-name>/<command-args> tags until
// the expanded prompt arrives and the whole group collapses into one
// message.
type pendingCommand struct {
	name string
	args string
}

// parser holds messages as pointers so pending tool calls can stitch
// results into turns emitted many lines earlier.
type parser struct {
	messages []*HistoryMessage
	pending  map[string]*pendingCall
	command  *pendingCommand
	lastMsg  string // assistant message id of the last emitted turn
}

func (r *Reader) parse(f *os.File) ([]HistoryMessage, error) {
	p := &parser{pending: make(map[string]*pendingCall)}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line logLine
		if err := json.Unmarshal(raw, &line); err != nil {
			r.log.Debug("skipping malformed transcript line", zap.Error(err))
			continue
		}
		switch line.Type {
		case "user":
			p.userLine(&line)
		case "assistant":
			p.assistantLine(&line)
		default:
			// file-history-snapshot, progress, system, summary,
			// task-notification and friends carry no conversation.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	p.flushCommand("", "")

	out := make([]HistoryMessage, len(p.messages))
	for i, m := range p.messages {
		out[i] = *m
	}
	return out, nil
}

func (p *parser) userLine(line *logLine) {
	var msg chatMessage
	if err := json.Unmarshal(line.Message, &msg); err != nil {
		return
	}
	p.lastMsg = ""

	// Bare-string content is a plain prompt.
	var text string
	if err := json.Unmarshal(msg.RawContent, &text); err == nil {
		p.userText(line, text)
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.RawContent, &blocks); err != nil {
		return
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_result":
			p.stitchResult(line, &b)
		}
	}

	// Results-only and reminder-only messages are elided; any text
	// siblings survive as a normal prompt.
	remainder := strings.TrimSpace(stripReminders(strings.Join(texts, "\n")))
	if remainder == "" {
		return
	}
	p.userText(line, remainder)
}

// userText routes one plain user prompt through the drop, collapse and
// classification rules.
func (p *parser) userText(line *logLine, text string) {
	text = strings.TrimSpace(stripReminders(text))
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "<local-command-") {
		return
	}

	name := firstMatch(commandNameRe, text)
	args := firstMatch(commandArgsRe, text)
	if name != "" || args != "" {
		if p.command == nil {
			p.command = &pendingCommand{}
		}
		if name != "" {
			p.command.name = name
		}
		if args != "" {
			p.command.args = args
		}
		return
	}

	if p.command != nil {
		// The expanded prompt collapses into the command itself.
		p.flushCommand(line.UUID, line.Timestamp)
		return
	}

	m := &HistoryMessage{
		ID:        line.UUID,
		Role:      "user",
		Content:   text,
		Timestamp: line.Timestamp,
	}
	if strings.HasPrefix(text, compactionPrefix) {
		m.MessageType = TypeCompaction
	}
	p.messages = append(p.messages, m)
}

// flushCommand emits the accumulated slash command as a single
// command-typed message. Safe to call when nothing is pending.
func (p *parser) flushCommand(id, timestamp string) {
	cmd := p.command
	p.command = nil
	if cmd == nil || (cmd.name == "" && cmd.args == "") {
		return
	}
	content := cmd.name
	if cmd.args != "" {
		if content != "" {
			content += " "
		}
		content += cmd.args
	}
	p.messages = append(p.messages, &HistoryMessage{
		ID:          id,
		Role:        "user",
		Content:     content,
		Timestamp:   timestamp,
		MessageType: TypeCommand,
		CommandName: cmd.name,
		CommandArgs: cmd.args,
	})
}

func (p *parser) assistantLine(line *logLine) {
	var msg chatMessage
	if err := json.Unmarshal(line.Message, &msg); err != nil {
		return
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.RawContent, &blocks); err != nil {
		return
	}

	// The runtime may split one API message across consecutive lines
	// that share a message id; merge those into a single turn.
	var target *HistoryMessage
	if msg.APIID != "" && msg.APIID == p.lastMsg && len(p.messages) > 0 {
		if last := p.messages[len(p.messages)-1]; last.Role == "assistant" {
			target = last
		}
	}
	if target == nil {
		target = &HistoryMessage{
			ID:        line.UUID,
			Role:      "assistant",
			Timestamp: line.Timestamp,
			Model:     msg.Model,
		}
		p.messages = append(p.messages, target)
	}
	p.lastMsg = msg.APIID

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text := stripReminders(b.Text)
			if strings.TrimSpace(text) == "" {
				continue
			}
			target.Parts = append(target.Parts, Part{Type: "text", Text: text})
		case "tool_use":
			call := &ToolCall{ID: b.ID, Name: b.Name, Input: b.Input}
			pc := &pendingCall{call: call, msg: target}
			if b.Name == "AskUserQuestion" {
				call.Questions = parseQuestions(b.Input)
			}
			if b.Name == "Skill" {
				pc.isSkill = true
				if args, ok := b.Input["args"].(string); ok {
					pc.skillArgs = args
				}
			}
			p.pending[b.ID] = pc
			target.Parts = append(target.Parts, Part{Type: "tool_call", ToolCall: call})
			target.ToolCalls = append(target.ToolCalls, call)
		}
	}
	target.Content = joinTextParts(target.Parts)
}

// stitchResult attaches a tool_result block to its originating call.
func (p *parser) stitchResult(line *logLine, b *contentBlock) {
	pc, ok := p.pending[b.ToolUseID]
	if !ok {
		return
	}
	delete(p.pending, b.ToolUseID)

	pc.call.Result = resultText(b.Content)
	pc.call.IsError = b.IsError

	var structured toolUseResult
	if len(line.ToolUseResult) > 0 {
		_ = json.Unmarshal(line.ToolUseResult, &structured)
	}

	if pc.isSkill && structured.CommandName != "" {
		collapseSkill(pc.msg, structured.CommandName, pc.skillArgs)
	}
	if len(pc.call.Questions) > 0 {
		pc.call.Answers = correlateAnswers(pc.call.Questions, structured.Answers, pc.call.Result)
	}
}

// collapseSkill rewrites the originating assistant turn as a
// command-style message once the result names the command behind the
// Skill invocation.
func collapseSkill(msg *HistoryMessage, name, args string) {
	msg.MessageType = TypeCommand
	msg.CommandName = name
	msg.CommandArgs = args
	content := name
	if args != "" {
		content += " " + args
	}
	msg.Content = content
}

// correlateAnswers maps answers onto question indexes. The structured
// form keys answers by question text; the textual fallback parses
// "question"="answer" pairs out of the raw result.
func correlateAnswers(questions []Question, structured map[string]string, raw string) map[string]string {
	byText := structured
	if len(byText) == 0 {
		byText = make(map[string]string)
		for _, m := range answerPairRe.FindAllStringSubmatch(raw, -1) {
			byText[unescapePair(m[1])] = unescapePair(m[2])
		}
	}
	if len(byText) == 0 {
		return nil
	}
	out := make(map[string]string)
	for i, q := range questions {
		if a, ok := byText[q.Question]; ok {
			out[strconv.Itoa(i)] = a
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unescapePair(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// parseQuestions decodes the AskUserQuestion input shape.
func parseQuestions(input map[string]any) []Question {
	rawList, ok := input["questions"].([]any)
	if !ok {
		return nil
	}
	out := make([]Question, 0, len(rawList))
	for _, rq := range rawList {
		qm, ok := rq.(map[string]any)
		if !ok {
			continue
		}
		q := Question{}
		q.Question, _ = qm["question"].(string)
		q.Header, _ = qm["header"].(string)
		q.MultiSelect, _ = qm["multiSelect"].(bool)
		if opts, ok := qm["options"].([]any); ok {
			for _, ro := range opts {
				switch ov := ro.(type) {
				case string:
					q.Options = append(q.Options, Option{Label: ov})
				case map[string]any:
					o := Option{}
					o.Label, _ = ov["label"].(string)
					o.Description, _ = ov["description"].(string)
					q.Options = append(q.Options, o)
				}
			}
		}
		if q.Question != "" {
			out = append(out, q)
		}
	}
	return out
}

// resultText flattens a tool_result content payload, which is either a
// bare string or a nested block list.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func joinTextParts(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func stripReminders(s string) string {
	if !strings.Contains(s, "<system-reminder>") {
		return s
	}
	return systemReminderRe.ReplaceAllString(s, "")
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// findSessionFile locates <root>/<project>/<id>.jsonl.
func (r *Reader) findSessionFile(id string) (string, error) {
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return "", fmt.Errorf("read transcripts root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.root, e.Name(), id+".jsonl")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("session %s: %w", id, os.ErrNotExist)
}
