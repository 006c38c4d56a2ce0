// Package transcript reconstructs conversation history from the agent
// runtime's on-disk JSONL session logs. The logs are content-addressed:
// one directory per project (path separators replaced), one file per
// session id.
package transcript

import "encoding/json"

// Message types attached to HistoryMessage.MessageType. The zero value
// is a plain conversational message.
const (
	TypeCommand    = "command"
	TypeCompaction = "compaction"
)

// HistoryMessage is one reconstructed turn of a historical session.
type HistoryMessage struct {
	ID          string      `json:"id"`
	Role        string      `json:"role"`
	Content     string      `json:"content"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Model       string      `json:"model,omitempty"`
	MessageType string      `json:"messageType,omitempty"`
	CommandName string      `json:"commandName,omitempty"`
	CommandArgs string      `json:"commandArgs,omitempty"`
	Parts       []Part      `json:"parts,omitempty"`
	ToolCalls   []*ToolCall `json:"toolCalls,omitempty"`
}

// Part preserves the original ordering of text and tool-call blocks
// within an assistant turn.
type Part struct {
	Type     string    `json:"type"` // text | tool_call
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// ToolCall is a tool invocation with its later-stitched result. The
// same value is shared between Parts and ToolCalls so stitching a
// result updates both views.
type ToolCall struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Input     map[string]any    `json:"input,omitempty"`
	Result    string            `json:"result,omitempty"`
	IsError   bool              `json:"isError,omitempty"`
	Questions []Question        `json:"questions,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
}

// Question is one entry of an AskUserQuestion input block.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Option is a selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// SessionMeta is the cheap, scan-free summary of one session log.
type SessionMeta struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	Title          string `json:"title,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ContextTokens  int64  `json:"contextTokens,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// logLine is the wire shape of one JSONL line. Only the fields the
// reader consumes are declared; everything else passes through
// json.RawMessage or is dropped.
type logLine struct {
	Type           string          `json:"type"`
	UUID           string          `json:"uuid"`
	ParentUUID     string          `json:"parentUuid"`
	SessionID      string          `json:"sessionId"`
	Timestamp      string          `json:"timestamp"`
	Cwd            string          `json:"cwd"`
	PermissionMode string          `json:"permissionMode"`
	Message        json.RawMessage `json:"message"`
	ToolUseResult  json.RawMessage `json:"toolUseResult"`

	// type=summary / type=ai-title lines
	Summary string `json:"summary"`
	AITitle string `json:"aiTitle"`
}

// chatMessage is the message body of a user or assistant line. User
// content is either a bare string or a block list; RawContent defers
// that decision to the parser.
type chatMessage struct {
	APIID      string          `json:"id"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	RawContent json.RawMessage `json:"content"`
	Usage      *usage          `json:"usage"`
}

type usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// contextTokens is the total prompt-side context the last turn saw.
func (u *usage) contextTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// contentBlock is one element of a block-list content array.
type contentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text"`

	// tool_use blocks
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	// tool_result blocks; content is a string or a nested block list
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// toolUseResult carries the structured sibling of a tool_result block.
type toolUseResult struct {
	CommandName string            `json:"commandName"`
	Answers     map[string]string `json:"answers"`
}
