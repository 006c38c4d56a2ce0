package session

import (
	"encoding/json"
	"strconv"

	"github.com/dork/dork/pkg/claudecode"
)

// Gate kinds
const (
	gateApproval = "approval"
	gateQuestion = "question"
)

// Tool call statuses reported on tool_call_end events.
const (
	StatusAuto     = "auto"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusAnswered = "answered"
)

// Question is one entry of an AskUserQuestion block.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Option is a selectable answer for a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// gate parks a tool call until a human decision arrives.
type gate struct {
	kind      string
	toolName  string
	input     map[string]any
	questions []Question
	resolve   chan gateDecision
}

// gateDecision is the outcome delivered through ApproveTool or SubmitAnswers.
type gateDecision struct {
	approved bool
	answers  map[string]string
}

func newGate(kind, toolName string, input map[string]any, questions []Question) *gate {
	return &gate{
		kind:      kind,
		toolName:  toolName,
		input:     input,
		questions: questions,
		resolve:   make(chan gateDecision, 1),
	}
}

// decideGate classifies a permission request. The empty string means the
// tool runs without a human in the loop.
func decideGate(permissionMode, toolName string) string {
	if toolName == claudecode.ToolAskUserQuestion {
		return gateQuestion
	}
	switch permissionMode {
	case "bypassPermissions":
		return ""
	case "acceptEdits":
		switch toolName {
		case claudecode.ToolWrite, claudecode.ToolEdit, claudecode.ToolNotebookEdit:
			return ""
		}
	}
	return gateApproval
}

// parseQuestions extracts the questions array from an AskUserQuestion input.
func parseQuestions(input map[string]any) []Question {
	raw, ok := input["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil
	}
	return questions
}

// answersByQuestionText rekeys index-keyed answers by question text, the
// form the runtime records in its tool results.
func answersByQuestionText(questions []Question, answers map[string]string) map[string]string {
	out := make(map[string]string, len(answers))
	for idx, q := range questions {
		if answer, ok := answers[strconv.Itoa(idx)]; ok {
			out[q.Question] = answer
		}
	}
	return out
}

// answeredInput rebuilds the tool input with the collected answers attached,
// delivered to the runtime via the control response's updatedInput.
func answeredInput(input map[string]any, questions []Question, answers map[string]string) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out["answers"] = answersByQuestionText(questions, answers)
	return out
}
