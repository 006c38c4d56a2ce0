package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessage_ParseAssistant(t *testing.T) {
	line := `{
		"type": "assistant",
		"session_id": "sess1",
		"message": {
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_01", "name": "Bash", "input": {"command": "ls"}}
			]
		}
	}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if msg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want assistant", msg.Type)
	}
	if msg.Message == nil || len(msg.Message.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %+v", msg.Message)
	}
	if msg.Message.Content[0].Text != "Let me check." {
		t.Errorf("text block = %q", msg.Message.Content[0].Text)
	}
	tool := msg.Message.Content[1]
	if tool.Type != "tool_use" || tool.ID != "toolu_01" || tool.Name != ToolBash {
		t.Errorf("unexpected tool block: %+v", tool)
	}
	if cmd, _ := tool.Input["command"].(string); cmd != "ls" {
		t.Errorf("tool input command = %q, want ls", cmd)
	}
}

func TestCLIMessage_ParseStreamEvents(t *testing.T) {
	cases := []struct {
		name string
		line string
		eval func(t *testing.T, ev *StreamEvent)
	}{
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}}`,
			eval: func(t *testing.T, ev *StreamEvent) {
				if ev.Delta == nil || ev.Delta.Type != DeltaText || ev.Delta.Text != "hi" {
					t.Errorf("unexpected delta: %+v", ev.Delta)
				}
			},
		},
		{
			name: "tool use start",
			line: `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_02","name":"Write","input":{}}}}`,
			eval: func(t *testing.T, ev *StreamEvent) {
				if ev.ContentBlock == nil || ev.ContentBlock.ID != "toolu_02" || ev.ContentBlock.Name != ToolWrite {
					t.Errorf("unexpected content block: %+v", ev.ContentBlock)
				}
			},
		},
		{
			name: "input json delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}}`,
			eval: func(t *testing.T, ev *StreamEvent) {
				if ev.Delta == nil || ev.Delta.Type != DeltaInputJSON || ev.Delta.PartialJSON != `{"file_path":` {
					t.Errorf("unexpected delta: %+v", ev.Delta)
				}
			},
		},
		{
			name: "block stop",
			line: `{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
			eval: func(t *testing.T, ev *StreamEvent) {
				if ev.Type != EventContentBlockStop || ev.Index != 1 {
					t.Errorf("unexpected event: %+v", ev)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg CLIMessage
			if err := json.Unmarshal([]byte(tc.line), &msg); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent || msg.Event == nil {
				t.Fatalf("expected stream_event, got %+v", msg)
			}
			tc.eval(t, msg.Event)
		})
	}
}

func TestCLIMessage_ParseControlRequest(t *testing.T) {
	line := `{
		"type": "control_request",
		"request_id": "r9",
		"request": {
			"subtype": "can_use_tool",
			"tool_name": "AskUserQuestion",
			"tool_use_id": "toolu_03",
			"input": {"questions": [{"question": "Deploy now?", "options": [{"label": "Yes"}, {"label": "No"}]}]}
		}
	}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if msg.Request == nil {
		t.Fatal("expected request body")
	}
	if msg.Request.ToolName != ToolAskUserQuestion {
		t.Errorf("ToolName = %q", msg.Request.ToolName)
	}
	if msg.Request.ToolUseID != "toolu_03" {
		t.Errorf("ToolUseID = %q", msg.Request.ToolUseID)
	}
	if _, ok := msg.Request.Input["questions"]; !ok {
		t.Error("expected questions in input")
	}
}

func TestGetResultString(t *testing.T) {
	var msg CLIMessage
	if err := json.Unmarshal([]byte(`{"type":"result","subtype":"success","result":"All done","duration_ms":420,"num_turns":2}`), &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got := msg.GetResultString(); got != "All done" {
		t.Errorf("GetResultString() = %q, want %q", got, "All done")
	}
	if msg.DurationMS != 420 || msg.NumTurns != 2 {
		t.Errorf("result metadata = %d ms / %d turns", msg.DurationMS, msg.NumTurns)
	}

	// Object results are not strings
	var obj CLIMessage
	if err := json.Unmarshal([]byte(`{"type":"result","result":{"text":"x"}}`), &obj); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got := obj.GetResultString(); got != "" {
		t.Errorf("GetResultString() on object = %q, want empty", got)
	}

	var empty CLIMessage
	if got := empty.GetResultString(); got != "" {
		t.Errorf("GetResultString() on empty = %q, want empty", got)
	}
}

func TestPermissionResultMarshal(t *testing.T) {
	interrupt := true
	res := PermissionResult{
		Behavior:  BehaviorDeny,
		Message:   "denied by user",
		Interrupt: &interrupt,
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed["behavior"] != "deny" {
		t.Errorf("behavior = %v", parsed["behavior"])
	}
	if parsed["interrupt"] != true {
		t.Errorf("interrupt = %v", parsed["interrupt"])
	}

	// allow with updated input carries the answers payload
	allow := PermissionResult{
		Behavior:     BehaviorAllow,
		UpdatedInput: map[string]any{"answers": map[string]string{"0": "Yes"}},
	}
	data, err = json.Marshal(allow)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := parsed["updatedInput"]; !ok {
		t.Error("expected updatedInput in payload")
	}
}
