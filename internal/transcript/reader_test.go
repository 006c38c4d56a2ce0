package transcript

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) (*Reader, string) {
	t.Helper()
	root := t.TempDir()
	return NewReader(root, nil), root
}

func writeSession(t *testing.T, root, project, id string, lines ...map[string]any) string {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, id+".jsonl")

	var buf bytes.Buffer
	for _, l := range lines {
		b, err := json.Marshal(l)
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func userLine(uuid, text string) map[string]any {
	return map[string]any{
		"type":           "user",
		"uuid":           uuid,
		"sessionId":      "s-test",
		"timestamp":      "2026-02-01T10:00:00Z",
		"cwd":            "/work/proj",
		"permissionMode": "default",
		"message":        map[string]any{"role": "user", "content": text},
	}
}

func userBlockLine(uuid string, blocks []any) map[string]any {
	l := userLine(uuid, "")
	l["message"] = map[string]any{"role": "user", "content": blocks}
	return l
}

func assistantLine(uuid, apiID, model string, blocks []any) map[string]any {
	return map[string]any{
		"type":      "assistant",
		"uuid":      uuid,
		"sessionId": "s-test",
		"timestamp": "2026-02-01T10:00:05Z",
		"cwd":       "/work/proj",
		"message": map[string]any{
			"id":      apiID,
			"role":    "assistant",
			"model":   model,
			"content": blocks,
		},
	}
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolUseBlock(id, name string, input map[string]any) map[string]any {
	return map[string]any{"type": "tool_use", "id": id, "name": name, "input": input}
}

func toolResultBlock(toolUseID, content string, isError bool) map[string]any {
	return map[string]any{"type": "tool_result", "tool_use_id": toolUseID, "content": content, "is_error": isError}
}

func TestReadTranscriptPlainConversation(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "hello there"),
		assistantLine("a1", "msg_01", "test-model-1", []any{textBlock("hi, how can I help?")}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Empty(t, msgs[0].MessageType)

	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "hi, how can I help?", msgs[1].Content)
	assert.Equal(t, "test-model-1", msgs[1].Model)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "text", msgs[1].Parts[0].Type)
}

func TestReadTranscriptMissingSession(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.ReadTranscript("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestToolResultStitching(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "read the file"),
		assistantLine("a1", "msg_01", "test-model-1", []any{
			textBlock("Reading it now."),
			toolUseBlock("tu_1", "Read", map[string]any{"file_path": "/work/proj/main.go"}),
		}),
		userBlockLine("u2", []any{toolResultBlock("tu_1", "package main", false)}),
		assistantLine("a2", "msg_02", "test-model-1", []any{textBlock("Done.")}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	// The results-only user line is elided.
	require.Len(t, msgs, 3)

	turn := msgs[1]
	require.Len(t, turn.ToolCalls, 1)
	call := turn.ToolCalls[0]
	assert.Equal(t, "Read", call.Name)
	assert.Equal(t, "package main", call.Result)
	assert.False(t, call.IsError)

	// The part view shares the same call value.
	require.Len(t, turn.Parts, 2)
	require.Equal(t, "tool_call", turn.Parts[1].Type)
	assert.Same(t, call, turn.Parts[1].ToolCall)
	assert.Equal(t, "package main", turn.Parts[1].ToolCall.Result)
}

func TestToolResultErrorFlag(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_1", "Bash", map[string]any{"command": "false"}),
		}),
		userBlockLine("u1", []any{toolResultBlock("tu_1", "exit status 1", true)}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.True(t, msgs[0].ToolCalls[0].IsError)
	assert.Equal(t, "exit status 1", msgs[0].ToolCalls[0].Result)
}

func TestToolResultNestedBlockContent(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_1", "Read", map[string]any{"file_path": "/x"}),
		}),
		userBlockLine("u1", []any{map[string]any{
			"type":        "tool_result",
			"tool_use_id": "tu_1",
			"content": []any{
				textBlock("first"),
				textBlock("second"),
			},
		}}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first\nsecond", msgs[0].ToolCalls[0].Result)
}

func TestInterleavedPartsKeepOrder(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			textBlock("Let me check."),
			toolUseBlock("tu_1", "Glob", map[string]any{"pattern": "**/*.go"}),
			textBlock("Found them."),
		}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	parts := msgs[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "tool_call", parts[1].Type)
	assert.Equal(t, "text", parts[2].Type)
	assert.Equal(t, "Let me check.\nFound them.", msgs[0].Content)
}

func TestAssistantLinesMergedByAPIMessageID(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{textBlock("part one")}),
		assistantLine("a2", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_1", "Bash", map[string]any{"command": "ls"}),
		}),
		assistantLine("a3", "msg_02", "test-model-1", []any{textBlock("new turn")}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Len(t, msgs[0].Parts, 2)
	assert.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "part one", msgs[0].Content)
	assert.Equal(t, "new turn", msgs[1].Content)
}

func TestCommandCollapse(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "<command-name>/ideate</command-name>"),
		userLine("u2", "<command-args>Add settings</command-args>"),
		userLine("u3", "You are running the ideate workflow. The user wants: Add settings. Think hard and..."),
		assistantLine("a1", "msg_01", "test-model-1", []any{textBlock("On it.")}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	cmd := msgs[0]
	assert.Equal(t, TypeCommand, cmd.MessageType)
	assert.Equal(t, "/ideate Add settings", cmd.Content)
	assert.Equal(t, "/ideate", cmd.CommandName)
	assert.Equal(t, "Add settings", cmd.CommandArgs)
	assert.Equal(t, "u3", cmd.ID)
}

func TestCommandTagsOnOneLine(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "<command-name>/review</command-name>\n<command-message>review</command-message>\n<command-args>HEAD~3</command-args>"),
		userLine("u2", "Expanded review prompt body."),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/review HEAD~3", msgs[0].Content)
	assert.Equal(t, TypeCommand, msgs[0].MessageType)
}

func TestCommandWithoutExpansionStillEmitted(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "<command-name>/clear</command-name>"),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/clear", msgs[0].Content)
	assert.Equal(t, TypeCommand, msgs[0].MessageType)
}

func TestLocalCommandOutputDropped(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "<local-command-stdout>doctor ok</local-command-stdout>"),
		userLine("u2", "real question"),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "real question", msgs[0].Content)
}

func TestSystemReminderStripped(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "fix the bug<system-reminder>internal note</system-reminder> please"),
		userLine("u2", "<system-reminder>only a reminder</system-reminder>"),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fix the bug please", msgs[0].Content)
}

func TestNonConversationLinesSkipped(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		map[string]any{"type": "file-history-snapshot", "uuid": "x1"},
		map[string]any{"type": "progress", "uuid": "x2"},
		map[string]any{"type": "system", "uuid": "x3", "message": map[string]any{"role": "system", "content": "boot"}},
		map[string]any{"type": "summary", "summary": "Earlier work"},
		map[string]any{"type": "task-notification", "uuid": "x4"},
		map[string]any{"type": "queue-operation", "uuid": "x5"},
		userLine("u1", "only real line"),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "only real line", msgs[0].Content)
}

func TestMalformedLinesSkipped(t *testing.T) {
	r, root := newTestReader(t)
	path := writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "before"),
	)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestAskUserQuestionStructuredAnswers(t *testing.T) {
	r, root := newTestReader(t)
	input := map[string]any{
		"questions": []any{
			map[string]any{
				"question": "Favourite colour?",
				"header":   "Colour",
				"options":  []any{map[string]any{"label": "Blue"}, map[string]any{"label": "Green"}},
			},
			map[string]any{
				"question": "Deploy now?",
				"options":  []any{"Yes", "No"},
			},
		},
	}
	resultLine := userBlockLine("u1", []any{toolResultBlock("tu_q", "answered", false)})
	resultLine["toolUseResult"] = map[string]any{
		"answers": map[string]any{
			"Favourite colour?": "Blue",
			"Deploy now?":       "No",
		},
	}
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_q", "AskUserQuestion", input),
		}),
		resultLine,
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	call := msgs[0].ToolCalls[0]
	require.Len(t, call.Questions, 2)
	assert.Equal(t, "Favourite colour?", call.Questions[0].Question)
	assert.Equal(t, "Colour", call.Questions[0].Header)
	require.Len(t, call.Questions[1].Options, 2)
	assert.Equal(t, "Yes", call.Questions[1].Options[0].Label)

	require.NotNil(t, call.Answers)
	assert.Equal(t, "Blue", call.Answers["0"])
	assert.Equal(t, "No", call.Answers["1"])
}

func TestAskUserQuestionTextFallbackAnswers(t *testing.T) {
	r, root := newTestReader(t)
	input := map[string]any{
		"questions": []any{
			map[string]any{"question": "Favourite colour?"},
		},
	}
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_q", "AskUserQuestion", input),
		}),
		userBlockLine("u1", []any{toolResultBlock("tu_q", `User selected "Favourite colour?"="Blue"`, false)}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	call := msgs[0].ToolCalls[0]
	require.NotNil(t, call.Answers)
	assert.Equal(t, "Blue", call.Answers["0"])
}

func TestSkillCollapsesToCommand(t *testing.T) {
	r, root := newTestReader(t)
	resultLine := userBlockLine("u1", []any{toolResultBlock("tu_s", "skill expanded", false)})
	resultLine["toolUseResult"] = map[string]any{"commandName": "/brainstorm"}
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_s", "Skill", map[string]any{"args": "new caching layer"}),
		}),
		resultLine,
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, TypeCommand, m.MessageType)
	assert.Equal(t, "/brainstorm", m.CommandName)
	assert.Equal(t, "new caching layer", m.CommandArgs)
	assert.Equal(t, "/brainstorm new caching layer", m.Content)
}

func TestCompactionClassified(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "This session is being continued from a previous conversation that ran out of context."),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeCompaction, msgs[0].MessageType)
}

func TestMixedResultAndTextKeepsText(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		assistantLine("a1", "msg_01", "test-model-1", []any{
			toolUseBlock("tu_1", "Bash", map[string]any{"command": "ls"}),
		}),
		userBlockLine("u1", []any{
			toolResultBlock("tu_1", "a.txt", false),
			textBlock("also, rename it"),
		}),
	)

	msgs, err := r.ReadTranscript("sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a.txt", msgs[0].ToolCalls[0].Result)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "also, rename it", msgs[1].Content)
}

func TestListSessionsMetadata(t *testing.T) {
	r, root := newTestReader(t)

	older := writeSession(t, root, "-work-alpha", "sess-old",
		userLine("u1", "first prompt line\nsecond line ignored"),
		assistantLine("a1", "msg_01", "test-model-1", []any{textBlock("ok")}),
	)
	newerLines := []map[string]any{
		userLine("u1", "hello"),
		assistantLine("a1", "msg_01", "test-model-2", []any{textBlock("hi")}),
	}
	newerLines[1]["message"].(map[string]any)["usage"] = map[string]any{
		"input_tokens":                1200,
		"output_tokens":               50,
		"cache_read_input_tokens":     30000,
		"cache_creation_input_tokens": 800,
	}
	newer := writeSession(t, root, "-work-beta", "sess-new", newerLines...)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	metas, err := r.ListSessions()
	require.NoError(t, err)
	require.Len(t, metas, 2)

	assert.Equal(t, "sess-new", metas[0].ID)
	assert.Equal(t, "sess-old", metas[1].ID)

	m := metas[0]
	assert.Equal(t, "hello", m.Title)
	assert.Equal(t, "/work/proj", m.Cwd)
	assert.Equal(t, "default", m.PermissionMode)
	assert.Equal(t, "test-model-2", m.Model)
	assert.Equal(t, int64(32000), m.ContextTokens)
	assert.Equal(t, "2026-02-01T10:00:00Z", m.CreatedAt)

	assert.Equal(t, "first prompt line", metas[1].Title)
}

func TestListSessionsEmptyRoot(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "missing"), nil)
	metas, err := r.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestGetSessionSummaryTitleWins(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		map[string]any{"type": "summary", "summary": "Refactor storage layer"},
		userLine("u1", "carry on"),
	)

	meta, err := r.GetSession("sess1")
	require.NoError(t, err)
	assert.Equal(t, "Refactor storage layer", meta.Title)
}

func TestGetSessionCommandTitle(t *testing.T) {
	r, root := newTestReader(t)
	writeSession(t, root, "-work-proj", "sess1",
		userLine("u1", "<command-name>/review</command-name>\n<command-args>HEAD</command-args>"),
	)

	meta, err := r.GetSession("sess1")
	require.NoError(t, err)
	assert.Equal(t, "/review HEAD", meta.Title)
}

func TestGetSessionNotFound(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.GetSession("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGetSessionRejectsPathTraversal(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.GetSession("../etc/passwd")
	require.Error(t, err)
}

func TestTitleTruncation(t *testing.T) {
	long := strings.Repeat("x", 150)
	got := truncateTitle(long)
	assert.Equal(t, titleMaxRunes+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
