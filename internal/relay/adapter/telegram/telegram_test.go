package telegram

import (
	"encoding/json"
	"testing"
)

func TestChatIDFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    int64
		wantErr bool
	}{
		{"relay.adapter.telegram.12345", 12345, false},
		{"relay.adapter.telegram.n100200", -100200, false},
		{"relay.adapter.telegram.12345.extra", 12345, false},
		{"relay.adapter.telegram", 0, true},
		{"relay.adapter.telegram.notanumber", 0, true},
		{"relay.agent.core.alpha", 0, true},
	}
	for _, tt := range tests {
		got, err := chatIDFromSubject("relay.adapter.telegram", tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("chatIDFromSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("chatIDFromSubject(%q) = %d, want %d", tt.subject, got, tt.want)
		}
	}
}

func TestChatSubjectTokenRoundTrip(t *testing.T) {
	for _, id := range []string{"42", "-1001234567890"} {
		token := chatSubjectToken(id)
		got, err := chatIDFromSubject("relay.adapter.telegram", "relay.adapter.telegram."+token)
		if err != nil {
			t.Fatalf("round trip %q: %v", id, err)
		}
		if got != mustParseInt(t, id) {
			t.Errorf("round trip %q = %d", id, got)
		}
	}
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	var v int64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"object with text", `{"text":"hello"}`, "hello"},
		{"bare string", `"just a string"`, "just a string"},
		{"other object", `{"foo":1}`, `{"foo":1}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(json.RawMessage(tt.payload)); got != tt.want {
				t.Errorf("extractText(%s) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}
