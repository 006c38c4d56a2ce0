package discord

import "testing"

func TestChannelIDFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{"relay.adapter.discord.1234567890", "1234567890", false},
		{"relay.adapter.discord.1234567890.thread", "1234567890", false},
		{"relay.adapter.discord", "", true},
		{"relay.agent.core.alpha", "", true},
	}
	for _, tt := range tests {
		got, err := channelIDFromSubject("relay.adapter.discord", tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("channelIDFromSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("channelIDFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestSplitChunks(t *testing.T) {
	long := make([]byte, 0, 4000)
	for i := 0; i < 2; i++ {
		for j := 0; j < 1990; j++ {
			long = append(long, 'a')
		}
		long = append(long, '\n')
	}

	chunks := splitChunks(string(long))
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxMessageLen {
			t.Errorf("chunk %d exceeds cap: %d", i, len(c))
		}
	}

	if got := splitChunks("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("splitChunks(short) = %v", got)
	}
}
