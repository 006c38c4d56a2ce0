// Package discord bridges Relay subjects to a Discord bot over the
// gateway. Inbound messages are republished on
// relay.adapter.discord.<channelId>; outbound envelopes are sent to the
// channel named by the subject's trailing token.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/adapter"
	"github.com/dork/dork/internal/relay/envelope"
)

const (
	adapterID     = "discord"
	defaultPrefix = "relay.adapter.discord"

	// maxMessageLen is Discord's hard cap per message.
	maxMessageLen = 2000
)

// Adapter drives a Discord bot session.
type Adapter struct {
	adapter.Stats

	token  string
	prefix string
	log    *logger.Logger

	session   *discordgo.Session
	publisher adapter.Publisher
	botUserID string
}

type inboundPayload struct {
	Text      string `json:"text"`
	ChannelID string `json:"channelId"`
	GuildID   string `json:"guildId,omitempty"`
	Username  string `json:"username,omitempty"`
	MessageID string `json:"messageId"`
}

// New creates the adapter from config. The gateway connection is not
// opened until Start.
func New(cfg config.DiscordConfig, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Adapter{
		token:  cfg.Token,
		prefix: prefix,
		log:    log.WithFields(zap.String("component", "discord-adapter")),
	}
}

func (a *Adapter) ID() string            { return adapterID }
func (a *Adapter) DisplayName() string   { return "Discord" }
func (a *Adapter) SubjectPrefix() string { return a.prefix }

// Start opens the gateway session and begins receiving events.
func (a *Adapter) Start(_ context.Context, publisher adapter.Publisher) error {
	a.MarkConnecting()

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.MarkError(err)
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a.publisher = publisher
	session.AddHandler(a.handleMessage)

	if err := session.Open(); err != nil {
		a.MarkError(err)
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		_ = session.Close()
		a.MarkError(err)
		return fmt.Errorf("failed to fetch discord bot identity: %w", err)
	}

	a.session = session
	a.botUserID = user.ID
	a.MarkConnected(time.Now())
	a.log.Info("discord bot connected", zap.String("username", user.Username))
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(_ context.Context) error {
	var err error
	if a.session != nil {
		err = a.session.Close()
	}
	a.MarkDisconnected()
	a.log.Info("discord bot stopped")
	return err
}

// Status returns a copy of the adapter's counters.
func (a *Adapter) Status() adapter.Status { return a.Snapshot() }

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	payload := inboundPayload{
		Text:      m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Username:  m.Author.Username,
		MessageID: m.ID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		a.RecordError(err)
		return
	}

	subj := a.prefix + "." + m.ChannelID
	if _, err := a.publisher.PublishInbound(context.Background(), subj, raw, a.prefix); err != nil {
		a.RecordError(err)
		a.log.WithError(err).Warn("failed to republish discord message", zap.String("subject", subj))
		return
	}
	a.CountInbound()
}

// Deliver sends the envelope's text to the channel addressed by the
// subject's first token after the adapter prefix, chunking at Discord's
// message size cap.
func (a *Adapter) Deliver(_ context.Context, subj string, env envelope.Envelope) adapter.DeliverResult {
	started := time.Now()

	channelID, err := channelIDFromSubject(a.prefix, subj)
	if err != nil {
		a.RecordError(err)
		return adapter.DeliverResult{
			DurationMs:   time.Since(started).Milliseconds(),
			Error:        err.Error(),
			DeadLettered: true,
		}
	}

	text := extractText(env.Payload)
	if text == "" {
		return adapter.DeliverResult{
			DurationMs:   time.Since(started).Milliseconds(),
			Error:        "empty payload",
			DeadLettered: true,
		}
	}

	if err := a.sendChunked(channelID, text); err != nil {
		a.RecordError(err)
		return adapter.DeliverResult{DurationMs: time.Since(started).Milliseconds(), Error: err.Error()}
	}

	a.CountOutbound()
	return adapter.DeliverResult{Success: true, DurationMs: time.Since(started).Milliseconds()}
}

func (a *Adapter) sendChunked(channelID, content string) error {
	for _, chunk := range splitChunks(content) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
	}
	return nil
}

// splitChunks breaks content at the message size cap, preferring a
// newline when one falls in the second half of the chunk.
func splitChunks(content string) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// channelIDFromSubject recovers the channel id from the first token
// after the adapter prefix. Discord snowflakes are plain digit strings,
// already valid subject tokens.
func channelIDFromSubject(prefix, subj string) (string, error) {
	rest := strings.TrimPrefix(subj, prefix+".")
	if rest == subj || rest == "" {
		return "", fmt.Errorf("subject %q carries no channel id", subj)
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return rest, nil
}

// extractText pulls the outbound message text from a payload. A
// {"text": ...} object wins; any other payload is rendered as JSON.
func extractText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
