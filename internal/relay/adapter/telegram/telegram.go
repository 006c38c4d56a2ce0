// Package telegram bridges Relay subjects to a Telegram bot. Inbound
// chat messages are republished on relay.adapter.telegram.<chatId>;
// outbound envelopes addressed under the adapter's prefix are sent to
// the chat named by the subject's trailing token.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/adapter"
	"github.com/dork/dork/internal/relay/envelope"
)

const (
	adapterID     = "telegram"
	defaultPrefix = "relay.adapter.telegram"
	stopTimeout   = 10 * time.Second
)

// Adapter drives a Telegram bot over long polling.
type Adapter struct {
	adapter.Stats

	token  string
	prefix string
	log    *logger.Logger

	// sendLimiter paces outbound sends below the Bot API's global cap.
	sendLimiter *rate.Limiter

	bot        *telego.Bot
	publisher  adapter.Publisher
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

type inboundPayload struct {
	Text      string `json:"text"`
	ChatID    string `json:"chatId"`
	Username  string `json:"username,omitempty"`
	MessageID int    `json:"messageId"`
}

// New creates the adapter from config. The bot connection is not
// established until Start.
func New(cfg config.TelegramConfig, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Adapter{
		token:       cfg.Token,
		prefix:      prefix,
		log:         log.WithFields(zap.String("component", "telegram-adapter")),
		sendLimiter: rate.NewLimiter(rate.Every(time.Second/25), 5),
	}
}

func (a *Adapter) ID() string            { return adapterID }
func (a *Adapter) DisplayName() string   { return "Telegram" }
func (a *Adapter) SubjectPrefix() string { return a.prefix }

// Start connects the bot and begins consuming updates. Polling runs on
// its own context so a short-lived registration context cannot tear it
// down.
func (a *Adapter) Start(_ context.Context, publisher adapter.Publisher) error {
	a.MarkConnecting()

	bot, err := telego.NewBot(a.token)
	if err != nil {
		a.MarkError(err)
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		a.MarkError(err)
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	a.bot = bot
	a.publisher = publisher
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	a.MarkConnected(time.Now())
	a.log.Info("telegram bot connected")

	go a.consumeUpdates(pollCtx, updates)
	return nil
}

func (a *Adapter) consumeUpdates(ctx context.Context, updates <-chan telego.Update) {
	defer close(a.pollDone)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				a.log.Info("telegram updates channel closed")
				return
			}
			if update.Message == nil {
				continue
			}
			a.handleInbound(ctx, update.Message)
		}
	}
}

func (a *Adapter) handleInbound(ctx context.Context, msg *telego.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	payload := inboundPayload{
		Text:      msg.Text,
		ChatID:    chatID,
		MessageID: msg.MessageID,
	}
	if msg.From != nil {
		payload.Username = msg.From.Username
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		a.RecordError(err)
		return
	}

	subj := a.prefix + "." + chatSubjectToken(chatID)
	if _, err := a.publisher.PublishInbound(ctx, subj, raw, a.prefix); err != nil {
		a.RecordError(err)
		a.log.WithError(err).Warn("failed to republish telegram message", zap.String("subject", subj))
		return
	}
	a.CountInbound()
}

// Deliver sends the envelope's text to the chat addressed by the
// subject's first token after the adapter prefix.
func (a *Adapter) Deliver(ctx context.Context, subj string, env envelope.Envelope) adapter.DeliverResult {
	started := time.Now()

	chatID, err := chatIDFromSubject(a.prefix, subj)
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

	if err := a.sendLimiter.Wait(ctx); err != nil {
		a.RecordError(err)
		return adapter.DeliverResult{DurationMs: time.Since(started).Milliseconds(), Error: err.Error()}
	}

	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		a.RecordError(err)
		return adapter.DeliverResult{DurationMs: time.Since(started).Milliseconds(), Error: err.Error()}
	}

	a.CountOutbound()
	return adapter.DeliverResult{Success: true, DurationMs: time.Since(started).Milliseconds()}
}

// Stop cancels polling and waits for the update loop to drain so
// Telegram releases the getUpdates lock before any replacement starts.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(stopTimeout):
			a.log.Warn("telegram polling loop did not exit within timeout")
		}
	}
	a.MarkDisconnected()
	a.log.Info("telegram bot stopped")
	return nil
}

// Status returns a copy of the adapter's counters.
func (a *Adapter) Status() adapter.Status { return a.Snapshot() }

// chatSubjectToken renders a chat id as a subject token. Negative
// group-chat ids carry a leading minus, which the subject grammar does
// not admit, so it is folded into an "n" prefix.
func chatSubjectToken(chatID string) string {
	return strings.ReplaceAll(chatID, "-", "n")
}

// chatIDFromSubject recovers the numeric chat id from the first token
// after the adapter prefix.
func chatIDFromSubject(prefix, subj string) (int64, error) {
	rest := strings.TrimPrefix(subj, prefix+".")
	if rest == subj || rest == "" {
		return 0, fmt.Errorf("subject %q carries no chat id", subj)
	}
	token := rest
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		token = rest[:i]
	}
	if strings.HasPrefix(token, "n") {
		token = "-" + token[1:]
	}
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject token %q is not a chat id", token)
	}
	return id, nil
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
