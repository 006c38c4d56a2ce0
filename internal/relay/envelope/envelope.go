// Package envelope defines the immutable message record flowing through
// the Relay and the monotonic id scheme used to order it.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// TimeFormat is ISO-8601 with millisecond precision, the canonical wire
// representation of createdAt.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Budget bounds how far an envelope may travel.
type Budget struct {
	// HopCount is the length of AncestorChain.
	HopCount int `json:"hopCount"`
	// MaxHops caps HopCount; an envelope that reaches it is dead-lettered.
	MaxHops int `json:"maxHops"`
	// AncestorChain is the ordered list of sender subjects along the path.
	AncestorChain []string `json:"ancestorChain"`
	// TTL is an absolute wall-clock expiry in milliseconds since the epoch.
	TTL int64 `json:"ttl"`
	// CallBudgetRemaining is decremented once per forwarding step.
	CallBudgetRemaining int `json:"callBudgetRemaining"`
}

// Envelope is a value type: forwarding never mutates, it derives.
type Envelope struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
	Budget    Budget          `json:"budget"`
}

// NewID mints a lexicographically sortable 26-character id, monotonic
// within the process.
func NewID() string {
	return ulid.Make().String()
}

// FormatTime renders a timestamp in the canonical wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// New mints an envelope with a fresh id and the current timestamp.
func New(subj, from, replyTo string, payload json.RawMessage, budget Budget) Envelope {
	if budget.AncestorChain == nil {
		budget.AncestorChain = []string{}
	}
	return Envelope{
		ID:        NewID(),
		Subject:   subj,
		From:      from,
		ReplyTo:   replyTo,
		CreatedAt: FormatTime(time.Now()),
		Payload:   payload,
		Budget:    budget,
	}
}

// Descendant derives a forwarded envelope: fresh id and timestamp, the
// parent's sender appended to the ancestor chain, hop count grown to the
// chain's new length, and one call consumed from the budget.
func (e Envelope) Descendant(subj, from string, payload json.RawMessage) Envelope {
	chain := make([]string, 0, len(e.Budget.AncestorChain)+1)
	chain = append(chain, e.Budget.AncestorChain...)
	chain = append(chain, e.From)

	return Envelope{
		ID:        NewID(),
		Subject:   subj,
		From:      from,
		ReplyTo:   e.ReplyTo,
		CreatedAt: FormatTime(time.Now()),
		Payload:   payload,
		Budget: Budget{
			HopCount:            len(chain),
			MaxHops:             e.Budget.MaxHops,
			AncestorChain:       chain,
			TTL:                 e.Budget.TTL,
			CallBudgetRemaining: e.Budget.CallBudgetRemaining - 1,
		},
	}
}

// Expired reports whether the envelope's TTL has passed at the given time.
func (e Envelope) Expired(now time.Time) bool {
	return e.Budget.TTL > 0 && e.Budget.TTL < now.UnixMilli()
}

// ExpiresAt renders the TTL as the canonical wire timestamp, or "" when
// the envelope carries no expiry.
func (e Envelope) ExpiresAt() string {
	if e.Budget.TTL <= 0 {
		return ""
	}
	return FormatTime(time.UnixMilli(e.Budget.TTL))
}
