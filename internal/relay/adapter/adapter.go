// Package adapter hosts external channel drivers (chat bots, webhooks)
// that bridge Relay subjects to out-of-process services. Adapters own
// every subject under their prefix and are hot-reloadable at runtime.
package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dork/dork/internal/relay/envelope"
)

// Adapter connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
)

// Publisher feeds inbound channel traffic back into the Relay.
// Implemented by the Relay core; adapters hold it for the lifetime of
// their Start/Stop window.
type Publisher interface {
	PublishInbound(ctx context.Context, subject string, payload json.RawMessage, from string) (string, error)
}

// MessageCount tracks traffic through an adapter in both directions.
type MessageCount struct {
	Inbound  int64 `json:"inbound"`
	Outbound int64 `json:"outbound"`
}

// Status is a point-in-time snapshot of an adapter. Callers receive a
// copy and may not reach internal state through it.
type Status struct {
	State        string       `json:"state"`
	MessageCount MessageCount `json:"messageCount"`
	ErrorCount   int64        `json:"errorCount"`
	StartedAt    string       `json:"startedAt,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
}

// DeliverResult reports the outcome of one outbound delivery.
type DeliverResult struct {
	Success      bool   `json:"success"`
	DurationMs   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`
	DeadLettered bool   `json:"deadLettered,omitempty"`
}

// Adapter is an external channel driver. Implementations must be safe
// for concurrent use: Deliver may be called while Start is still
// draining its connection setup.
type Adapter interface {
	// ID is the instance name, unique within the registry.
	ID() string

	// DisplayName is a human-readable label for status surfaces.
	DisplayName() string

	// SubjectPrefix is the dot-bounded subject prefix this adapter owns.
	SubjectPrefix() string

	// Start connects the adapter to its channel. Inbound traffic is
	// republished through the given publisher. Non-blocking after setup.
	Start(ctx context.Context, publisher Publisher) error

	// Stop disconnects the adapter and releases its resources.
	Stop(ctx context.Context) error

	// Deliver pushes one envelope out to the adapter's channel.
	Deliver(ctx context.Context, subject string, env envelope.Envelope) DeliverResult

	// Status returns a copy of the adapter's current state.
	Status() Status
}

// Stats tracks adapter state and counters. Adapter implementations
// embed it and report through Snapshot.
type Stats struct {
	mu         sync.Mutex
	state      string
	inbound    int64
	outbound   int64
	errorCount int64
	startedAt  string
	lastError  string
}

// MarkConnecting moves the adapter into the connecting state.
func (s *Stats) MarkConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnecting
}

// MarkConnected records a successful connection.
func (s *Stats) MarkConnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.startedAt = envelope.FormatTime(now)
}

// MarkDisconnected records a clean shutdown.
func (s *Stats) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
}

// MarkError records a fatal adapter error.
func (s *Stats) MarkError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.errorCount++
	if err != nil {
		s.lastError = err.Error()
	}
}

// CountInbound increments the inbound message counter.
func (s *Stats) CountInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound++
}

// CountOutbound increments the outbound message counter.
func (s *Stats) CountOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound++
}

// RecordError counts a non-fatal delivery error.
func (s *Stats) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	if err != nil {
		s.lastError = err.Error()
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	if state == "" {
		state = StateDisconnected
	}
	return Status{
		State:        state,
		MessageCount: MessageCount{Inbound: s.inbound, Outbound: s.outbound},
		ErrorCount:   s.errorCount,
		StartedAt:    s.startedAt,
		LastError:    s.lastError,
	}
}
