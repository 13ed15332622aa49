// Package eventlog is the append-only audit trail of session transitions.
//
// A Composite fans each event out to several sinks: a bounded in-memory Ring
// for debugging and a durable mirror. One sink failing never prevents the
// others from receiving the event.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Type identifies the kind of a logged event.
type Type string

const (
	TypeSessionCreated   Type = "session.created"
	TypeSessionHydrated  Type = "session.hydrated"
	TypeScenarioSelected Type = "session.scenario_selected"
	TypeSessionEvicted   Type = "session.evicted"
	TypeIntentApplied    Type = "intent.applied"
	TypeIntentRejected   Type = "intent.rejected"
	TypePolicyRejected   Type = "policy.rejected"
	TypeBudgetThrottled  Type = "budget.throttled"
	TypeBudgetFallback   Type = "budget.fallback"
	TypeAIControl        Type = "ai.control"
	TypeAIReply          Type = "ai.reply"
	TypeTranscript       Type = "ai.transcript"
	TypePersistFailed    Type = "persistence.failed"
	TypeHydrationWarning Type = "hydration.warning"
)

// Event is one audit record.
type Event struct {
	SessionID     string          `json:"sessionId"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Validate checks the required fields.
func (e Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("event session id is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("event type is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return errors.New("event payload must be valid json")
	}
	return nil
}

// NewEvent builds an event, marshaling payload to JSON. A payload that
// cannot be marshaled is recorded as an error string rather than dropped.
func NewEvent(sessionID string, typ Type, payload any, correlationID string, at time.Time) Event {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			encoded, _ = json.Marshal(map[string]string{"marshalError": err.Error()})
		}
		raw = encoded
	}
	return Event{
		SessionID:     sessionID,
		Type:          typ,
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     at.UTC(),
	}
}

// Sink receives appended events.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

// Append calls f.
func (f SinkFunc) Append(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Composite fans out to named sinks with isolated failures.
type Composite struct {
	sinks []namedSink
	clock func() time.Time
	logf  func(format string, args ...any)
}

type namedSink struct {
	name string
	sink Sink
}

// CompositeOption configures a Composite.
type CompositeOption func(*Composite)

// WithSink adds a named sink.
func WithSink(name string, sink Sink) CompositeOption {
	return func(c *Composite) {
		if sink != nil {
			c.sinks = append(c.sinks, namedSink{name: name, sink: sink})
		}
	}
}

// WithClock overrides the timestamp source for events appended without one.
func WithClock(clock func() time.Time) CompositeOption {
	return func(c *Composite) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogf overrides the failure logger.
func WithLogf(logf func(format string, args ...any)) CompositeOption {
	return func(c *Composite) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// NewComposite creates a fan-out logger.
func NewComposite(opts ...CompositeOption) *Composite {
	c := &Composite{clock: time.Now, logf: log.Printf}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Append validates evt and delivers it to every sink. It returns the joined
// sink failures; each failure is also logged. A panicking sink is treated as
// a failed sink.
func (c *Composite) Append(ctx context.Context, evt Event) error {
	if c == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = c.clock().UTC()
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, s := range c.sinks {
		if err := appendIsolated(ctx, s.sink, evt); err != nil {
			c.logf("event log sink failed sink=%s session_id=%s type=%s err=%v", s.name, evt.SessionID, evt.Type, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func appendIsolated(ctx context.Context, sink Sink, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Append(ctx, evt)
}
