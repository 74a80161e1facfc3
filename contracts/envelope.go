package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is applied to envelopes that do not specify a
// retry budget of their own.
const DefaultMaxRetries = 3

// Envelope wraps a payload for transport. The queue owns an envelope
// until a consumer claims it; ownership then transfers to the consumer
// for the duration of its lock and ends in completion, redelivery, or
// the dead-letter set.
type Envelope struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	SessionKey    string     `json:"sessionKey,omitempty"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	CreatedAt     time.Time  `json:"createdAt"`
	ScheduledFor  *time.Time `json:"scheduledFor,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`

	Payload Payload `json:"-"`
}

type envelopeWire struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	SessionKey    string          `json:"sessionKey,omitempty"`
	Priority      int             `json:"priority"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	CreatedAt     time.Time       `json:"createdAt"`
	ScheduledFor  *time.Time      `json:"scheduledFor,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope creates an envelope around a payload with a generated
// ID, the payload's type tag, and the current UTC timestamp.
func NewEnvelope(payload Payload) (*Envelope, error) {
	if payload == nil {
		return nil, ErrEmptyPayload
	}
	if _, ok := payload.(UnknownPayload); ok {
		return nil, fmt.Errorf("cannot enqueue an unknown payload type: %s", payload.PayloadType())
	}

	return &Envelope{
		ID:         uuid.New().String(),
		Type:       payload.PayloadType(),
		Priority:   5,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
		Payload:    payload,
	}, nil
}

// MarshalJSON serializes the envelope with the payload inlined under
// the "payload" key.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return json.Marshal(envelopeWire{
		ID:            e.ID,
		Type:          e.Type,
		SessionKey:    e.SessionKey,
		Priority:      e.Priority,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		CreatedAt:     e.CreatedAt,
		ScheduledFor:  e.ScheduledFor,
		CorrelationID: e.CorrelationID,
		Payload:       raw,
	})
}

// UnmarshalJSON decodes the envelope and resolves the payload through
// the registered decoders. Unregistered type tags yield an
// UnknownPayload, never an error.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}

	e.ID = wire.ID
	e.Type = wire.Type
	e.SessionKey = wire.SessionKey
	e.Priority = wire.Priority
	e.RetryCount = wire.RetryCount
	e.MaxRetries = wire.MaxRetries
	e.CreatedAt = wire.CreatedAt
	e.ScheduledFor = wire.ScheduledFor
	e.CorrelationID = wire.CorrelationID
	e.Payload = payload
	return nil
}

// RetriesExhausted reports whether the envelope has consumed its full
// redelivery budget. A further failure moves it to the dead-letter set.
func (e *Envelope) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
