package contracts

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is the content carried by an Envelope. Each known message
// kind is its own concrete type; anything that fails to decode into a
// registered type surfaces as UnknownPayload, which consumers must
// acknowledge without processing.
type Payload interface {
	PayloadType() string
}

// Payload type tags as they appear on the wire.
const (
	PayloadOrderedWrite       = "ordered-write"
	PayloadWebhookDelivery    = "webhook"
	PayloadEmailNotification  = "email"
	PayloadSMSNotification    = "sms"
	PayloadDocumentProcessing = "document-processing"
)

// OrderedWrite is a tenant record mutation that must be applied in
// enqueue order relative to other writes for the same tenant.
type OrderedWrite struct {
	TenantID   string          `json:"tenantId"`
	RecordType string          `json:"recordType"`
	RecordID   string          `json:"recordId,omitempty"`
	Operation  string          `json:"operation"`
	Body       json.RawMessage `json:"body"`
}

func (OrderedWrite) PayloadType() string { return PayloadOrderedWrite }

// WebhookDelivery instructs a consumer to deliver a signed
// notification to a subscriber endpoint.
type WebhookDelivery struct {
	TenantID string          `json:"tenantId"`
	URL      string          `json:"url"`
	Secret   string          `json:"secret"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

func (WebhookDelivery) PayloadType() string { return PayloadWebhookDelivery }

// EmailNotification is an outbound email request.
type EmailNotification struct {
	TenantID string `json:"tenantId"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Template string `json:"template"`
	Body     string `json:"body,omitempty"`
}

func (EmailNotification) PayloadType() string { return PayloadEmailNotification }

// SMSNotification is an outbound SMS request.
type SMSNotification struct {
	TenantID string `json:"tenantId"`
	To       string `json:"to"`
	Body     string `json:"body"`
}

func (SMSNotification) PayloadType() string { return PayloadSMSNotification }

// DocumentProcessing asks a consumer to run OCR/indexing over an
// uploaded document blob.
type DocumentProcessing struct {
	TenantID   string `json:"tenantId"`
	DocumentID string `json:"documentId"`
	BlobPath   string `json:"blobPath"`
	Operation  string `json:"operation"`
}

func (DocumentProcessing) PayloadType() string { return PayloadDocumentProcessing }

// UnknownPayload preserves the raw body of a message whose type tag
// has no registered decoder. It is never routable.
type UnknownPayload struct {
	Type string
	Raw  json.RawMessage
}

func (u UnknownPayload) PayloadType() string { return u.Type }

var (
	payloadMu       sync.RWMutex
	payloadDecoders = map[string]func() Payload{
		PayloadOrderedWrite:       func() Payload { return &OrderedWrite{} },
		PayloadWebhookDelivery:    func() Payload { return &WebhookDelivery{} },
		PayloadEmailNotification:  func() Payload { return &EmailNotification{} },
		PayloadSMSNotification:    func() Payload { return &SMSNotification{} },
		PayloadDocumentProcessing: func() Payload { return &DocumentProcessing{} },
	}
)

// RegisterPayload registers a decoder for a custom payload type.
func RegisterPayload(payloadType string, factory func() Payload) error {
	if payloadType == "" {
		return fmt.Errorf("payload type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("payload factory cannot be nil")
	}

	payloadMu.Lock()
	defer payloadMu.Unlock()

	if _, exists := payloadDecoders[payloadType]; exists {
		return fmt.Errorf("payload type already registered: %s", payloadType)
	}
	payloadDecoders[payloadType] = factory
	return nil
}

// DecodePayload decodes raw JSON into the concrete payload for the
// given type tag. Unregistered tags decode to UnknownPayload rather
// than an error so that consumers can acknowledge them.
func DecodePayload(payloadType string, raw json.RawMessage) (Payload, error) {
	payloadMu.RLock()
	factory, ok := payloadDecoders[payloadType]
	payloadMu.RUnlock()

	if !ok {
		return UnknownPayload{Type: payloadType, Raw: raw}, nil
	}

	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", payloadType, err)
	}
	return p, nil
}
