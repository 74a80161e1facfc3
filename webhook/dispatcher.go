package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout is the hard ceiling on one delivery attempt,
// connection and response included.
const DefaultTimeout = 10 * time.Second

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Dispatcher delivers signed event notifications to subscriber
// endpoints. A dispatch is one attempt: non-2xx and timeouts are
// errors, and escalation is the caller's job through the queue's
// redelivery budget, never the dispatcher's.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithTimeout overrides the per-delivery ceiling.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Deliver POSTs the JSON-encoded payload to url, signed with the
// subscriber's secret.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload interface{}, secret string) error {
	if url == "" {
		return fmt.Errorf("webhook url cannot be empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Matterline-Webhook/1.0")
	req.Header.Set(SignatureHeader, Sign(secret, body))

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint %s returned status %d", url, resp.StatusCode)
	}

	d.logger.Debug("webhook delivered",
		"url", url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers
// recompute it to authenticate the delivery.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
