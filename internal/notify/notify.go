// Package notify delivers transfer outcome events to a configured webhook
// endpoint. Payloads are HMAC-signed so the receiver can verify origin.
package notify

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

	"github.com/sendguard/sendguard/internal/idgen"
	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/retry"
)

// EventType classifies an outbound notification.
type EventType string

const (
	EventTransferSubmitted  EventType = "transfer.submitted"
	EventTransferBlocked    EventType = "transfer.blocked"
	EventTransferFailed     EventType = "transfer.failed"
	EventAddressProvisioned EventType = "address.provisioned"
)

// Event is the webhook payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher posts events to the configured endpoint. A zero-value URL
// disables delivery; emit calls become no-ops.
type Dispatcher struct {
	url         string
	secret      string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dispatcher) { d.client = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher for the endpoint. secret signs
// payloads; empty secret sends unsigned events.
func NewDispatcher(url, secret string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:      slog.Default(),
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enabled reports whether an endpoint is configured.
func (d *Dispatcher) Enabled() bool { return d.url != "" }

// Emit posts the event. Delivery is fire-and-forget from the caller's view:
// failures are counted and logged, never returned, so a dead endpoint can
// not stall a transfer.
func (d *Dispatcher) Emit(ctx context.Context, typ EventType, data map[string]any) {
	if !d.Enabled() {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
	go d.send(context.WithoutCancel(ctx), event)
}

func (d *Dispatcher) send(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.fail(event, fmt.Sprintf("marshal: %v", err))
		return
	}

	// Transient failures are retried with backoff; 4xx responses are not.
	err = retry.Do(ctx, d.maxAttempts, d.retryDelay, func() error {
		return d.attempt(ctx, event, payload)
	})
	if err != nil {
		d.fail(event, err.Error())
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) attempt(ctx context.Context, event *Event, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sendguard-Event", string(event.Type))
	req.Header.Set("X-Sendguard-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if d.secret != "" {
		req.Header.Set("X-Sendguard-Signature", Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) fail(event *Event, reason string) {
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	d.logger.Warn("webhook delivery failed", "event", event.Type, "id", event.ID, "reason", reason)
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it to verify the X-Sendguard-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
