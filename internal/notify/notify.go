// Package notify delivers event webhooks to external HTTP consumers.
// A configured broadcast URL receives call and SMS lifecycle events;
// Post targets ad-hoc URLs such as a message's own status webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	postTimeout = 5 * time.Second

	// queueSize bounds pending broadcast deliveries. A dead endpoint
	// costs at most queueSize stalled events, never caller goroutines.
	queueSize = 256

	// maxResponseBody is read and discarded so connections can be
	// reused; webhook responses carry no meaning here.
	maxResponseBody = 4 << 10
)

type delivery struct {
	event   string
	payload map[string]any
}

// Notifier posts JSON event payloads over HTTP. Payloads are signed
// with HMAC-SHA256 when a secret is configured, carried in the
// X-Webhook-Signature header for the consumer to verify.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger

	queue chan delivery

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a notifier. url may be empty, which disables broadcast
// notifications while leaving Post usable for per-message webhooks.
func New(url, secret string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: postTimeout},
		logger: logger.With("subsystem", "notify"),
		queue:  make(chan delivery, queueSize),
	}
}

// Configured reports whether a broadcast URL is set.
func (n *Notifier) Configured() bool { return n.url != "" }

// Run delivers queued events until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-n.queue:
			ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
			err := n.post(ctx, n.url, d.event, d.payload)
			cancel()
			if err != nil {
				n.failed.Add(1)
				n.logger.Warn("event webhook failed", "event", d.event, "error", err)
				continue
			}
			n.delivered.Add(1)
		}
	}
}

// Notify queues one named event for the configured URL. Delivery is
// best effort: event handlers must never block the call path, so a
// full queue drops the event and counts it.
func (n *Notifier) Notify(event string, data map[string]any) {
	if n.url == "" {
		return
	}
	d := delivery{
		event: event,
		payload: map[string]any{
			"event":     event,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      data,
		},
	}
	select {
	case n.queue <- d:
	default:
		n.dropped.Add(1)
		n.logger.Warn("event webhook queue full, dropping", "event", event)
	}
}

// Post sends one payload to an explicit URL and reports the outcome.
// It implements the SMS plane's per-message webhook delivery.
func (n *Notifier) Post(ctx context.Context, url string, payload any) error {
	return n.post(ctx, url, "sms_status", payload)
}

// Stats returns delivered, failed, and dropped broadcast counts.
func (n *Notifier) Stats() (delivered, failed, dropped uint64) {
	return n.delivered.Load(), n.failed.Load(), n.dropped.Load()
}

func (n *Notifier) post(ctx context.Context, url, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event)
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
