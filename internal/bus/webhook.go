package bus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ── Webhook Sink ─────────────────────────────────────────────

// WebhookSink posts events as JSON to every configured URL with optional
// HMAC-SHA256 signing. OnEvent only enqueues; Run does the delivery.
type WebhookSink struct {
	urls       []string
	secret     string
	events     map[models.EventType]bool
	client     *http.Client
	queue      chan models.Event
	retryDelay time.Duration
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithEvents limits delivery to the given event types. Empty means all.
func WithEvents(types ...models.EventType) WebhookOption {
	return func(s *WebhookSink) {
		for _, t := range types {
			s.events[t] = true
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithRetryDelay sets the base delay between delivery attempts.
func WithRetryDelay(d time.Duration) WebhookOption {
	return func(s *WebhookSink) { s.retryDelay = d }
}

// NewWebhookSink creates a sink for urls signed with secret.
func NewWebhookSink(urls []string, secret string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		urls:       urls,
		secret:     secret,
		events:     make(map[models.EventType]bool),
		client:     &http.Client{Timeout: 15 * time.Second},
		queue:      make(chan models.Event, 256),
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent implements contracts.Listener.
func (s *WebhookSink) OnEvent(ev models.Event) {
	if len(s.events) > 0 && !s.events[ev.Type] {
		return
	}
	select {
	case s.queue <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("Webhook queue full, dropping event")
	}
}

// Run delivers queued events until ctx is done.
func (s *WebhookSink) Run(ctx context.Context) error {
	log.Info().Int("urls", len(s.urls)).Msg("🪝 Webhook sink started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue:
			if err := s.Send(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Webhook delivery failed")
			}
		}
	}
}

// Send posts ev to every URL concurrently.
func (s *WebhookSink) Send(ctx context.Context, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, url := range s.urls {
		url := url
		g.Go(func() error {
			return s.post(ctx, url, ev.Type, body)
		})
	}
	return g.Wait()
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post sends with up to 3 attempts and linear backoff.
func (s *WebhookSink) post(ctx context.Context, url string, eventType models.EventType, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Halbridge-Webhook/1.0")
		req.Header.Set("X-Halbridge-Event", string(eventType))
		if s.secret != "" {
			req.Header.Set("X-Halbridge-Signature", Sign(s.secret, body))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
