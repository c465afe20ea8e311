// Package webhook delivers signed workflow alerts to external endpoints,
// such as a ward paging bridge or the records office chat.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the JSON body POSTed to every endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Endpoint is a delivery target. Secret signs the body when set.
type Endpoint struct {
	URL    string
	Secret string
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiver-side check for SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; one attempt is made per
// delay plus the first.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

type Notifier struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewNotifier(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	n := &Notifier{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		logger:      logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

// Notify sends one event to every endpoint. Failed endpoints are reported
// together; a failure on one does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, eventType string, resourceID uuid.UUID, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ResourceID: resourceID.String(),
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	var errs []error
	for _, ep := range n.endpoints {
		if err := n.deliver(ctx, ep, ev, body); err != nil {
			n.logger.Warn().Err(err).Str("url", ep.URL).Str("event_type", eventType).Msg("webhook delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// permanentError marks a response that retrying will not fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, ev Event, body []byte) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = n.post(ctx, ep, ev, body)
		var perm permanentError
		if err == nil || errors.As(err, &perm) || attempt >= len(n.retryDelays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelays[attempt]):
		}
	}
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, ev Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, ep.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: status %d", ep.URL, resp.StatusCode)
	default:
		return permanentError{fmt.Errorf("webhook %s: status %d", ep.URL, resp.StatusCode)}
	}
}
