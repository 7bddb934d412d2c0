// Package webhook delivers best-effort event notifications to a
// per-session configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wamax/wamax/internal/logging"
)

// Emitter POSTs event payloads with bounded retries. Delivery is at least
// attempted, never guaranteed, and never ordered across concurrent events.
type Emitter struct {
	client     *http.Client
	maxRetries int
	log        *logrus.Entry

	// Backoff returns the sleep before retry n (1-based). Overridable in
	// tests; defaults to attempt*1s.
	Backoff func(attempt int) time.Duration
}

func NewEmitter(timeout time.Duration, maxRetries int) *Emitter {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Emitter{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		log:        logging.NewLogger("webhook"),
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// Emit POSTs {event, ...payload, emittedAt} to url, retrying up to the
// configured maximum. Exhaustion logs a warning and returns the last
// error; callers must treat that as non-fatal.
func (e *Emitter) Emit(ctx context.Context, url, event string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	body["emittedAt"] = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	deliveryID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err := e.post(ctx, url, raw); err != nil {
			lastErr = err
			e.log.WithFields(logrus.Fields{
				"deliveryId": deliveryID,
				"event":      event,
				"url":        url,
				"attempt":    attempt,
				"err":        err.Error(),
			}).Warn("webhook delivery failed")
			if attempt < e.maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(e.Backoff(attempt)):
				}
			}
			continue
		}
		return nil
	}
	e.log.WithFields(logrus.Fields{
		"deliveryId": deliveryID,
		"event":      event,
		"url":        url,
	}).Warn("webhook retries exhausted; dropping event")
	return lastErr
}

func (e *Emitter) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
