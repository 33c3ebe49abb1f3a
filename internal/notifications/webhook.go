package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/sirupsen/logrus"
)

const (
	defaultWebhookRetries = 3
	defaultRetryDelay     = 2 * time.Second
)

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Logger     *logrus.Logger
}

// Webhook POSTs each notification as JSON. Non-2xx responses are retried.
type Webhook struct {
	opts   WebhookOptions
	client *http.Client
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultWebhookRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Webhook{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

func (w *Webhook) Notify(ctx context.Context, n router.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.RetryDelay):
			}
		}

		lastErr = w.send(ctx, n, body)
		if lastErr == nil {
			w.opts.Logger.WithFields(logrus.Fields{
				"url":   w.opts.URL,
				"id":    n.ID,
				"route": n.Route,
			}).Debug("Webhook sent successfully")
			return nil
		}

		w.opts.Logger.WithFields(logrus.Fields{
			"url":     w.opts.URL,
			"id":      n.ID,
			"attempt": attempt + 1,
		}).WithError(lastErr).Warn("Webhook delivery failed")
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", w.opts.MaxRetries, lastErr)
}

func (w *Webhook) send(ctx context.Context, n router.Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ledgerd/1.0")
	req.Header.Set("X-Ledgerd-Route", n.Route)
	req.Header.Set("X-Ledgerd-Notification", n.ID)
	for key, value := range w.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
