// Package notify delivers alerts about newly discovered subdomains.
package notify

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/anstrom/subwatch/internal/notify Notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/errors"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/store"
)

const maxErrorBodyBytes = 512

// Alert is one notification about a target's new subdomains.
type Alert struct {
	Target        *store.Target
	NewSubdomains []string
}

// Notifier sends alerts. Failures are *errors.NotifyError.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// New returns a webhook notifier, or a log-only notifier when no webhook
// URL is configured.
func New(cfg config.NotifyConfig, logger *logging.Logger) Notifier {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return NewLogNotifier(logger)
	}
	return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout)
}

// FormatMessage renders the alert text: a count header followed by one
// URL per line.
func FormatMessage(urls []string) string {
	msg := header(len(urls))
	if len(urls) > 0 {
		msg += "\n" + strings.Join(urls, "\n")
	}
	return msg
}

func header(n int) string {
	return fmt.Sprintf("Found %d new subdomains", n)
}

type webhookPayload struct {
	Content string `json:"content"`
}

// WebhookNotifier posts alerts to a chat webhook (Discord compatible).
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier. Only 200 and 204 count as delivered.
func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{Content: FormatMessage(alert.NewSubdomains)})
	if err != nil {
		return errors.NewTransportError("failed to encode alert", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.NewTransportError("failed to create webhook request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.NewTransportError("webhook unreachable", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return errors.NewTransportError(
		fmt.Sprintf("webhook rejected alert: %s", strings.TrimSpace(string(text))),
		resp.StatusCode, nil)
}

// LogNotifier writes alerts to the log instead of delivering them.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger.WithComponent("notify")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []any{"count", len(alert.NewSubdomains), "subdomains", alert.NewSubdomains}
	if alert.Target != nil {
		fields = append(fields, "target_id", alert.Target.ID.String(), "target", alert.Target.Name)
	}
	l.logger.Info(header(len(alert.NewSubdomains)), fields...)
	return nil
}
