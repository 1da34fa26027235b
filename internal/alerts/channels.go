package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Channel is the interface for alert delivery backends.
type Channel interface {
	// Send delivers one aggregated alert. Returns an error if delivery
	// fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name used in AlertConfiguration
	// channel lists.
	Type() string
}

// Message is one aggregated alert ready for delivery.
type Message struct {
	AlertType   string    `json:"alert_type"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Count       int       `json:"count"`
	Examples    []string  `json:"examples,omitempty"`
	Recipients  []string  `json:"recipients,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// maxSeverity returns the higher of two severity names; unknown names rank
// lowest.
func maxSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// --- Slack ---

// SlackChannel sends alerts to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack alert channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*[%s] %s* (%d in window)\n%s", strings.ToUpper(msg.Severity), msg.Title, msg.Count, msg.Body)
	for _, example := range msg.Examples {
		sb.WriteString("\n> ")
		sb.WriteString(example)
	}

	payload := map[string]any{"text": sb.String()}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Webhook ---

// WebhookChannel sends JSON alerts to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook alert channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Log ---

// LogChannel writes alerts to the process log. Always available, so
// operators see aggregated alerts even with no external channel set up.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log alert channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

func (l *LogChannel) Type() string { return "log" }

func (l *LogChannel) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("alert_type", msg.AlertType),
		zap.String("severity", msg.Severity),
		zap.Int("count", msg.Count),
		zap.Strings("examples", msg.Examples),
		zap.Time("window_start", msg.WindowStart),
		zap.Time("window_end", msg.WindowEnd),
	}
	switch msg.Severity {
	case SeverityCritical, SeverityHigh:
		l.logger.Error(msg.Title, fields...)
	case SeverityMedium:
		l.logger.Warn(msg.Title, fields...)
	default:
		l.logger.Info(msg.Title, fields...)
	}
	return nil
}
