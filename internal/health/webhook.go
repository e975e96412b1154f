package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookTimeout bounds a single alert-delivery POST, independent of the
// probe's own deadline — a slow webhook must never stall the health loop.
const webhookTimeout = 5 * time.Second

// defaultWebhookSeverities and defaultSlackSeverities are the default
// severity filters for the two built-in alert channels.
var (
	defaultWebhookSeverities = map[Severity]bool{SeverityError: true, SeverityCritical: true}
	defaultSlackSeverities   = map[Severity]bool{SeverityWarning: true, SeverityError: true, SeverityCritical: true}
)

// WebhookSink posts alerts as JSON to a generic webhook URL
// (CONDUIT_ALERT_WEBHOOK_URL).
type WebhookSink struct {
	URL        string
	Severities map[Severity]bool
	client     *http.Client
}

// NewWebhookSink creates a WebhookSink with the default severity
// filter ({Error, Critical}).
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Severities: defaultWebhookSeverities, client: &http.Client{Timeout: webhookTimeout}}
}

func (w *WebhookSink) Accepts(s Severity) bool { return w.Severities[s] }

func (w *WebhookSink) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// slackMessage is the minimal Slack incoming-webhook payload shape.
type slackMessage struct {
	Text string `json:"text"`
}

// SlackSink posts alerts to a Slack incoming webhook
// (CONDUIT_SLACK_WEBHOOK_URL), with a wider default severity
// filter ({Warning, Error, Critical}).
type SlackSink struct {
	URL        string
	Severities map[Severity]bool
	client     *http.Client
}

func NewSlackSink(url string) *SlackSink {
	return &SlackSink{URL: url, Severities: defaultSlackSeverities, client: &http.Client{Timeout: webhookTimeout}}
}

func (s *SlackSink) Accepts(sev Severity) bool { return s.Severities[sev] }

func (s *SlackSink) Notify(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Type, alert.Message)
	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook responded with status %d", resp.StatusCode)
	}
	return nil
}
