package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/types"
)

// SlackMessage is the incoming-webhook payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments"`
}

// SlackAttachment is one coloured block in a Slack message
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts"`
}

// SlackField is a key/value pair in an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackChannel posts alerts to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel. A nil client gets a 10s timeout.
func NewSlackChannel(webhookURL, channel string, client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   "cohort-sentinel",
		client:     client,
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send posts alert to Slack
func (sc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, sc.client, sc.webhookURL, nil, sc.buildMessage(alert))
}

func (sc *SlackChannel) buildMessage(alert *Alert) SlackMessage {
	status := "FIRING"
	color := colorForSeverity(alert.Severity)
	if alert.Resolved {
		status = "RESOLVED"
		color = "good"
	}

	fields := []SlackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Component", Value: alert.Component, Short: true},
	}
	fields = append(fields, sortedFields(alert.Labels)...)
	if alert.Resolved {
		fields = append(fields, sortedFields(alert.Annotations)...)
	}

	return SlackMessage{
		Channel:  sc.channel,
		Username: sc.username,
		Attachments: []SlackAttachment{{
			Color:     color,
			Title:     fmt.Sprintf("[%s] %s", status, alert.Title),
			Text:      alert.Description,
			Fields:    fields,
			Footer:    alert.ID,
			Timestamp: alert.Timestamp.Unix(),
		}},
	}
}

func sortedFields(m map[string]string) []SlackField {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]SlackField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: m[k], Short: true})
	}
	return fields
}

func colorForSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityLow:
		return "#36a64f"
	case types.SeverityMedium:
		return "#ffcc00"
	case types.SeverityHigh:
		return "#ff9500"
	case types.SeverityCritical:
		return "#ff0000"
	default:
		return "#808080"
	}
}

// WebhookChannel posts the alert as JSON to an arbitrary endpoint
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel. A nil client gets a 10s timeout.
func NewWebhookChannel(url string, headers map[string]string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client:  client,
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts alert to the webhook
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, wc.client, wc.url, wc.headers, alert)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
