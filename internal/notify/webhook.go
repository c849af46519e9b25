package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type WebhookNotifier struct {
	URL      string
	Method   string
	Template string
	Headers  map[string]string
}

func NewWebhookNotifier(url, method, tmpl string, headers map[string]string) *WebhookNotifier {
	if method == "" {
		method = "POST"
	}
	return &WebhookNotifier{
		URL:      url,
		Method:   method,
		Template: tmpl,
		Headers:  headers,
	}
}

// webhookPayload is the default JSON body. Stats itself carries an error
// value that does not marshal, so the wire shape is explicit.
type webhookPayload struct {
	Status       Status        `json:"status"`
	Operation    string        `json:"operation"`
	Destination  string        `json:"destination"`
	Run          string        `json:"run"`
	Strategy     string        `json:"strategy,omitempty"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Deduplicated int           `json:"deduplicated"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, stats Stats) error {
	if n.URL == "" {
		return nil
	}

	var body []byte
	var err error

	if n.Template != "" {
		body, err = renderTemplate("webhook", n.Template, stats)
		if err != nil {
			return fmt.Errorf("failed to render webhook template: %w", err)
		}
	} else {
		p := webhookPayload{
			Status:       stats.Status,
			Operation:    stats.Operation,
			Destination:  stats.Destination,
			Run:          stats.Run,
			Strategy:     stats.Strategy,
			Created:      stats.Counts.Created,
			Updated:      stats.Counts.Updated,
			Unchanged:    stats.Counts.Unchanged,
			Deduplicated: stats.Counts.Deduplicated,
			Errors:       stats.Counts.Errors,
			Duration:     stats.Duration,
		}
		if stats.Error != nil {
			p.Error = stats.Error.Error()
		}
		body, err = json.Marshal(p)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, n.Method, n.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
