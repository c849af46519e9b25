package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"
)

type SlackNotifier struct {
	WebhookURL string
	Template   string
}

func NewSlackNotifier(url, tmpl string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: url, Template: tmpl}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackNotifier) Notify(ctx context.Context, stats Stats) error {
	if s.WebhookURL == "" {
		return nil
	}

	color := "#36a64f"
	title := fmt.Sprintf("✅ %s Successful", stats.Operation)
	if stats.Status == StatusError {
		color = "#ff0000"
		title = fmt.Sprintf("❌ %s Failed", stats.Operation)
	}

	attachment := slackAttachment{
		Color:  color,
		Title:  title,
		Footer: "filevault",
		Ts:     time.Now().Unix(),
	}

	attachment.Fields = []slackField{
		{Title: "Destination", Value: stats.Destination, Short: false},
		{Title: "Run", Value: stats.Run, Short: true},
		{Title: "Duration", Value: stats.Duration.Truncate(time.Second).String(), Short: true},
	}
	if stats.Strategy != "" {
		attachment.Fields = append(attachment.Fields,
			slackField{Title: "Strategy", Value: stats.Strategy, Short: true})
	}
	if c := stats.Counts; c.Total() > 0 {
		attachment.Fields = append(attachment.Fields, slackField{
			Title: "Files",
			Value: fmt.Sprintf("%d new, %d updated, %d unchanged, %d deduplicated, %d errors",
				c.Created, c.Updated, c.Unchanged, c.Deduplicated, c.Errors),
			Short: false,
		})
	}

	if stats.Error != nil {
		attachment.Text = fmt.Sprintf("*Error:* %v", stats.Error)
	}

	var body []byte
	var err error

	if s.Template != "" {
		body, err = renderTemplate("slack", s.Template, stats)
		if err != nil {
			return fmt.Errorf("failed to render slack template: %w", err)
		}
	} else {
		payload := slackPayload{
			Attachments: []slackAttachment{attachment},
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack notification failed with status: %s", resp.Status)
	}

	return nil
}

func renderTemplate(name, tmpl string, stats Stats) ([]byte, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	data := struct {
		Stats
		FormattedDuration string
		ErrorMessage      string
	}{
		Stats:             stats,
		FormattedDuration: stats.Duration.Truncate(time.Second).String(),
	}
	if stats.Error != nil {
		data.ErrorMessage = stats.Error.Error()
	}

	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
