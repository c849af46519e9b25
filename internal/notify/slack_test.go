package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/filevault/filevault/internal/ledger"
)

func TestSlackNotifier_Notify_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload slackPayload
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)

		assert.Len(t, payload.Attachments, 1)
		att := payload.Attachments[0]
		assert.Equal(t, "#36a64f", att.Color)
		assert.Equal(t, "✅ Backup Successful", att.Title)
		assert.Equal(t, "filevault", att.Footer)

		fields := map[string]string{}
		for _, f := range att.Fields {
			fields[f.Title] = f.Value
		}
		assert.Equal(t, "/mnt/backups", fields["Destination"])
		assert.Equal(t, "20260115-093000", fields["Run"])
		assert.Equal(t, "incremental", fields["Strategy"])
		assert.Contains(t, fields["Files"], "3 new")
		assert.Contains(t, fields["Files"], "1 updated")

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, "")
	stats := Stats{
		Status:      StatusSuccess,
		Operation:   "Backup",
		Destination: "/mnt/backups",
		Run:         "20260115-093000",
		Strategy:    "incremental",
		Counts:      ledger.Counts{Created: 3, Updated: 1, Unchanged: 10},
		Duration:    5 * time.Second,
	}

	err := notifier.Notify(context.Background(), stats)
	assert.NoError(t, err)
}

func TestSlackNotifier_Notify_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload slackPayload
		json.NewDecoder(r.Body).Decode(&payload)

		att := payload.Attachments[0]
		assert.Equal(t, "#ff0000", att.Color)
		assert.Equal(t, "❌ Restore Failed", att.Title)
		assert.Contains(t, att.Text, "connection refused")

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, "")
	stats := Stats{
		Status:      StatusError,
		Operation:   "Restore",
		Destination: "s3://vault-bucket",
		Run:         "20260110-120000",
		Duration:    2 * time.Second,
		Error:       errors.New("connection refused"),
	}

	err := notifier.Notify(context.Background(), stats)
	assert.NoError(t, err)
}

func TestSlackNotifier_Template(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, `{"text":"{{.Operation}} of {{.Destination}} took {{.FormattedDuration}}"}`)
	err := notifier.Notify(context.Background(), Stats{
		Operation:   "Backup",
		Destination: "/mnt/backups",
		Duration:    90 * time.Second,
	})
	assert.NoError(t, err)
	assert.Equal(t, `{"text":"Backup of /mnt/backups took 1m30s"}`, got)
}

func TestSlackNotifier_EmptyURL(t *testing.T) {
	notifier := NewSlackNotifier("", "")
	err := notifier.Notify(context.Background(), Stats{Operation: "Backup"})
	assert.NoError(t, err)
}

func TestWebhookNotifier_DefaultPayload(t *testing.T) {
	var payload webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Auth"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "PUT", "", map[string]string{"X-Auth": "secret"})
	err := notifier.Notify(context.Background(), Stats{
		Status:      StatusError,
		Operation:   "Backup",
		Destination: "sftp://nas/backups",
		Run:         "nightly",
		Counts:      ledger.Counts{Created: 2, Errors: 1},
		Error:       errors.New("disk full"),
	})
	assert.NoError(t, err)
	assert.Equal(t, StatusError, payload.Status)
	assert.Equal(t, "nightly", payload.Run)
	assert.Equal(t, 2, payload.Created)
	assert.Equal(t, 1, payload.Errors)
	assert.Equal(t, "disk full", payload.Error)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "", "", nil)
	err := notifier.Notify(context.Background(), Stats{Operation: "Backup"})
	assert.Error(t, err)
}

func TestMultiNotifier_ContinuesPastFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	failing := NewWebhookNotifier("http://127.0.0.1:1", "", "", nil)
	working := NewWebhookNotifier(server.URL, "", "", nil)
	m := &MultiNotifier{Notifiers: []Notifier{failing, working}}

	err := m.Notify(context.Background(), Stats{Operation: "Backup"})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
