package notify

import (
	"context"
	"time"

	"github.com/filevault/filevault/internal/ledger"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Stats summarizes one finished backup or restore for outbound channels.
type Stats struct {
	Status      Status
	Operation   string // "Backup" or "Restore"
	Destination string
	Run         string
	Strategy    string
	Counts      ledger.Counts
	Duration    time.Duration
	Error       error
}

type Notifier interface {
	Notify(ctx context.Context, stats Stats) error
}

type MultiNotifier struct {
	Notifiers []Notifier
}

func (m *MultiNotifier) Notify(ctx context.Context, stats Stats) error {
	for _, n := range m.Notifiers {
		// A failing channel must not block the others.
		_ = n.Notify(ctx, stats)
	}
	return nil
}
