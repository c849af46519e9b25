// Package ledger records backup history per destination: every run, and per
// run every file's path, digest, size, timestamps and storage reference.
// History lives in two places: a sqlite side-car index for fast incremental
// and dedup lookups, and one JSON manifest object per committed run inside
// the destination itself, so history can be rebuilt from the backup alone.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/storage"
	"github.com/google/uuid"
)

// Strategy selects how a run decides what to transfer.
type Strategy string

const (
	Full            Strategy = "full"
	Incremental     Strategy = "incremental"
	IncrementalPlus Strategy = "incremental-plus"
)

// Status is a FileRecord's per-run outcome.
type Status string

const (
	StatusNew          Status = "new"
	StatusUpdated      Status = "updated"
	StatusUnchanged    Status = "unchanged"
	StatusDeduplicated Status = "deduplicated"
	StatusError        Status = "error"
)

// FileRecord is one file's entry in one run.
type FileRecord struct {
	Path     string `json:"path"`
	Digest   string `json:"digest,omitempty"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
	Accessed int64  `json:"accessed"`
	Ref      string `json:"ref,omitempty"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Counts is a run's outcome summary.
type Counts struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Deduplicated int `json:"deduplicated"`
	Errors       int `json:"errors"`
}

func (c Counts) Total() int {
	return c.Created + c.Updated + c.Unchanged + c.Deduplicated + c.Errors
}

// Run is one backup invocation against one destination. Records accumulate
// in memory through RecordFile and become durable only at CommitRun.
type Run struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Strategy  Strategy     `json:"strategy"`
	StartedAt time.Time    `json:"started_at"`
	Counts    Counts       `json:"counts"`
	Files     []FileRecord `json:"files"`
}

// Selector picks a restore point: "most-recent"/"latest"/empty for the
// newest committed run, otherwise a run ID or name.
type Selector string

const MostRecent Selector = "most-recent"

// Ledger owns one destination's history. RecordFile and CommitRun are safe
// for concurrent use by run workers; all mutation funnels through a single
// mutex so partial writes never interleave.
type Ledger struct {
	mu      sync.Mutex
	db      *sql.DB
	backend storage.Backend
}

const historyPrefix = "history/"

// Open attaches to the side-car index at indexPath (created if absent) for
// the destination served by backend.
func Open(indexPath string, backend storage.Backend) (*Ledger, error) {
	db, err := openIndex(indexPath)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db, backend: backend}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun opens a new, uncommitted run.
func (l *Ledger) StartRun(name string, strategy Strategy) *Run {
	now := time.Now()
	if name == "" {
		name = now.Format("20060102-150405")
	}
	return &Run{
		ID:        uuid.NewString(),
		Name:      name,
		Strategy:  strategy,
		StartedAt: now,
	}
}

// RecordFile appends rec to the run. Serialized across workers.
func (l *Ledger) RecordFile(run *Run, rec FileRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run.Files = append(run.Files, rec)
	switch rec.Status {
	case StatusNew:
		run.Counts.Created++
	case StatusUpdated:
		run.Counts.Updated++
	case StatusUnchanged:
		run.Counts.Unchanged++
	case StatusDeduplicated:
		run.Counts.Deduplicated++
	case StatusError:
		run.Counts.Errors++
	}
}

// CommitRun makes the run durable: the manifest object is written into the
// destination first, then the side-car index is updated in one transaction.
// Until both steps finish the previous committed run stays authoritative;
// a crash mid-commit is repaired by RebuildIndex.
func (l *Ledger) CommitRun(ctx context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to marshal run manifest", "")
	}

	if _, err := l.backend.Put(ctx, historyPrefix+run.ID, strings.NewReader(string(data)), int64(len(data))); err != nil {
		return fmt.Errorf("failed to store run manifest: %w", err)
	}

	return l.indexRun(run)
}

// Resolve returns the committed run matching sel. An empty history fails
// with a History error.
func (l *Ledger) Resolve(sel Selector) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch sel {
	case "", MostRecent, "latest":
		return l.latestRun()
	default:
		return l.runBySelector(string(sel))
	}
}

// Latest returns the most recent committed record for path, used for
// incremental comparison. ok is false for never-seen paths.
func (l *Ledger) Latest(path string) (FileRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestRecord(path)
}

// Digests maps every digest in committed history to its object reference,
// seeding the dedup index for incremental-plus runs.
func (l *Ledger) Digests() (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allDigests()
}

// RebuildIndex re-reads every run manifest stored in the destination and
// repopulates the side-car index. Recovers history after losing the local
// state directory, and repairs a crash between manifest write and index
// update.
func (l *Ledger) RebuildIndex(ctx context.Context) (int, error) {
	refs, err := l.backend.List(ctx, historyPrefix)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for _, ref := range refs {
		rc, err := l.backend.Get(ctx, ref)
		if err != nil {
			return added, err
		}
		var run Run
		err = json.NewDecoder(rc).Decode(&run)
		rc.Close()
		if err != nil {
			return added, apperrors.Wrap(err, apperrors.TypeFormat,
				fmt.Sprintf("run manifest %s is not valid JSON", ref), "")
		}

		known, err := l.hasRun(run.ID)
		if err != nil {
			return added, err
		}
		if known {
			continue
		}
		if err := l.indexRun(&run); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
