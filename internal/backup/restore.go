package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/jobs"
	"github.com/filevault/filevault/internal/keys"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/notify"
	"github.com/filevault/filevault/internal/object"
	"github.com/filevault/filevault/internal/storage"
)

type RestoreManager struct {
	Options Options
	backend storage.Backend
}

// FileError is one file's restore failure, kept alongside the summary so
// callers can list failures individually.
type FileError struct {
	Path      string
	Integrity bool
	Err       error
}

// RestoreSummary reports a restore's outcome. Integrity failures are
// counted separately from other errors because they point at corruption
// rather than tooling failure.
type RestoreSummary struct {
	Restored  int
	Failed    int
	Integrity int
	Errors    []FileError
}

func NewRestoreManager(opts Options) (*RestoreManager, error) {
	b, err := storage.FromURI(opts.StorageURI, storage.Options{AllowInsecure: opts.AllowInsecure})
	if err != nil {
		return nil, err
	}
	return &RestoreManager{Options: opts, backend: b}, nil
}

func (m *RestoreManager) Backend() storage.Backend {
	return m.backend
}

func (m *RestoreManager) SetBackend(b storage.Backend) {
	m.backend = b
}

// Run restores the run selected by sel into targetRoot, preserving relative
// paths and original timestamps. pathFilter restricts restoration to paths
// under the given prefix; empty restores everything. The key is unlocked
// before any object is fetched; unlock failure aborts the whole restore.
func (m *RestoreManager) Run(ctx context.Context, sel ledger.Selector, pathFilter, targetRoot string) (*RestoreSummary, error) {
	opts := &m.Options
	log := opts.Logger
	start := time.Now()

	led, err := ledger.Open(opts.IndexPath(), m.backend)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	key, err := opts.unlockKey(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	run, err := led.Resolve(sel)
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("Restore started", "run", run.Name, "target", targetRoot)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summary := &RestoreSummary{}
	var mu sync.Mutex

	record := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			summary.Restored++
			return
		}
		summary.Failed++
		integrity := apperrors.IsType(err, apperrors.TypeIntegrity)
		if integrity {
			summary.Integrity++
		}
		summary.Errors = append(summary.Errors, FileError{Path: path, Integrity: integrity, Err: err})
		if opts.FailFast {
			cancel()
		}
	}

	prog := newProgress(opts.Progress)
	pool := jobs.New(ctx, opts.workers())

	for _, rec := range run.Files {
		if rec.Status == ledger.StatusError || rec.Ref == "" {
			continue
		}
		if pathFilter != "" && !underPrefix(rec.Path, pathFilter) {
			continue
		}
		r := rec
		pool.Submit(jobs.Task{Name: r.Path, Run: func(ctx context.Context) error {
			err := m.restoreFile(ctx, r, key, targetRoot, prog)
			record(r.Path, err)
			return err
		}})
	}

	pool.Wait()
	prog.Wait()

	if log != nil {
		log.Info("Restore finished",
			"restored", summary.Restored,
			"failed", summary.Failed,
			"integrity_failures", summary.Integrity,
			"duration", time.Since(start).Truncate(time.Millisecond))
		for _, fe := range summary.Errors {
			if fe.Integrity {
				log.Error("Integrity failure, object may be corrupt", "path", fe.Path, "error", fe.Err)
			} else {
				log.Error("Restore failed", "path", fe.Path, "error", fe.Err)
			}
		}
	}

	if opts.Notifier != nil {
		status := notify.StatusSuccess
		if summary.Failed > 0 {
			status = notify.StatusError
		}
		opts.Notifier.Notify(context.Background(), notify.Stats{
			Status:      status,
			Operation:   "Restore",
			Destination: m.backend.Location(),
			Run:         run.Name,
			Strategy:    string(run.Strategy),
			Duration:    time.Since(start),
		})
	}

	return summary, nil
}

func (m *RestoreManager) restoreFile(ctx context.Context, rec ledger.FileRecord, key *keys.Key, targetRoot string, prog *progress) error {
	bar := prog.addBar(rec.Path, rec.Size)
	var blob []byte
	err := jobs.RetryTransient(ctx, m.Options.Logger, rec.Path, func(ctx context.Context) error {
		rc, err := m.backend.Get(ctx, rec.Ref)
		if err != nil {
			return err
		}
		defer rc.Close()
		blob, err = io.ReadAll(prog.wrap(rc, bar))
		return err
	})
	if err != nil {
		prog.abort(bar)
		return err
	}
	prog.done(bar)

	meta, content, err := object.Decode(blob, key.Bytes())
	if err != nil {
		return err
	}
	if err := object.Verify(meta, content); err != nil {
		return err
	}
	// The record's digest must agree with the object's own preamble; a
	// mismatch means the ledger points at the wrong object.
	if rec.Digest != "" && rec.Digest != meta.SHA256 {
		return apperrors.New(apperrors.TypeIntegrity,
			"ledger digest does not match stored object for "+rec.Path, "")
	}

	target := filepath.Join(targetRoot, filepath.FromSlash(rec.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create target directory", "")
	}
	if err := os.WriteFile(target, content, 0644); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to write restored file", "")
	}

	mtime := time.Unix(meta.Modified, 0)
	atime := time.Unix(meta.Accessed, 0)
	if meta.Accessed == 0 {
		atime = mtime
	}
	if err := os.Chtimes(target, atime, mtime); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to restore timestamps", "")
	}
	return nil
}

func underPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
