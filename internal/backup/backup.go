// Package backup drives the per-file pipelines that turn a discovered tree
// into stored objects plus history, and back again.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/filevault/filevault/internal/compress"
	"github.com/filevault/filevault/internal/dedupe"
	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/jobs"
	"github.com/filevault/filevault/internal/keys"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/notify"
	"github.com/filevault/filevault/internal/object"
	"github.com/filevault/filevault/internal/storage"
)

type BackupManager struct {
	Options Options
	backend storage.Backend
}

func NewBackupManager(opts Options) (*BackupManager, error) {
	b, err := storage.FromURI(opts.StorageURI, storage.Options{AllowInsecure: opts.AllowInsecure})
	if err != nil {
		return nil, err
	}
	return &BackupManager{Options: opts, backend: b}, nil
}

func (m *BackupManager) Backend() storage.Backend {
	return m.backend
}

func (m *BackupManager) SetBackend(b storage.Backend) {
	m.backend = b
}

// Run executes one backup run over the files yielded by src. The run is
// committed even when individual files failed; their errors show up in the
// returned counts. A cancelled run is never committed and leaves the
// previous committed run authoritative.
func (m *BackupManager) Run(ctx context.Context, src Source) (*ledger.Run, error) {
	opts := &m.Options
	log := opts.Logger
	start := time.Now()

	led, err := ledger.Open(opts.IndexPath(), m.backend)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	// Key unlock happens before any file work; an Auth or Token failure
	// aborts the whole invocation.
	key, err := opts.unlockKey(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	var idx *dedupe.Index
	if opts.Strategy == ledger.IncrementalPlus {
		seed, err := led.Digests()
		if err != nil {
			return nil, err
		}
		idx = dedupe.New(seed)
		if log != nil {
			log.Debug("Dedup index seeded", "digests", idx.Len())
		}
	}

	run := led.StartRun(opts.RunName, opts.Strategy)
	if log != nil {
		log.Info("Backup started", "run", run.Name, "strategy", string(opts.Strategy), "destination", m.backend.Location())
	}

	prog := newProgress(opts.Progress)
	pool := jobs.New(ctx, opts.workers())

	walkErr := src.Walk(ctx, func(f FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		file := f
		pool.Submit(jobs.Task{Name: file.Path, Run: func(ctx context.Context) error {
			return m.processFile(ctx, file, run, led, idx, key, prog)
		}})
		return nil
	})

	pool.Wait()
	prog.Wait()

	if err := ctx.Err(); err != nil {
		if log != nil {
			log.Warn("Backup cancelled, run not committed", "run", run.Name)
		}
		m.notify(context.Background(), run, start, err)
		return run, apperrors.Wrap(err, apperrors.TypeInternal, "backup cancelled", "")
	}

	// Commit is itself a transfer; retry it like one.
	if err := jobs.RetryTransient(ctx, log, "commit "+run.Name, func(ctx context.Context) error {
		return led.CommitRun(ctx, run)
	}); err != nil {
		m.notify(ctx, run, start, err)
		return run, err
	}

	if log != nil {
		log.Info("Backup committed",
			"run", run.Name,
			"created", run.Counts.Created,
			"updated", run.Counts.Updated,
			"unchanged", run.Counts.Unchanged,
			"deduplicated", run.Counts.Deduplicated,
			"errors", run.Counts.Errors,
			"duration", time.Since(start).Truncate(time.Millisecond))
	}

	if walkErr != nil {
		m.notify(ctx, run, start, walkErr)
		return run, apperrors.Wrap(walkErr, apperrors.TypeResource, "file discovery failed", "")
	}

	m.notify(ctx, run, start, nil)
	return run, nil
}

// processFile is one file's pipeline: read+hash, strategy decision, encode,
// transfer, record. It always records an outcome, including errors.
func (m *BackupManager) processFile(ctx context.Context, f FileInfo, run *ledger.Run, led *ledger.Ledger, idx *dedupe.Index, key *keys.Key, prog *progress) error {
	opts := &m.Options
	log := opts.Logger

	fail := func(err error) error {
		led.RecordFile(run, ledger.FileRecord{
			Path:     f.Path,
			Size:     f.Size,
			Modified: f.Modified.Unix(),
			Accessed: f.Accessed.Unix(),
			Status:   ledger.StatusError,
			Error:    err.Error(),
		})
		if log != nil {
			log.Error("File failed", "path", f.Path, "error", err)
		}
		return err
	}

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return fail(apperrors.Wrap(err, apperrors.TypeResource, "failed to read source file", ""))
	}
	digest := object.Digest(content)

	rec := ledger.FileRecord{
		Path:     f.Path,
		Digest:   digest,
		Size:     f.Size,
		Modified: f.Modified.Unix(),
		Accessed: f.Accessed.Unix(),
	}

	if opts.Strategy != ledger.Full {
		prior, ok, err := led.Latest(f.Path)
		if err != nil {
			return fail(err)
		}
		if ok {
			metaSame := prior.Modified == f.Modified.Unix() && prior.Size == f.Size
			if opts.Checksum {
				if prior.Digest == digest {
					rec.Status = ledger.StatusUnchanged
					rec.Ref = prior.Ref
					led.RecordFile(run, rec)
					return nil
				}
				if metaSame && log != nil {
					// Content changed under an unchanged mtime+size: exactly
					// what date/size detection cannot see.
					log.Warn("Content changed without mtime/size change, possible corruption", "path", f.Path)
				}
			} else if metaSame {
				rec.Status = ledger.StatusUnchanged
				// Carry the prior digest with the prior ref: under date/size
				// detection the stored object is the authority on content.
				rec.Digest = prior.Digest
				rec.Ref = prior.Ref
				led.RecordFile(run, rec)
				return nil
			}
			rec.Status = ledger.StatusUpdated
		}
	}

	if idx != nil {
		if ref, ok := idx.Lookup(digest); ok {
			rec.Status = ledger.StatusDeduplicated
			rec.Ref = ref
			led.RecordFile(run, rec)
			if log != nil {
				log.Debug("Deduplicated", "path", f.Path, "ref", ref)
			}
			return nil
		}
	}

	meta := object.Meta{
		Compression: opts.Compression,
		Modified:    f.Modified.Unix(),
		Accessed:    f.Accessed.Unix(),
		Path:        f.Path,
	}
	if meta.Compression == "" {
		meta.Compression = compress.None
	}

	blob, err := object.Encode(content, meta, key.Bytes())
	if err != nil {
		return fail(err)
	}

	bar := prog.addBar(f.Path, int64(len(blob)))
	var ref string
	err = jobs.RetryTransient(ctx, log, f.Path, func(ctx context.Context) error {
		// Fresh reader per attempt so a failed transfer restarts cleanly.
		r := prog.wrap(bytes.NewReader(blob), bar)
		var putErr error
		ref, putErr = m.backend.Put(ctx, "objects/"+digest, r, int64(len(blob)))
		return putErr
	})
	if err != nil {
		prog.abort(bar)
		return fail(fmt.Errorf("transfer failed for %s: %w", f.Path, err))
	}

	if rec.Status != ledger.StatusUpdated {
		rec.Status = ledger.StatusNew
	}
	rec.Ref = ref
	led.RecordFile(run, rec)
	if idx != nil {
		idx.Record(digest, ref)
	}
	return nil
}

func (m *BackupManager) notify(ctx context.Context, run *ledger.Run, start time.Time, err error) {
	if m.Options.Notifier == nil {
		return
	}
	status := notify.StatusSuccess
	if err != nil || run.Counts.Errors > 0 {
		status = notify.StatusError
	}
	m.Options.Notifier.Notify(ctx, notify.Stats{
		Status:      status,
		Operation:   "Backup",
		Destination: m.backend.Location(),
		Run:         run.Name,
		Strategy:    string(run.Strategy),
		Counts:      run.Counts,
		Duration:    time.Since(start),
		Error:       err,
	})
}
