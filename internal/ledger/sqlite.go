package ledger

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

func nanoTime(n int64) time.Time {
	return time.Unix(0, n)
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	created      INTEGER NOT NULL,
	updated      INTEGER NOT NULL,
	unchanged    INTEGER NOT NULL,
	deduplicated INTEGER NOT NULL,
	errors       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	seq      INTEGER NOT NULL,
	path     TEXT NOT NULL,
	digest   TEXT,
	size     INTEGER NOT NULL,
	modified INTEGER NOT NULL,
	accessed INTEGER NOT NULL,
	ref      TEXT,
	status   TEXT NOT NULL,
	error    TEXT
);

CREATE INDEX IF NOT EXISTS files_path ON files(path);
CREATE INDEX IF NOT EXISTS files_digest ON files(digest);
`

func openIndex(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create state directory", "")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to open history index", "")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to init history schema", "")
	}
	return db, nil
}

// indexRun inserts a committed run and its records in one transaction.
// Caller holds the ledger mutex.
func (l *Ledger) indexRun(run *Run) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (id, name, strategy, started_at, created, updated, unchanged, deduplicated, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(run.Strategy), run.StartedAt.UnixNano(),
		run.Counts.Created, run.Counts.Updated, run.Counts.Unchanged,
		run.Counts.Deduplicated, run.Counts.Errors)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO files (run_id, seq, path, digest, size, modified, accessed, ref, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range run.Files {
		if _, err := stmt.Exec(run.ID, i, f.Path, f.Digest, f.Size, f.Modified, f.Accessed, f.Ref, string(f.Status), f.Error); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (l *Ledger) hasRun(id string) (bool, error) {
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *Ledger) latestRun() (*Run, error) {
	row := l.db.QueryRow(`SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNoHistory
		}
		return nil, err
	}
	return l.loadRun(id)
}

func (l *Ledger) runBySelector(sel string) (*Run, error) {
	row := l.db.QueryRow(`SELECT id FROM runs WHERE id = ? OR name = ? ORDER BY started_at DESC LIMIT 1`, sel, sel)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.TypeHistory,
				"no committed run matches selector "+sel,
				"List runs to see the available restore points.")
		}
		return nil, err
	}
	return l.loadRun(id)
}

func (l *Ledger) loadRun(id string) (*Run, error) {
	run := &Run{ID: id}
	var started int64
	var strategy string
	err := l.db.QueryRow(`SELECT name, strategy, started_at, created, updated, unchanged, deduplicated, errors
		FROM runs WHERE id = ?`, id).Scan(
		&run.Name, &strategy, &started,
		&run.Counts.Created, &run.Counts.Updated, &run.Counts.Unchanged,
		&run.Counts.Deduplicated, &run.Counts.Errors)
	if err != nil {
		return nil, err
	}
	run.Strategy = Strategy(strategy)
	run.StartedAt = nanoTime(started)

	rows, err := l.db.Query(`SELECT path, digest, size, modified, accessed, ref, status, error
		FROM files WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		var status string
		var digest, ref, ferr sql.NullString
		if err := rows.Scan(&f.Path, &digest, &f.Size, &f.Modified, &f.Accessed, &ref, &status, &ferr); err != nil {
			return nil, err
		}
		f.Digest = digest.String
		f.Ref = ref.String
		f.Error = ferr.String
		f.Status = Status(status)
		run.Files = append(run.Files, f)
	}
	return run, rows.Err()
}

func (l *Ledger) latestRecord(path string) (FileRecord, bool, error) {
	row := l.db.QueryRow(`SELECT f.path, f.digest, f.size, f.modified, f.accessed, f.ref, f.status
		FROM files f JOIN runs r ON f.run_id = r.id
		WHERE f.path = ? AND f.status != 'error'
		ORDER BY r.started_at DESC, f.seq DESC LIMIT 1`, path)

	var f FileRecord
	var status string
	var digest, ref sql.NullString
	err := row.Scan(&f.Path, &digest, &f.Size, &f.Modified, &f.Accessed, &ref, &status)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	f.Digest = digest.String
	f.Ref = ref.String
	f.Status = Status(status)
	return f, true, nil
}

func (l *Ledger) allDigests() (map[string]string, error) {
	rows, err := l.db.Query(`SELECT digest, ref FROM files
		WHERE digest != '' AND ref != '' AND status != 'error'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	digests := make(map[string]string)
	for rows.Next() {
		var digest, ref string
		if err := rows.Scan(&digest, &ref); err != nil {
			return nil, err
		}
		digests[digest] = ref
	}
	return digests, rows.Err()
}

// Runs lists committed runs, newest first, for the runs command.
func (l *Ledger) Runs() ([]*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT id, name, strategy, started_at, created, updated, unchanged, deduplicated, errors
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var started int64
		var strategy string
		if err := rows.Scan(&run.ID, &run.Name, &strategy, &started,
			&run.Counts.Created, &run.Counts.Updated, &run.Counts.Unchanged,
			&run.Counts.Deduplicated, &run.Counts.Errors); err != nil {
			return nil, err
		}
		run.Strategy = Strategy(strategy)
		run.StartedAt = nanoTime(started)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
