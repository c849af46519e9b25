package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) (*Ledger, storage.Backend) {
	t.Helper()
	backend := storage.NewLocal(t.TempDir())
	l, err := Open(filepath.Join(t.TempDir(), "index.db"), backend)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, backend
}

func TestResolve_EmptyHistory(t *testing.T) {
	l, _ := openTestLedger(t)

	_, err := l.Resolve(MostRecent)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeHistory))
}

func TestCommitAndResolve(t *testing.T) {
	ctx := context.Background()
	l, backend := openTestLedger(t)

	run := l.StartRun("nightly", Full)
	l.RecordFile(run, FileRecord{Path: "a.txt", Digest: "d1", Size: 3, Modified: 100, Status: StatusNew, Ref: "objects/d1"})
	l.RecordFile(run, FileRecord{Path: "b.txt", Digest: "d2", Size: 5, Modified: 200, Status: StatusNew, Ref: "objects/d2"})
	require.NoError(t, l.CommitRun(ctx, run))

	got, err := l.Resolve(MostRecent)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, 2, got.Counts.Created)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "a.txt", got.Files[0].Path)

	byName, err := l.Resolve(Selector("nightly"))
	require.NoError(t, err)
	assert.Equal(t, run.ID, byName.ID)

	_, err = l.Resolve(Selector("no-such-run"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeHistory))

	// The manifest object is recoverable from the destination itself.
	refs, err := backend.List(ctx, "history/")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestUncommittedRunInvisible(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	first := l.StartRun("", Full)
	l.RecordFile(first, FileRecord{Path: "a.txt", Digest: "d1", Status: StatusNew, Ref: "objects/d1"})
	require.NoError(t, l.CommitRun(ctx, first))

	// Simulate a crash: files recorded but the run never committed.
	second := l.StartRun("", Full)
	l.RecordFile(second, FileRecord{Path: "a.txt", Digest: "d9", Status: StatusUpdated, Ref: "objects/d9"})

	got, err := l.Resolve(MostRecent)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "interrupted run must not become the restore point")

	rec, ok, err := l.Latest("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", rec.Digest)
}

func TestLatestAcrossRuns(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	r1 := l.StartRun("", Full)
	l.RecordFile(r1, FileRecord{Path: "a.txt", Digest: "old", Size: 1, Modified: 10, Status: StatusNew, Ref: "objects/old"})
	require.NoError(t, l.CommitRun(ctx, r1))

	r2 := l.StartRun("", Incremental)
	l.RecordFile(r2, FileRecord{Path: "a.txt", Digest: "new", Size: 2, Modified: 20, Status: StatusUpdated, Ref: "objects/new"})
	require.NoError(t, l.CommitRun(ctx, r2))

	rec, ok, err := l.Latest("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", rec.Digest)

	_, ok, err = l.Latest("never-seen.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDigests(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	run := l.StartRun("", IncrementalPlus)
	l.RecordFile(run, FileRecord{Path: "a", Digest: "d1", Status: StatusNew, Ref: "objects/d1"})
	l.RecordFile(run, FileRecord{Path: "b", Digest: "d1", Status: StatusDeduplicated, Ref: "objects/d1"})
	l.RecordFile(run, FileRecord{Path: "c", Status: StatusError, Error: "boom"})
	require.NoError(t, l.CommitRun(ctx, run))

	digests, err := l.Digests()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"d1": "objects/d1"}, digests)
}

func TestRecordFile_ConcurrentWorkers(t *testing.T) {
	l, _ := openTestLedger(t)
	run := l.StartRun("", Full)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordFile(run, FileRecord{Path: "p", Digest: "d", Status: StatusNew})
		}()
	}
	wg.Wait()

	assert.Len(t, run.Files, 32)
	assert.Equal(t, 32, run.Counts.Created)
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	destDir := t.TempDir()
	backend := storage.NewLocal(destDir)

	stateDir := t.TempDir()
	l, err := Open(filepath.Join(stateDir, "index.db"), backend)
	require.NoError(t, err)

	run := l.StartRun("nightly", Full)
	l.RecordFile(run, FileRecord{Path: "a.txt", Digest: "d1", Status: StatusNew, Ref: "objects/d1"})
	require.NoError(t, l.CommitRun(ctx, run))
	require.NoError(t, l.Close())

	// Lose the side-car index entirely.
	require.NoError(t, os.RemoveAll(stateDir))

	l2, err := Open(filepath.Join(stateDir, "index.db"), backend)
	require.NoError(t, err)
	defer l2.Close()

	_, err = l2.Resolve(MostRecent)
	require.Error(t, err)

	added, err := l2.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := l2.Resolve(MostRecent)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "d1", got.Files[0].Digest)

	// Rebuilding again is a no-op.
	added, err = l2.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}
