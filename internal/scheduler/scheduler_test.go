package scheduler

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/filevault/filevault/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AddListRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScheduler(dir)
	require.NoError(t, err)
	defer func() { <-s.Stop().Done() }()

	task := &ScheduledTask{
		ID:        "nightly-docs",
		Source:    "/home/me/documents",
		TargetURI: "sftp://nas.local/backups",
		Schedule:  "@daily",
		Options:   TaskOptions{Strategy: "incremental", Compression: "zstd"},
	}
	require.NoError(t, s.AddTask(task))

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "nightly-docs", tasks[0].ID)
	assert.Equal(t, StatusPending, tasks[0].Status)

	require.NoError(t, s.RemoveTask("nightly-docs"))
	assert.Empty(t, s.ListTasks())
	assert.Error(t, s.RemoveTask("nightly-docs"))
}

func TestScheduler_Persistence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScheduler(dir)
	require.NoError(t, err)
	defer func() { <-s.Stop().Done() }()

	require.NoError(t, s.AddTask(&ScheduledTask{
		ID:        "photos",
		Source:    "/home/me/photos",
		TargetURI: "s3://vault/photos",
		Schedule:  "0 3 * * *",
		Options:   TaskOptions{Encrypt: true, TokenFile: "/etc/filevault/token"},
	}))

	s2, err := NewScheduler(dir)
	require.NoError(t, err)
	defer func() { <-s2.Stop().Done() }()
	require.NoError(t, s2.Load())

	tasks := s2.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "photos", tasks[0].ID)
	assert.Equal(t, "0 3 * * *", tasks[0].Schedule)
	assert.True(t, tasks[0].Options.Encrypt)
	assert.Equal(t, "/etc/filevault/token", tasks[0].Options.TokenFile)
}

func TestScheduler_IntervalSchedule(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScheduler(dir)
	require.NoError(t, err)
	defer func() { <-s.Stop().Done() }()

	// A bare duration is accepted as an @every interval.
	require.NoError(t, s.AddTask(&ScheduledTask{
		ID:        "hourly",
		Source:    "/srv/data",
		TargetURI: "/mnt/backup",
		Schedule:  "24h",
	}))

	assert.Error(t, s.AddTask(&ScheduledTask{
		ID:       "broken",
		Schedule: "not a schedule",
	}))
}

func TestScheduler_ClaimTaskOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScheduler(dir)
	require.NoError(t, err)
	defer func() { <-s.Stop().Done() }()

	require.NoError(t, s.AddTask(&ScheduledTask{
		ID:        "docs",
		Source:    "/home/me/documents",
		TargetURI: "/mnt/backup",
		Schedule:  "@daily",
	}))

	l := logger.New(logger.Config{Writer: io.Discard})

	// Overlapping firings of the same task must claim it exactly once.
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.claimTask("docs", l); ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusRunning, tasks[0].Status)
	assert.NotNil(t, tasks[0].LastRun)

	_, ok := s.claimTask("docs", l)
	assert.False(t, ok)
	_, ok = s.claimTask("missing", l)
	assert.False(t, ok)
}

func TestNormalizeSpec(t *testing.T) {
	assert.Equal(t, "@every 24h", normalizeSpec("24h"))
	assert.Equal(t, "@daily", normalizeSpec("@daily"))
	assert.Equal(t, "0 3 * * *", normalizeSpec("0 3 * * *"))
}
