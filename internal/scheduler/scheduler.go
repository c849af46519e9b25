// Package scheduler runs recurring backups from a persisted schedule file.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filevault/filevault/internal/backup"
	"github.com/filevault/filevault/internal/compress"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/keys"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/internal/notify"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
)

// ScheduledTask is one recurring backup of a source directory to a
// destination.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	TargetURI string     `json:"target_uri"`
	Schedule  string     `json:"schedule"` // cron spec, @-descriptor, or bare interval like "24h"
	Status    TaskStatus `json:"status"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`

	Options TaskOptions `json:"options"`

	cronID cron.EntryID
}

// TaskOptions is the persisted subset of a run's configuration. Passwords
// are never written to disk; they come from password_file or the
// FILEVAULT_PASSWORD environment variable at execution time.
type TaskOptions struct {
	Strategy      string `json:"strategy,omitempty"`
	Compression   string `json:"compression,omitempty"`
	Encrypt       bool   `json:"encrypt,omitempty"`
	PasswordFile  string `json:"password_file,omitempty"`
	TokenFile     string `json:"token_file,omitempty"`
	Checksum      bool   `json:"checksum,omitempty"`
	FailFast      bool   `json:"fail_fast,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
}

type Scheduler struct {
	cron     *cron.Cron
	tasks    map[string]*ScheduledTask
	mu       sync.RWMutex
	dataDir  string
	maxTasks int
	running  int
}

// NewScheduler stores its schedule file under dataDir, defaulting to
// ~/.filevault.
func NewScheduler(dataDir string) (*Scheduler, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(home, ".filevault")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	return &Scheduler{
		cron:    cron.New(),
		tasks:   make(map[string]*ScheduledTask),
		dataDir: dataDir,
	}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Scheduler) Load() error {
	path := filepath.Join(s.dataDir, "schedules.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := json.Unmarshal(data, &s.tasks); err != nil {
		return err
	}
	for id, task := range s.tasks {
		task := task
		cid, err := s.cron.AddFunc(normalizeSpec(task.Schedule), func() {
			s.executeTask(task.ID)
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for task %s: %w", task.Schedule, id, err)
		}
		task.cronID = cid
		if task.Status == StatusRunning {
			// A run interrupted by process exit is not running anymore.
			task.Status = StatusPending
		}
	}
	return nil
}

// normalizeSpec accepts bare intervals like "24h" alongside cron specs.
func normalizeSpec(spec string) string {
	if !strings.HasPrefix(spec, "@") && strings.Count(spec, " ") < 4 {
		if _, err := time.ParseDuration(spec); err == nil {
			return "@every " + spec
		}
	}
	return spec
}

func (s *Scheduler) AddTask(task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(normalizeSpec(task.Schedule), func() {
		s.executeTask(task.ID)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", task.Schedule, err)
	}

	task.cronID = id
	task.Status = StatusPending
	s.tasks[task.ID] = task
	return s.saveLocked()
}

func (s *Scheduler) saveLocked() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "schedules.json"), data, 0600)
}

func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}

	s.cron.Remove(task.cronID)
	delete(s.tasks, id)
	return s.saveLocked()
}

func (s *Scheduler) ListTasks() []*ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*ScheduledTask
	for _, t := range s.tasks {
		entry := s.cron.Entry(t.cronID)
		if !entry.Next.IsZero() {
			next := entry.Next
			t.NextRun = &next
		}
		list = append(list, t)
	}
	return list
}

// claimTask transitions a task to running. The capacity check, the
// already-running check, and the status write all happen under one write
// lock so overlapping cron firings cannot both claim the same task.
func (s *Scheduler) claimTask(id string, l *logger.Logger) (*ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	if s.maxTasks > 0 && s.running >= s.maxTasks {
		l.Warn("Skipping task: max concurrent tasks reached", "id", id, "max", s.maxTasks, "running", s.running)
		return nil, false
	}
	if task.Status == StatusRunning {
		l.Warn("Skipping task: already running", "id", id)
		return nil, false
	}

	task.Status = StatusRunning
	now := time.Now()
	task.LastRun = &now
	s.running++
	return task, true
}

func (s *Scheduler) executeTask(id string) {
	l := logger.New(logger.Config{})

	task, ok := s.claimTask(id, l)
	if !ok {
		return
	}
	s.Save()

	notifier := notify.BuildNotifier(config.GetConfig())

	retryDelay, _ := time.ParseDuration(task.Options.RetryDelay)
	if retryDelay == 0 {
		retryDelay = 5 * time.Minute
	}

	var err error
	for i := 0; i <= task.Options.Retries; i++ {
		if i > 0 {
			l.Info("Retrying task", "id", task.ID, "attempt", i, "delay", retryDelay)
			time.Sleep(retryDelay)
		}
		err = s.runInternal(task, l, notifier)
		if err == nil {
			break
		}
	}

	s.mu.Lock()
	s.running--
	if err != nil {
		task.Status = StatusFailed
		l.Error("Scheduled backup failed after retries", "id", task.ID, "error", err)
	} else {
		task.Status = StatusSuccess
		l.Info("Scheduled backup succeeded", "id", task.ID)
	}
	s.mu.Unlock()
	s.Save()
}

func (s *Scheduler) runInternal(t *ScheduledTask, l *logger.Logger, n notify.Notifier) error {
	opts := backup.Options{
		StorageURI:    t.TargetURI,
		Strategy:      ledger.Strategy(t.Options.Strategy),
		Compression:   compress.Algorithm(t.Options.Compression),
		Encrypt:       t.Options.Encrypt,
		Checksum:      t.Options.Checksum,
		FailFast:      t.Options.FailFast,
		Workers:       t.Options.Workers,
		AllowInsecure: t.Options.AllowInsecure,
		Logger:        l,
		Notifier:      n,
	}
	if opts.Strategy == "" {
		opts.Strategy = ledger.IncrementalPlus
	}

	if t.Options.Encrypt {
		if t.Options.PasswordFile != "" {
			b, err := os.ReadFile(t.Options.PasswordFile)
			if err != nil {
				return err
			}
			opts.Password = strings.TrimSpace(string(b))
		} else {
			opts.Password = os.Getenv("FILEVAULT_PASSWORD")
		}
		if t.Options.TokenFile != "" {
			tok, err := keys.LoadFileToken(t.Options.TokenFile)
			if err != nil {
				return err
			}
			opts.Token = tok
		}
	}

	mgr, err := backup.NewBackupManager(opts)
	if err != nil {
		return err
	}
	_, err = mgr.Run(context.Background(), &backup.DirSource{Root: t.Source})
	return err
}
