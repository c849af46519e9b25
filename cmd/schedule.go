package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/internal/scheduler"
)

var (
	cronSpec   string
	interval   string
	retries    int
	retryDelay string
	daemonMode bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backup schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add [source-dir]",
	Short: "Schedule a recurring backup of a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		opts, err := resolveOptions(l)
		if err != nil {
			return err
		}

		s, err := scheduler.NewScheduler(stateDir)
		if err != nil {
			return err
		}
		if err := s.Load(); err != nil {
			return err
		}

		sched := cronSpec
		if interval != "" {
			sched = interval
		}
		if sched == "" {
			return fmt.Errorf("either --cron or --interval is required")
		}

		task := &scheduler.ScheduledTask{
			ID:        uuid.New().String(),
			Source:    args[0],
			TargetURI: opts.StorageURI,
			Schedule:  sched,
			Options: scheduler.TaskOptions{
				Strategy:      string(opts.Strategy),
				Compression:   string(opts.Compression),
				Encrypt:       opts.Encrypt,
				PasswordFile:  passwordFile, // never the password itself
				TokenFile:     tokenFile,
				Checksum:      opts.Checksum,
				FailFast:      opts.FailFast,
				Workers:       opts.Workers,
				AllowInsecure: opts.AllowInsecure,
				Retries:       retries,
				RetryDelay:    retryDelay,
			},
		}

		if err := s.AddTask(task); err != nil {
			return err
		}
		l.Info("Scheduled backup added", "id", task.ID, "schedule", sched, "source", task.Source)

		if !daemonMode {
			return spawnDaemon(l)
		}
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove [ID]",
	Short: "Remove a scheduled backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		s, err := scheduler.NewScheduler(stateDir)
		if err != nil {
			return err
		}
		if err := s.Load(); err != nil {
			return err
		}
		if err := s.RemoveTask(args[0]); err != nil {
			return err
		}
		l.Info("Schedule removed", "id", args[0])
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		s, err := scheduler.NewScheduler(stateDir)
		if err != nil {
			return err
		}
		if err := s.Load(); err != nil {
			return err
		}

		tasks := s.ListTasks()
		if len(tasks) == 0 {
			l.Info("No active schedules")
			return nil
		}
		for _, t := range tasks {
			next := "N/A"
			if t.NextRun != nil {
				next = t.NextRun.Format("2006-01-02 15:04:05")
			}
			l.Info("Schedule",
				"id", t.ID,
				"source", t.Source,
				"destination", t.TargetURI,
				"status", t.Status,
				"schedule", t.Schedule,
				"next_run", next,
			)
		}
		return nil
	},
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler daemon (internal use)",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		s, err := scheduler.NewScheduler(stateDir)
		if err != nil {
			return err
		}
		if err := s.Load(); err != nil {
			return err
		}

		l.Info("Starting scheduler", "task_count", len(s.ListTasks()))
		s.Start()
		defer s.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		l.Info("Shutting down scheduler")
		return nil
	},
}

func spawnDaemon(l *logger.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(exe, "schedule", "start", "--daemon")
	cmd.Dir = filepath.Dir(exe)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // detach from the terminal
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	l.Info("Scheduler daemon started", "pid", cmd.Process.Pid)
	return nil
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleRemoveCmd, scheduleListCmd, scheduleStartCmd)

	scheduleAddCmd.Flags().StringVarP(&target, "to", "t", "", "destination URI")
	scheduleAddCmd.Flags().StringVarP(&destName, "dest", "d", "", "configured destination name")
	scheduleAddCmd.Flags().StringVar(&cronSpec, "cron", "", "cron schedule (e.g. \"0 2 * * *\")")
	scheduleAddCmd.Flags().StringVar(&interval, "interval", "", "interval schedule (e.g. 24h)")
	scheduleAddCmd.Flags().StringVar(&strategyFlag, "strategy", "", "backup strategy (full, incremental, incremental-plus)")
	scheduleAddCmd.Flags().StringVar(&compressionAlgo, "compression", "", "compression algorithm (none, gzip, zstd, lz4)")
	scheduleAddCmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt file contents with the destination key")
	scheduleAddCmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the destination key password")
	scheduleAddCmd.Flags().StringVar(&tokenFile, "token-file", "", "software token secret file for token-gated keys")
	scheduleAddCmd.Flags().BoolVar(&checksum, "checksum", false, "detect changes by content digest")
	scheduleAddCmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent transfers")
	scheduleAddCmd.Flags().IntVar(&retries, "retries", 0, "number of times to retry a failed run")
	scheduleAddCmd.Flags().StringVar(&retryDelay, "retry-delay", "", "delay between run retries (default 5m)")
	scheduleAddCmd.Flags().BoolVar(&daemonMode, "daemon", false, "internal: running as the scheduler daemon")
	scheduleStartCmd.Flags().BoolVar(&daemonMode, "daemon", false, "internal: running as the scheduler daemon")
}
