package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/backup"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/storage"
)

var rebuildIndex bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List backup runs recorded for a destination",
	Long: `List the backup history of a destination, newest first. Each run can be
used as a restore point by passing its name or ID to restore --run.

With --rebuild-index the local history index is repopulated from the run
manifests stored in the destination itself, which recovers history on a
new machine or after losing the state directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		opts, err := resolveOptions(l)
		if err != nil {
			return err
		}

		mgr, err := backup.NewBackupManager(opts)
		if err != nil {
			return err
		}
		defer storage.Close(mgr.Backend())
		led, err := ledger.Open(opts.IndexPath(), mgr.Backend())
		if err != nil {
			return err
		}
		defer led.Close()

		if rebuildIndex {
			l.Info("Rebuilding history index from destination", "destination", opts.StorageURI)
			n, err := led.RebuildIndex(cmd.Context())
			if err != nil {
				return err
			}
			l.Info("Index rebuilt", "runs_indexed", n)
		}

		runs, err := led.Runs()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			l.Info("No backup runs found", "destination", opts.StorageURI)
			return nil
		}

		fmt.Printf("\n%-20s %-18s %-17s %-8s %-8s %-10s %-13s %-7s\n",
			"STARTED AT", "NAME", "STRATEGY", "NEW", "UPDATED", "UNCHANGED", "DEDUPLICATED", "ERRORS")
		fmt.Println(strings.Repeat("-", 108))
		for _, r := range runs {
			fmt.Printf("%-20s %-18s %-17s %-8d %-8d %-10d %-13d %-7d\n",
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Name,
				string(r.Strategy),
				r.Counts.Created,
				r.Counts.Updated,
				r.Counts.Unchanged,
				r.Counts.Deduplicated,
				r.Counts.Errors,
			)
		}
		l.Info("Runs listed", "count", len(runs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringVarP(&target, "to", "t", "", "destination URI")
	runsCmd.Flags().StringVarP(&destName, "dest", "d", "", "configured destination name")
	runsCmd.Flags().BoolVar(&rebuildIndex, "rebuild-index", false, "rebuild the local history index from the destination")
}
