package cmd

import (
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/backup"
	"github.com/filevault/filevault/internal/storage"
)

var backupCmd = &cobra.Command{
	Use:   "backup [source-dir]",
	Short: "Back up a directory to a destination",
	Long: `Back up every file under the given directory to the destination.

Each file is stored as its own object, compressed and optionally encrypted.
The default incremental strategy skips files whose modification time and
size are unchanged since the last run; --strategy full always re-uploads,
and --strategy incremental-plus additionally reuses identical content that
already exists anywhere in the destination. Failed transfers retry with
backoff until they succeed or the run is cancelled; a cancelled run is
never recorded in history.`,
	Args:          cobra.ExactArgs(1),
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

		_, err = mgr.Run(cmd.Context(), &backup.DirSource{Root: args[0]})
		return err
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVarP(&target, "to", "t", "", "destination URI (path, sftp://, ftp://, or s3://)")
	backupCmd.Flags().StringVarP(&destName, "dest", "d", "", "configured destination name")
	backupCmd.Flags().StringVar(&strategyFlag, "strategy", "", "backup strategy (full, incremental, incremental-plus)")
	backupCmd.Flags().StringVar(&compressionAlgo, "compression", "", "compression algorithm (none, gzip, zstd, lz4)")
	backupCmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt file contents with the destination key")
	backupCmd.Flags().StringVar(&password, "password", "", "destination key password")
	backupCmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the destination key password")
	backupCmd.Flags().StringVar(&tokenFile, "token-file", "", "software token secret file for token-gated keys")
	backupCmd.Flags().BoolVar(&checksum, "checksum", false, "detect changes by content digest instead of mtime and size")
	backupCmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop the run on the first file error")
	backupCmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent transfers")
	backupCmd.Flags().StringVar(&runName, "name", "", "custom run name (defaults to a timestamp)")
	backupCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable per-file progress bars")
}
