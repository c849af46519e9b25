package cmd

import (
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/config"
)

var (
	configPath    string
	LogJSON       bool
	NoColor       bool
	AllowInsecure bool
	stateDir      string
)

var rootCmd = &cobra.Command{
	Use:   "filevault",
	Short: "filevault backs up personal files to local, SFTP, FTP, or S3 destinations",
	Long: `filevault is a command-line tool for backing up personal files to a local
directory, a remote server, or object storage. Each file is stored as an
individual encrypted and compressed object, so any backup can be browsed and
restored file by file without downloading an archive. Destinations keep a
full backup history with deduplication across runs, and transfers retry
until they succeed or the run is cancelled.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize(configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&LogJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&NoColor, "no-color", false, "disable colored log output")
	rootCmd.PersistentFlags().BoolVar(&AllowInsecure, "allow-insecure", false, "allow plaintext transports such as FTP")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for per-destination state (default ~/.filevault)")
}

func Execute() error {
	return rootCmd.Execute()
}
