package cmd

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/keys"
)

var genTokenFile string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize encryption for a destination",
	Long: `Generate a destination key and store it, wrapped under the given
password, in the destination's local keystore. Run this once per
destination before the first encrypted backup.

With --token-file, unlocking additionally requires the named software
token: the password alone can no longer open the keystore. --gen-token
provisions a fresh token secret file first. Keep a copy of the token
secret somewhere safe; without it the destination cannot be unlocked.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()
		opts, err := resolveOptions(l)
		if err != nil {
			return err
		}
		if opts.Password == "" {
			return fmt.Errorf("--password or --password-file is required to initialize encryption")
		}

		if _, err := keys.LoadBlob(opts.KeystorePath()); err == nil {
			return fmt.Errorf("keystore already exists for this destination at %s", opts.KeystorePath())
		}

		if genTokenFile != "" {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			if err := os.WriteFile(genTokenFile, secret, 0600); err != nil {
				return fmt.Errorf("failed to write token secret: %w", err)
			}
			tokenFile = genTokenFile
			l.Info("Token secret provisioned", "path", genTokenFile)
		}

		var tok keys.Token
		if tokenFile != "" {
			ft, err := keys.LoadFileToken(tokenFile)
			if err != nil {
				return err
			}
			tok = ft
		}

		key, err := keys.Generate()
		if err != nil {
			return err
		}
		defer key.Close()

		mgr := &keys.Manager{}
		blob, err := mgr.Lock(key, opts.Password, tok)
		if err != nil {
			return err
		}
		if err := keys.SaveBlob(opts.KeystorePath(), blob); err != nil {
			return err
		}

		l.Info("Destination initialized",
			"destination", opts.StorageURI,
			"keystore", opts.KeystorePath(),
			"token_required", blob.TokenRequired)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVarP(&target, "to", "t", "", "destination URI")
	initCmd.Flags().StringVarP(&destName, "dest", "d", "", "configured destination name")
	initCmd.Flags().StringVar(&password, "password", "", "password to wrap the destination key under")
	initCmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the password")
	initCmd.Flags().StringVar(&tokenFile, "token-file", "", "require this software token to unlock the key")
	initCmd.Flags().StringVar(&genTokenFile, "gen-token", "", "provision a new token secret at this path and require it")
}
