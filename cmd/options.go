package cmd

import (
	"github.com/filevault/filevault/internal/backup"
	"github.com/filevault/filevault/internal/compress"
	"github.com/filevault/filevault/internal/config"
	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/filevault/filevault/internal/keys"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/internal/notify"
)

// Flags shared by the backup, restore, runs, and verify commands.
var (
	target          string
	destName        string
	strategyFlag    string
	compressionAlgo string
	encrypt         bool
	password        string
	passwordFile    string
	tokenFile       string
	checksum        bool
	failFast        bool
	workers         int
	runName         string
	noProgress      bool
)

func newLogger() *logger.Logger {
	return logger.New(logger.Config{JSON: LogJSON, NoColor: NoColor})
}

// resolveOptions merges the named config destination (when --dest is given)
// with command-line flags; flags win.
func resolveOptions(l *logger.Logger) (backup.Options, error) {
	cfg := config.GetConfig()

	opts := backup.Options{
		StorageURI:    target,
		Strategy:      ledger.Strategy(strategyFlag),
		Compression:   compress.Algorithm(compressionAlgo),
		Encrypt:       encrypt,
		Password:      password,
		Checksum:      checksum,
		FailFast:      failFast,
		Workers:       workers,
		RunName:       runName,
		StateDir:      stateDir,
		AllowInsecure: AllowInsecure || cfg.AllowInsecure,
		Progress:      !noProgress,
		Logger:        l,
		Notifier:      notify.BuildNotifier(cfg),
	}
	if opts.StateDir == "" {
		opts.StateDir = cfg.StateDir
	}
	if opts.Workers == 0 {
		opts.Workers = cfg.Workers
	}

	pwFile := passwordFile
	tokFile := tokenFile

	if destName != "" {
		d, err := cfg.FindDestination(destName)
		if err != nil {
			return opts, err
		}
		if opts.StorageURI == "" {
			opts.StorageURI = d.URI
		}
		if opts.Strategy == "" {
			opts.Strategy = ledger.Strategy(d.Strategy)
		}
		if opts.Compression == "" {
			opts.Compression = compress.Algorithm(d.Compression)
		}
		if !opts.Encrypt {
			opts.Encrypt = d.Encrypt
		}
		if opts.Password == "" && pwFile == "" {
			opts.Password = d.Password
			pwFile = d.PasswordFile
		}
		if tokFile == "" {
			tokFile = d.TokenFile
		}
		if !opts.Checksum {
			opts.Checksum = d.Checksum
		}
		if !opts.FailFast {
			opts.FailFast = d.FailFast
		}
		if workers == 0 && d.Workers > 0 {
			opts.Workers = d.Workers
		}
	}

	if opts.StorageURI == "" {
		return opts, apperrors.New(apperrors.TypeConfig,
			"no destination given",
			"pass --to with a storage URI or --dest with a configured destination name")
	}
	if opts.Strategy == "" {
		opts.Strategy = ledger.Incremental
	}
	switch opts.Strategy {
	case ledger.Full, ledger.Incremental, ledger.IncrementalPlus:
	default:
		return opts, apperrors.New(apperrors.TypeConfig,
			"unknown strategy "+string(opts.Strategy),
			"valid strategies are full, incremental, and incremental-plus")
	}
	if opts.Compression != "" && !compress.Valid(opts.Compression) {
		return opts, apperrors.New(apperrors.TypeConfig,
			"unknown compression algorithm "+string(opts.Compression),
			"valid algorithms are none, gzip, zstd, and lz4")
	}

	if opts.Password == "" && pwFile != "" {
		d := config.Destination{PasswordFile: pwFile}
		pw, err := d.ResolvePassword()
		if err != nil {
			return opts, err
		}
		opts.Password = pw
	}
	if tokFile != "" {
		tok, err := keys.LoadFileToken(tokFile)
		if err != nil {
			return opts, err
		}
		opts.Token = tok
		opts.Tokens = tok
	}

	return opts, nil
}
