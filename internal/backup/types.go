package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/filevault/filevault/internal/compress"
	"github.com/filevault/filevault/internal/keys"
	"github.com/filevault/filevault/internal/ledger"
	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/internal/notify"
)

// Options configures one backup or restore invocation against one
// destination.
type Options struct {
	StorageURI  string
	Strategy    ledger.Strategy
	Compression compress.Algorithm

	Encrypt  bool
	Password string
	Token    keys.Token
	Tokens   keys.Detector

	// Checksum forces digest-based change detection instead of the default
	// mtime+size comparison, catching content changes that keep both intact.
	Checksum bool

	FailFast      bool
	Workers       int
	RunName       string
	StateDir      string
	AllowInsecure bool
	Progress      bool

	Logger   *logger.Logger
	Notifier notify.Notifier
}

const defaultWorkers = 4

func (o *Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return defaultWorkers
}

// stateDir resolves where a destination's side-car state (history index,
// keystore) lives: one directory per destination, keyed by its URI.
func (o *Options) stateDir() string {
	base := o.StateDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			base = ".filevault"
		} else {
			base = filepath.Join(home, ".filevault")
		}
	}
	sum := sha256.Sum256([]byte(o.StorageURI))
	return filepath.Join(base, "state", hex.EncodeToString(sum[:])[:12])
}

// IndexPath is the destination's sqlite history index.
func (o *Options) IndexPath() string {
	return filepath.Join(o.stateDir(), "index.db")
}

// KeystorePath is the destination's wrapped-key blob.
func (o *Options) KeystorePath() string {
	return filepath.Join(o.stateDir(), "keystore.json")
}

// unlockKey loads and unlocks the destination key. Returns (nil, nil) for
// unencrypted destinations. Unlock failures are fatal for the whole
// invocation; callers must not start any transfer beforehand.
func (o *Options) unlockKey(ctx context.Context) (*keys.Key, error) {
	if !o.Encrypt {
		return nil, nil
	}
	blob, err := keys.LoadBlob(o.KeystorePath())
	if err != nil {
		return nil, err
	}
	m := &keys.Manager{Tokens: o.Tokens}
	return m.Unlock(ctx, blob, o.Password, o.Token)
}
