// Package keys owns the destination encryption key: generation, wrapping
// behind a password-derived KEK, optional hardware token gating, and the
// in-memory handle discipline for unlocked keys.
package keys

import (
	"crypto/rand"
	"sync"

	apperrors "github.com/filevault/filevault/internal/errors"
)

// KeySize is the data-encryption key length (AES-256).
const KeySize = 32

// Key is a scoped handle to an unlocked data-encryption key. It is shared
// read-only across workers for the duration of one backup or restore
// invocation and zeroized by Close at run end. It is never written to
// durable storage.
type Key struct {
	mu     sync.RWMutex
	b      []byte
	closed bool
}

func newKey(b []byte) *Key {
	return &Key{b: b}
}

// Generate creates a fresh random data-encryption key.
func Generate() (*Key, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to generate key", "")
	}
	return newKey(b), nil
}

// Bytes returns the raw key material, or nil after Close. Callers must not
// retain the slice past the handle's lifetime.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil
	}
	return k.b
}

// Close zeroizes the key material. Safe to call more than once.
func (k *Key) Close() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.b {
		k.b[i] = 0
	}
	k.closed = true
}
