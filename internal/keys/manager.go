package keys

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	blobVersion      = 1
	saltSize         = 32
	kdfIterations    = 200_000
	gcmNonceSize     = 12
	defaultTokenWait = 30 * time.Second
)

// Blob is the encrypted-at-rest form of a destination key. KDF parameters
// travel with the blob so they can be tuned without breaking old keystores.
type Blob struct {
	Version       int    `json:"version"`
	Salt          []byte `json:"salt"`
	Iterations    int    `json:"iterations"`
	Verifier      []byte `json:"verifier"` // SHA-256 of the KEK, checked before unwrap
	Nonce         []byte `json:"nonce"`
	Wrapped       []byte `json:"wrapped"` // AES-GCM(KEK, DEK)
	TokenRequired bool   `json:"token_required"`
}

// Manager wraps and unwraps destination keys. Tokens holds the detector
// consulted when a blob requires a hardware token; TokenWait bounds how long
// a challenge may take before it surfaces as a Token error.
type Manager struct {
	Tokens    Detector
	TokenWait time.Duration
}

// Lock wraps key under a KEK derived from password (via the token's
// challenge response when tok is non-nil). The raw key never appears in the
// returned blob.
func (m *Manager) Lock(key *Key, password string, tok Token) (*Blob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to generate salt", "")
	}

	input, err := m.kdfInput(context.Background(), password, tok)
	if err != nil {
		return nil, err
	}

	kek := pbkdf2.Key(input, salt, kdfIterations, KeySize, sha256.New)
	verifier := sha256.Sum256(kek)

	blockCipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to init cipher", "")
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to init GCM", "")
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to generate nonce", "")
	}

	return &Blob{
		Version:       blobVersion,
		Salt:          salt,
		Iterations:    kdfIterations,
		Verifier:      verifier[:],
		Nonce:         nonce,
		Wrapped:       gcm.Seal(nil, nonce, key.Bytes(), nil),
		TokenRequired: tok != nil,
	}, nil
}

// Unlock reverses Lock. A wrong password fails on the verifier before any
// unwrap is attempted; a required but absent, ambiguous or unresponsive
// token fails as a Token error.
func (m *Manager) Unlock(ctx context.Context, blob *Blob, password string, tok Token) (*Key, error) {
	if blob.Version != blobVersion {
		return nil, apperrors.New(apperrors.TypeFormat, "unrecognized keystore version", "")
	}

	if blob.TokenRequired {
		if tok == nil {
			return nil, apperrors.New(apperrors.TypeToken, "destination requires a hardware token", "Attach the provisioned token and retry.")
		}
		if m.Tokens != nil {
			n, err := m.Tokens.Detect()
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.TypeToken, "token detection failed", "")
			}
			if n != 1 {
				return nil, apperrors.New(apperrors.TypeToken, "expected exactly one token", "Attach the provisioned token and remove any others.")
			}
		}
	} else {
		tok = nil
	}

	input, err := m.kdfInput(ctx, password, tok)
	if err != nil {
		return nil, err
	}

	kek := pbkdf2.Key(input, blob.Salt, blob.Iterations, KeySize, sha256.New)
	verifier := sha256.Sum256(kek)
	if !bytes.Equal(verifier[:], blob.Verifier) {
		return nil, apperrors.ErrWrongPassword
	}

	blockCipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to init cipher", "")
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to init GCM", "")
	}

	dek, err := gcm.Open(nil, blob.Nonce, blob.Wrapped, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "Key unlock failed", "The keystore is corrupt or the password is wrong.")
	}
	return newKey(dek), nil
}

// kdfInput resolves what feeds the KDF: the raw password, or the token's
// response to it. The challenge waits at most TokenWait for the user to
// present the token.
func (m *Manager) kdfInput(ctx context.Context, password string, tok Token) ([]byte, error) {
	if tok == nil {
		return []byte(password), nil
	}

	wait := m.TokenWait
	if wait == 0 {
		wait = defaultTokenWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	resp, err := tok.Challenge(ctx, []byte(password))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeToken, "token challenge failed", "The token did not respond in time.")
	}
	return resp, nil
}

// SaveBlob writes the keystore blob next to the destination's local state.
func SaveBlob(path string, blob *Blob) error {
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create keystore directory", "")
	}
	return os.WriteFile(path, data, 0600)
}

// LoadBlob reads a keystore blob written by SaveBlob.
func LoadBlob(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to read keystore", "Initialize the destination first.")
	}
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeFormat, "keystore is not valid JSON", "")
	}
	return &blob, nil
}
