package keys

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"os"

	apperrors "github.com/filevault/filevault/internal/errors"
)

// Token is a challenge-response capability: the password is submitted as a
// challenge and the token answers with a secret-derived response. Both the
// password and possession of the provisioned token are then required to
// unlock; losing either blocks recovery.
type Token interface {
	Challenge(ctx context.Context, payload []byte) ([]byte, error)
}

// Detector counts attached tokens. Unlock requires exactly one when a
// destination is token-gated.
type Detector interface {
	Detect() (int, error)
}

// FileToken is a software token backed by a secret file. It answers
// challenges with HMAC-SHA256 over the payload, mirroring the transform a
// hardware token performs with its provisioned secret. Used for tests and
// for destinations without hardware token support.
type FileToken struct {
	secret []byte
}

// LoadFileToken reads the token secret from path.
func LoadFileToken(path string) (*FileToken, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeToken, "failed to read token secret", "Provision the token secret file first.")
	}
	return &FileToken{secret: secret}, nil
}

// NewFileToken wraps an in-memory secret, mainly for tests.
func NewFileToken(secret []byte) *FileToken {
	return &FileToken{secret: secret}
}

func (t *FileToken) Challenge(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

func (t *FileToken) Detect() (int, error) {
	return 1, nil
}
