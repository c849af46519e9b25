// Package storage abstracts where backup objects live. Every backend stores
// byte-identical objects; only naming and transport differ. Objects are
// published atomically: a failed put never leaves a partially-visible
// object for readers to find.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	apperrors "github.com/filevault/filevault/internal/errors"
)

// Backend is the uniform capability set over a backup destination.
type Backend interface {
	// Put stores r under key and returns the object reference. size may be
	// -1 when unknown. The object becomes visible only on success.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
	// Get opens the object identified by ref.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// List returns the refs under prefix, backend-relative.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, ref string) error
	// Location describes the destination for logs and summaries.
	Location() string
}

// Close releases a backend's connection when it holds one. Local and S3
// backends are connectionless and close to a no-op.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Options carries cross-backend settings from config or flags.
type Options struct {
	AllowInsecure bool // required for plaintext FTP
}

// FromURI infers and constructs a backend. Bare paths and local:// select
// the filesystem backend; s3://, sftp:// and ftp:// select their transports.
func FromURI(uri string, opts Options) (Backend, error) {
	if uri == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "destination URI is required", "")
	}

	if !strings.Contains(uri, "://") {
		return NewLocal(uri), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, fmt.Sprintf("invalid destination URI %q", uri), "")
	}

	switch u.Scheme {
	case "local", "file":
		return NewLocal(u.Host + u.Path), nil
	case "s3":
		return NewS3(u)
	case "sftp", "ssh":
		return NewSFTP(u)
	case "ftp":
		if !opts.AllowInsecure {
			return nil, apperrors.New(apperrors.TypeConfig,
				"insecure protocol FTP requires explicit opt-in",
				"Pass --allow-insecure to use plaintext FTP.")
		}
		return NewFTP(u)
	default:
		return nil, apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("unsupported destination scheme %q", u.Scheme), "")
	}
}
