package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/filevault/filevault/internal/errors"
)

// Local stores objects under a base directory. Writes go through a temp
// file and rename so a crash never publishes a partial object.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "."
	}
	return &Local{baseDir: baseDir}
}

// shard nests object payloads one directory deep so large destinations do
// not accumulate a single flat directory with millions of entries. Cloud
// backends keep the flat key.
func shard(key string) string {
	const p = "objects/"
	if strings.HasPrefix(key, p) && len(key) > len(p)+2 && !strings.Contains(key[len(p):], "/") {
		return p + key[len(p):len(p)+2] + "/" + key[len(p):]
	}
	return key
}

func (s *Local) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	key = shard(key)
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create directory", "")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create temp file", "")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to write object", "")
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to flush object", "")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to publish object", "")
	}
	return key, nil
}

func (s *Local) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(ref)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "object not readable", "")
	}
	return f, nil
}

func (s *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			refs = append(refs, rel)
		}
		return nil
	})
	return refs, err
}

func (s *Local) Delete(ctx context.Context, ref string) error {
	err := os.Remove(filepath.Join(s.baseDir, filepath.FromSlash(ref)))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to delete object", "")
	}
	return nil
}

func (s *Local) Location() string {
	return s.baseDir
}
