package backup

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
)

// FileInfo is one discovered file. Path is relative to the discovery root
// (slash-separated) so objects stay portable across drives and mounts;
// AbsPath is where the content is read from.
type FileInfo struct {
	Path     string
	AbsPath  string
	Size     int64
	Modified time.Time
	Accessed time.Time
}

// Source is a lazy, restartable sequence of discovered files. Discovery is
// a collaborator concern; the engine only consumes the sequence.
type Source interface {
	Walk(ctx context.Context, fn func(FileInfo) error) error
}

// DirSource discovers every regular file under Root.
type DirSource struct {
	Root string
}

func (s *DirSource) Walk(ctx context.Context, fn func(FileInfo) error) error {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to resolve source root", "")
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		return fn(FileInfo{
			Path:     filepath.ToSlash(rel),
			AbsPath:  path,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Accessed: atime(info),
		})
	})
}
