package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/jlaffaye/ftp"
)

// FTP stores objects on a plain FTP server. Gated behind an explicit
// insecure opt-in by the factory since credentials and data travel in the
// clear.
//
// ServerConn is a single control connection and is not safe for concurrent
// use: every operation holds mu so that only one command/response exchange
// is in flight at a time, no matter how many workers share the backend.
type FTP struct {
	mu         sync.Mutex
	client     *ftp.ServerConn
	remotePath string
	host       string
}

func NewFTP(u *url.URL) (*FTP, error) {
	user := u.User.Username()
	pass, _ := u.User.Password()
	host := u.Host
	if !strings.Contains(host, ":") {
		host = host + ":21"
	}

	c, err := ftp.Dial(host, ftp.DialWithTimeout(5*time.Second))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeTransfer, "failed to connect to ftp server", "")
	}

	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "ftp login failed", "Check the credentials in the destination URI.")
	}

	return &FTP{
		client:     c,
		remotePath: u.Path,
		host:       host,
	}, nil
}

func (s *FTP) ensureDir(dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := "/"
	for _, p := range parts {
		cur = path.Join(cur, p)
		// MakeDir fails if the directory exists; ignore and let the write surface real errors.
		s.client.MakeDir(cur)
	}
	return nil
}

func (s *FTP) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = shard(key)
	target := path.Join(s.remotePath, key)
	if err := s.ensureDir(path.Dir(target)); err != nil {
		return "", err
	}

	// Upload under a temp name, then rename: readers never observe a
	// partially-transferred object.
	tmp := target + ".put"
	if err := s.client.Stor(tmp, r); err != nil {
		s.client.Delete(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to upload object", "")
	}
	if err := s.client.Rename(tmp, target); err != nil {
		s.client.Delete(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to publish object", "")
	}
	return key, nil
}

func (s *FTP) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.client.Retr(path.Join(s.remotePath, ref))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeTransfer, "failed to download object", "")
	}
	// An open Retr response occupies the control connection until closed, so
	// drain it while holding the lock and hand back an in-memory reader.
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	r.Close()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeTransfer, "failed to download object", "")
	}
	return io.NopCloser(&buf), nil
}

func (s *FTP) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	walker := s.client.Walk(path.Join(s.remotePath, path.Dir(prefix)))
	var refs []string
	for walker.Next() {
		if walker.Stat().Type == ftp.EntryTypeFolder {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), strings.TrimSuffix(s.remotePath, "/")+"/")
		rel = strings.TrimPrefix(rel, "/")
		if strings.HasSuffix(rel, ".put") {
			continue
		}
		if strings.HasPrefix(rel, prefix) {
			refs = append(refs, rel)
		}
	}
	if err := walker.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeTransfer, "failed to list objects", "")
	}
	return refs, nil
}

func (s *FTP) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Delete(path.Join(s.remotePath, ref)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeTransfer, "failed to delete object", "")
	}
	return nil
}

func (s *FTP) Location() string {
	return "ftp://" + s.host + s.remotePath
}

func (s *FTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.client.Quit()
}
