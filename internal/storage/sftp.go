package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SFTP stores objects on a remote host over SSH. The connection is
// established lazily on first use and reused for the whole run. The
// sftp.Client is safe for concurrent use once built, but construction
// itself is guarded by connMu so that racing workers dial exactly once.
type SFTP struct {
	connMu     sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
	remotePath string
	host       string
	user       *url.Userinfo
}

func NewSFTP(u *url.URL) (*SFTP, error) {
	host := u.Host
	if !strings.Contains(host, ":") {
		host = host + ":22"
	}

	remotePath := strings.TrimPrefix(u.Path, "/./")

	return &SFTP{
		remotePath: remotePath,
		host:       host,
		user:       u.User,
	}, nil
}

// connect dials on first use. A failed attempt leaves the fields nil so the
// next caller retries instead of caching the error.
func (s *SFTP) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.sftpClient != nil {
		return nil
	}
	if s.user == nil {
		return apperrors.New(apperrors.TypeConfig, "sftp URI is missing a user", "")
	}

	user := s.user.Username()
	pass, _ := s.user.Password()

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	if pass != "" {
		config.Auth = append(config.Auth, ssh.Password(pass))
	} else {
		if authSock := os.Getenv("SSH_AUTH_SOCK"); authSock != "" {
			if conn, err := net.Dial("unix", authSock); err == nil {
				ag := agent.NewClient(conn)
				if signers, err := ag.Signers(); err == nil && len(signers) > 0 {
					config.Auth = append(config.Auth, ssh.PublicKeysCallback(ag.Signers))
				}
			}
		}

		if home, err := os.UserHomeDir(); err == nil {
			for _, k := range []string{"id_rsa", "id_ed25519", "id_ecdsa"} {
				key, err := os.ReadFile(filepath.Join(home, ".ssh", k))
				if err != nil {
					continue
				}
				if signer, err := ssh.ParsePrivateKey(key); err == nil {
					config.Auth = append(config.Auth, ssh.PublicKeys(signer))
				}
			}
		}
	}

	if len(config.Auth) == 0 {
		return apperrors.New(apperrors.TypeAuth, "no usable SSH credentials",
			"Provide a password in the URI, run an SSH agent, or place a key under ~/.ssh.")
	}

	client, err := ssh.Dial("tcp", s.host, config)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeTransfer, fmt.Sprintf("failed to connect to %s", s.host), "")
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return apperrors.Wrap(err, apperrors.TypeTransfer, "failed to open sftp session", "")
	}

	s.client = client
	s.sftpClient = sc
	return nil
}

func (s *SFTP) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if err := s.connect(); err != nil {
		return "", err
	}
	key = shard(key)
	target := path.Join(s.remotePath, key)

	if err := s.sftpClient.MkdirAll(path.Dir(target)); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to create remote directory", "")
	}

	tmp := target + ".put"
	f, err := s.sftpClient.Create(tmp)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to create remote temp file", "")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.sftpClient.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to write remote object", "")
	}
	if err := f.Close(); err != nil {
		s.sftpClient.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to flush remote object", "")
	}
	if err := s.sftpClient.PosixRename(tmp, target); err != nil {
		s.sftpClient.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeTransfer, "failed to publish remote object", "")
	}
	return key, nil
}

func (s *SFTP) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}
	f, err := s.sftpClient.Open(path.Join(s.remotePath, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.TypeResource, "remote object not found", "")
		}
		return nil, apperrors.Wrap(err, apperrors.TypeTransfer, "failed to open remote object", "")
	}
	return f, nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}

	var refs []string
	walker := s.sftpClient.Walk(s.remotePath)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel, err := filepath.Rel(s.remotePath, walker.Path())
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".put") {
			continue
		}
		if strings.HasPrefix(rel, prefix) {
			refs = append(refs, rel)
		}
	}
	return refs, nil
}

func (s *SFTP) Delete(ctx context.Context, ref string) error {
	if err := s.connect(); err != nil {
		return err
	}
	err := s.sftpClient.Remove(path.Join(s.remotePath, ref))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(err, apperrors.TypeTransfer, "failed to delete remote object", "")
	}
	return nil
}

func (s *SFTP) Location() string {
	return "sftp://" + s.host + "/" + s.remotePath
}

// Close tears down the SSH session. Backends are per-run, so this runs at
// run end.
func (s *SFTP) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.sftpClient != nil {
		s.sftpClient.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
