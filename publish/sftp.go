// Package publish copies rendered output to a remote host over SFTP.
package publish

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes the SSH endpoint and destination directory.
type Config struct {
	Addr       string // host:port
	User       string
	KeyPath    string // private key used for public key authentication
	KnownHosts string // known_hosts file; empty disables host key checking
	RemoteDir  string
}

// Uploader writes local files into a remote directory.
type Uploader struct {
	client    *sftp.Client
	remoteDir string
	log       *zap.Logger
	closers   []io.Closer
}

// NewUploader wraps an established SFTP session.
func NewUploader(client *sftp.Client, remoteDir string, log *zap.Logger) *Uploader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Uploader{client: client, remoteDir: remoteDir, log: log}
}

// Dial opens an SSH connection with key authentication and starts SFTP on it.
func Dial(cfg Config, log *zap.Logger) (*Uploader, error) {
	sshCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := ssh.Dial("tcp", cfg.Addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	u := NewUploader(client, cfg.RemoteDir, log)
	u.closers = append(u.closers, conn)
	return u, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	key, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// Upload copies every local file into the remote directory, keeping base names.
func (u *Uploader) Upload(paths ...string) error {
	if u.remoteDir != "" {
		if err := u.client.MkdirAll(u.remoteDir); err != nil {
			return fmt.Errorf("create remote dir %s: %w", u.remoteDir, err)
		}
	}
	for _, p := range paths {
		if err := u.put(p); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) put(local string) error {
	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer src.Close()

	remote := path.Join(u.remoteDir, filepath.Base(local))
	dst, err := u.client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remote, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return fmt.Errorf("upload %s: %w", local, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remote, err)
	}
	u.log.Info("file uploaded", zap.String("local", local), zap.String("remote", remote), zap.Int64("bytes", n))
	return nil
}

// Close ends the SFTP session and the SSH connection beneath it.
func (u *Uploader) Close() error {
	err := u.client.Close()
	for _, c := range u.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
