// Package sftp delivers staged recordings to the remote archive. Directory
// creation is idempotent and a short or failed transfer is always an error;
// the caller only marks a conversation posted after Upload returns nil.
package sftp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sftpclient "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"recpost/internal/config"
	"recpost/internal/logging"
)

// Uploader transfers a local file into a destination folder under the
// configured remote base path.
type Uploader interface {
	Upload(ctx context.Context, localPath, destFolder string) error
}

// transport is the slice of SFTP operations the uploader needs. Tests swap in
// an in-memory fake.
type transport interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// Dialer opens a transport session. The default dials SSH with password auth.
type Dialer func() (transport, error)

// Client uploads files over SFTP, opening a fresh session per call so no
// connection state is shared across cycles.
type Client struct {
	cfg    config.SFTP
	logger *slog.Logger
	dial   Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides session establishment (used by tests).
func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// New creates an SFTP uploader from configuration.
func New(cfg config.SFTP, logger *slog.Logger, opts ...Option) *Client {
	client := &Client{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "sftp"),
	}
	client.dial = client.dialSSH
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) dialSSH() (transport, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	sshConfig := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         30 * time.Second,
	}
	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	client, err := sftpclient.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return &sshTransport{conn: conn, client: client}, nil
}

type sshTransport struct {
	conn   *ssh.Client
	client *sftpclient.Client
}

func (t *sshTransport) Stat(path string) (os.FileInfo, error) { return t.client.Stat(path) }
func (t *sshTransport) Mkdir(path string) error               { return t.client.Mkdir(path) }
func (t *sshTransport) Create(path string) (io.WriteCloser, error) {
	return t.client.Create(path)
}
func (t *sshTransport) Close() error {
	err := t.client.Close()
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Upload transfers localPath to remoteBase/destFolder/, creating intermediate
// directories as needed. Binary, overwrite, no resume.
func (c *Client) Upload(ctx context.Context, localPath, destFolder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session, err := c.dial()
	if err != nil {
		return fmt.Errorf("open archive session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			c.logger.Warn("close archive session", logging.Error(closeErr))
		}
	}()

	remoteDir := joinRemote(c.cfg.RemoteBasePath, destFolder)
	if err := ensureDirectories(session, remoteDir); err != nil {
		return err
	}

	target := joinRemote(remoteDir, filepath.Base(localPath))
	if err := c.put(session, localPath, target); err != nil {
		return err
	}

	c.logger.Info("recording posted to archive", logging.String("target", target))
	return nil
}

func (c *Client) put(session transport, localPath, target string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	remote, err := session.Create(target)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", target, err)
	}

	written, err := io.Copy(remote, local)
	if err != nil {
		_ = remote.Close()
		return fmt.Errorf("transfer %s: %w", target, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", target, err)
	}
	if written != info.Size() {
		return fmt.Errorf("transfer %s: wrote %d of %d bytes", target, written, info.Size())
	}
	return nil
}

// ensureDirectories walks the remote path component by component, creating
// each directory only when it does not already exist. Safe to call repeatedly.
func ensureDirectories(session transport, fullPath string) error {
	parts := strings.FieldsFunc(strings.Trim(fullPath, "/"), func(r rune) bool { return r == '/' })
	current := ""
	for _, part := range parts {
		current += "/" + part
		if _, err := session.Stat(current); err == nil {
			continue
		}
		if err := session.Mkdir(current); err != nil {
			// A concurrent creator is fine; anything else is not.
			if _, statErr := session.Stat(current); statErr == nil {
				continue
			}
			return fmt.Errorf("create remote directory %s: %w", current, err)
		}
	}
	return nil
}

func joinRemote(a, b string) string {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	switch {
	case a == "" && b == "":
		return "/"
	case a == "":
		return "/" + b
	case b == "":
		return "/" + a
	default:
		return "/" + a + "/" + b
	}
}

// DestinationFolder names the periodic delivery folder for a conversation
// ending at t: {year}/{two-digit month}-{abbreviated month}, e.g. "2025/03-Mar".
func DestinationFolder(t time.Time) string {
	return fmt.Sprintf("%d/%02d-%s", t.Year(), int(t.Month()), t.Format("Jan"))
}

// ScreenDestinationFolder names the delivery folder for merged screen
// recordings, kept separate from audio.
func ScreenDestinationFolder(t time.Time) string {
	return DestinationFolder(t) + "_Screen"
}

var _ Uploader = (*Client)(nil)
