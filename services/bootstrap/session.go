package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"biopoem/services/registry"
)

// Session is an open connection to one host.
type Session interface {
	// Run executes cmd through the remote shell and returns its combined output.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// Upload writes r to remotePath, replacing any existing file.
	Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host registry.Host) (Session, error)
}

// SSHDialer opens SSH sessions authenticated with a private key.
type SSHDialer struct {
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// NewSSHDialer loads the private key at keyFile and applies policy for host
// key verification.
func NewSSHDialer(keyFile string, policy HostKeyPolicy, knownHostsFile string) (*SSHDialer, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", keyFile, err)
	}
	callback, err := policy.Callback(knownHostsFile)
	if err != nil {
		return nil, err
	}
	return &SSHDialer{Signer: signer, HostKeyCallback: callback, Timeout: 30 * time.Second}, nil
}

func (d *SSHDialer) Dial(ctx context.Context, host registry.Host) (Session, error) {
	if d == nil || d.Signer == nil {
		return nil, errors.New("ssh dialer without key")
	}
	addr := host.Address()
	cfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.Signer)},
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.Timeout,
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err := <-done:
		return out.Bytes(), err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		return out.Bytes(), ctx.Err()
	}
}

func (s *sshSession) Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer client.Close()

	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	// Narrow the mode before any content lands in the file.
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
