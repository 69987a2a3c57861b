package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ExitError is returned by Exec when the remote command ran but exited
// with a non-zero status.
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command exited with status %d", e.Status)
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.Status, e.Stderr)
}

// Exec runs one command on a fresh connection and returns its stdout. It
// never touches the live session set. stdin, when non-nil, is streamed to
// the command and closed.
func Exec(ctx context.Context, cfg Config, opts Options, cmd string, stdin []byte) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	addr := cfg.address()
	clientCfg, err := cfg.clientConfig(opts.HostKeyCallback, opts.HandshakeTimeout)
	if err != nil {
		return nil, &TransportError{Category: CategoryAuthFailed, Host: addr, Err: err}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, execFailure(ctx, classify(addr, CategoryHostUnreachable, err))
	}
	// closing the conn unblocks both the handshake and the command
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if opts.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, execFailure(ctx, classify(addr, CategoryUnknown, err))
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, execFailure(ctx, classify(addr, CategoryChannelFailed, err))
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	if err := sess.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Status: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, execFailure(ctx, classify(addr, CategoryChannelFailed, err))
	}
	return stdout.Bytes(), nil
}

func execFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// Exec runs a one-off command with the manager's host key policy and
// timeouts. The whole exchange is bounded by the connect timeout.
func (m *Manager) Exec(ctx context.Context, cfg Config, cmd string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, m.opts.ConnectTimeout, ErrTimeout)
	defer cancel()
	out, err := Exec(ctx, cfg, m.opts, cmd, stdin)
	if err != nil {
		m.log.Info("ssh exec failed", zap.String("host", cfg.Host), zap.Error(err))
	}
	return out, err
}
