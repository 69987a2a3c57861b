package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const readBufferSize = 32 * 1024

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	ConnectedAt  time.Time `json:"connectedAt,omitzero"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
	BytesIn      int64     `json:"bytesIn"`
	BytesOut     int64     `json:"bytesOut"`
	Reason       string    `json:"reason,omitempty"`
	// Category classifies the failure of a Failed session.
	Category Category `json:"category,omitempty"`
}

// Traffic formats the byte counters for display.
func (i Info) Traffic() string {
	return fmt.Sprintf("%s in / %s out", units.HumanSize(float64(i.BytesIn)), units.HumanSize(float64(i.BytesOut)))
}

// Session is one remote shell. All state changes go through transition so a
// terminal state is never left.
type Session struct {
	id     string
	cfg    Config
	opts   Options
	log    *zap.Logger
	notify StateCallback

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	connectedAt  time.Time
	lastActivity time.Time
	reason       string
	failErr      error
	conn         net.Conn
	client       *ssh.Client
	shell        *ssh.Session
	stdin        io.WriteCloser
	stdout       *io.PipeReader

	writeMu  sync.Mutex
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	events      chan Event
	stop        chan struct{}
	releaseOnce sync.Once
	finishOnce  sync.Once
}

func newSession(id string, cfg Config, opts Options, log *zap.Logger, notify StateCallback) *Session {
	return &Session{
		id:        id,
		cfg:       cfg,
		opts:      opts,
		log:       log.With(zap.String("session_id", id), zap.String("host", cfg.address())),
		notify:    notify,
		state:     StateCreated,
		createdAt: time.Now(),
		events:    make(chan Event, opts.EventBuffer),
		stop:      make(chan struct{}),
	}
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:           s.id,
		Host:         s.cfg.Host,
		Port:         s.cfg.Port,
		Username:     s.cfg.Username,
		State:        s.state,
		CreatedAt:    s.createdAt,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		Reason:       s.reason,
		Category:     failureCategory(s.failErr),
	}
}

func failureCategory(err error) Category {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryUnknown
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to the given state if allowed, running apply
// under the lock. Listeners are notified after the lock is released.
func (s *Session) transition(to State, apply func()) bool {
	s.mu.Lock()
	from := s.state
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if apply != nil {
		apply()
	}
	info := s.infoLocked()
	s.mu.Unlock()

	s.log.Debug("session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.notify != nil {
		s.notify(info, from, to)
	}
	return true
}

// attach stores a resource unless the session was already torn down.
func (s *Session) attach(apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	apply()
	return true
}

// establish drives the session from Created to Ready. On failure the session
// is marked Failed and the first recorded error is returned.
func (s *Session) establish(ctx context.Context) error {
	addr := s.cfg.address()
	if !s.transition(StateConnecting, nil) {
		return s.failure(ErrAborted)
	}

	clientCfg, err := s.cfg.clientConfig(s.opts.HostKeyCallback, s.opts.HandshakeTimeout)
	if err != nil {
		return s.abort(ctx, &TransportError{Category: CategoryAuthFailed, Host: addr, Err: err})
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.abort(ctx, classify(addr, CategoryHostUnreachable, err))
	}
	if !s.attach(func() { s.conn = conn }) {
		conn.Close()
		return s.failure(ErrAborted)
	}

	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		return s.abort(ctx, classify(addr, CategoryUnknown, err))
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	if !s.transition(StateShellRequested, func() { s.client = client }) {
		client.Close()
		return s.failure(ErrAborted)
	}

	shell, err := client.NewSession()
	if err != nil {
		return s.abort(ctx, classify(addr, CategoryChannelFailed, err))
	}
	if !s.attach(func() { s.shell = shell }) {
		shell.Close()
		return s.failure(ErrAborted)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := shell.RequestPty(s.cfg.TermType, s.cfg.Rows, s.cfg.Cols, modes); err != nil {
		return s.abort(ctx, classify(addr, CategoryChannelFailed, fmt.Errorf("request pty: %w", err)))
	}
	stdin, err := shell.StdinPipe()
	if err != nil {
		return s.abort(ctx, classify(addr, CategoryChannelFailed, fmt.Errorf("stdin pipe: %w", err)))
	}
	// stdout and stderr share one pipe so the reader sees a single ordered stream.
	pr, pw := io.Pipe()
	shell.Stdout = pw
	shell.Stderr = pw
	if err := shell.Shell(); err != nil {
		return s.abort(ctx, classify(addr, CategoryChannelFailed, fmt.Errorf("start shell: %w", err)))
	}

	ready := s.transition(StateReady, func() {
		now := time.Now()
		s.connectedAt = now
		s.lastActivity = now
		s.stdin = stdin
		s.stdout = pr
	})
	if !ready {
		pw.Close()
		return s.failure(ErrAborted)
	}
	s.log.Info("ssh session ready", zap.String("username", s.cfg.Username))

	go s.waitShell(shell, pw)
	go s.readLoop(pr)
	go s.keepalive(client)
	return nil
}

// abort fails the session with err, or with the context cause when the
// establishment window has already closed.
func (s *Session) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	s.fail(err)
	return s.failure(err)
}

// fail moves a session that is not yet Ready to Failed. Only the first
// failure is recorded.
func (s *Session) fail(err error) bool {
	ok := s.transition(StateFailed, func() {
		s.failErr = err
		s.reason = err.Error()
	})
	if ok {
		s.log.Warn("ssh session failed", zap.Error(err))
		s.release()
	}
	return ok
}

func (s *Session) failure(fallback error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return fallback
}

// closeWith tears the session down regardless of its current state.
func (s *Session) closeWith(reason string) {
	for {
		if s.transition(StateClosed, func() { s.reason = reason }) {
			s.release()
			return
		}
		if s.fail(ErrAborted) {
			return
		}
		if s.State().IsTerminal() {
			return
		}
	}
}

// release closes the shell channel then the transport.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		stdin, shell, client, conn := s.stdin, s.shell, s.client, s.conn
		s.mu.Unlock()
		if stdin != nil {
			stdin.Close()
		}
		if shell != nil {
			shell.Close()
		}
		if client != nil {
			client.Close()
		}
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Session) waitShell(shell *ssh.Session, pw *io.PipeWriter) {
	err := shell.Wait()
	reason := "remote closed"
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		reason = "exited"
	case errors.As(err, &exitErr):
		reason = fmt.Sprintf("exited with status %d", exitErr.ExitStatus())
	case errors.As(err, &missing):
		reason = "channel closed"
	}
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	pw.Close()
}

// readLoop is the only sender on s.events.
func (s *Session) readLoop(r io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.bytesIn.Add(int64(n))
			s.touch()
			s.events <- Event{Type: EventData, SessionID: s.id, Data: chunk}
		}
		if err != nil {
			break
		}
	}
	s.finish()
}

// finish emits the single closed event and ends the event stream.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.transition(StateClosed, func() {
			if s.reason == "" {
				s.reason = "remote closed"
			}
		})
		s.release()
		info := s.Info()
		s.log.Info("ssh session closed", zap.String("reason", info.Reason), zap.String("traffic", info.Traffic()))
		s.events <- Event{Type: EventClosed, SessionID: s.id, Reason: info.Reason}
		close(s.events)
	})
}

func (s *Session) keepalive(client *ssh.Client) {
	interval := s.opts.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if err := s.ping(client, interval); err != nil {
			missed++
			s.log.Debug("keepalive missed", zap.Int("missed", missed), zap.Error(err))
			if missed >= s.opts.KeepaliveMaxMissed {
				s.log.Warn("keepalive limit reached, closing session", zap.Int("missed", missed))
				s.closeWith("keepalive timeout")
				return
			}
			continue
		}
		missed = 0
	}
}

func (s *Session) ping(client *ssh.Client, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return ErrTimeout
	case <-s.stop:
		return nil
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotConnected
	}
	stdin := s.stdin
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := stdin.Write(data)
	s.bytesOut.Add(int64(n))
	if err != nil {
		return fmt.Errorf("write to session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotConnected
	}
	shell := s.shell
	s.mu.Unlock()
	if err := shell.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("resize session %s: %w", s.id, err)
	}
	return nil
}
