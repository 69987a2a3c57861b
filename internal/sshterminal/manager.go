package sshterminal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Options tunes a Manager.
type Options struct {
	// ConnectTimeout bounds the whole establishment, dial to Ready.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the SSH transport handshake alone.
	HandshakeTimeout   time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int
	HostKeyCallback    ssh.HostKeyCallback
	EventBuffer        int
	// RateLimit throttles connects per target; zero disables it.
	RateLimit RateLimitConfig
}

// DefaultOptions returns the standard timeouts.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     30 * time.Second,
		HandshakeTimeout:   20 * time.Second,
		KeepaliveInterval:  10 * time.Second,
		KeepaliveMaxMissed: 3,
		EventBuffer:        64,
	}
}

// Manager owns the live set of sessions keyed by caller-supplied id.
type Manager struct {
	opts    Options
	sink    Sink
	log     *zap.Logger
	limiter *RateLimiter

	mu       sync.Mutex
	sessions map[string]*Session

	cbMu      sync.RWMutex
	callbacks []StateCallback

	pumps sync.WaitGroup
}

// NewManager creates a manager that publishes session events to sink.
func NewManager(sink Sink, opts Options, log *zap.Logger) *Manager {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.KeepaliveMaxMissed <= 0 {
		opts.KeepaliveMaxMissed = def.KeepaliveMaxMissed
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if sink == nil {
		sink = discardSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		sink:     sink,
		log:      log.Named("sshterminal"),
		sessions: make(map[string]*Session),
	}
	if opts.RateLimit.enabled() {
		m.limiter = NewRateLimiter(opts.RateLimit)
	}
	return m
}

// OnStateChange registers a callback for every session state transition.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

func (m *Manager) emitStateChange(info Info, from, to State) {
	m.cbMu.RLock()
	cbs := make([]StateCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(info, from, to)
	}
}

// Connect opens a session and blocks until it is Ready, fails, or the
// connect timeout elapses. A failed session is never left in the live set.
func (m *Manager) Connect(ctx context.Context, id string, cfg Config) error {
	if id == "" {
		return fmt.Errorf("%w: session id is empty", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	s := newSession(id, cfg, m.opts, m.log, m.emitStateChange)
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	target := cfg.address()
	if m.limiter != nil {
		if err := m.limiter.Allow(target); err != nil {
			m.remove(id, s)
			m.log.Warn("ssh connect throttled", zap.String("session_id", id), zap.Error(err))
			return err
		}
	}

	ctx, cancel := context.WithTimeoutCause(ctx, m.opts.ConnectTimeout, ErrTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.establish(ctx) }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if s.fail(cause) {
			err = cause
		} else {
			// establishment resolved first
			err = <-result
		}
	}
	if err != nil {
		m.remove(id, s)
		m.log.Info("ssh connect failed", zap.String("session_id", id), zap.Error(err))
		if m.limiter != nil && m.limiter.RecordFailure(target) {
			m.log.Warn("ssh target blocked after repeated failures", zap.String("target", target))
		}
		return err
	}
	if m.limiter != nil {
		m.limiter.RecordSuccess(target)
	}

	m.pumps.Add(1)
	go m.pump(s)
	return nil
}

// pump forwards one session's events in order and drops the session from
// the live set once it closes.
func (m *Manager) pump(s *Session) {
	defer m.pumps.Done()
	for ev := range s.events {
		if ev.Type == EventClosed {
			m.remove(s.id, s)
		}
		m.sink.Publish(ev)
	}
}

func (m *Manager) remove(id string, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Disconnect closes the shell channel then the transport and removes the
// session. Unknown ids return ErrNotFound.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.closeWith("disconnected")
	return nil
}

// DisconnectAll tears down every live session without waiting on peers.
// It returns the number of sessions torn down.
func (m *Manager) DisconnectAll() int {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		go s.closeWith("shutdown")
	}
	if len(all) > 0 {
		m.log.Info("disconnecting all sessions", zap.Int("count", len(all)))
	}
	return len(all)
}

// Send writes data to the session's stdin.
func (m *Manager) Send(id string, data []byte) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return s.write(data)
}

// Resize changes the remote PTY size.
func (m *Manager) Resize(id string, cols, rows int) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return s.resize(cols, rows)
}

// Status returns a snapshot of one live session.
func (m *Manager) Status(id string) (Info, error) {
	s := m.get(id)
	if s == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Info(), nil
}

// List returns snapshots of all live sessions sorted by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RateLimitStatus reports throttling state for host:port. It is empty when
// rate limiting is off.
func (m *Manager) RateLimitStatus(host string, port int) RateLimitStatus {
	if m.limiter == nil {
		return RateLimitStatus{}
	}
	return m.limiter.Status(Config{Host: host, Port: port}.withDefaults().address())
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Wait blocks until every session's event stream has drained or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
