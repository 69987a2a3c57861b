package sshterminal

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when a target has seen too many connect
// attempts or too many failures in a row.
var ErrRateLimited = errors.New("too many connection attempts")

// RateLimitConfig bounds connect attempts per target (host:port). A zero
// field disables that check.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func (c RateLimitConfig) enabled() bool {
	return c.MaxAttemptsPerMinute > 0 || c.MaxConsecFailures > 0
}

type targetRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks attempts in a one-minute sliding window and blocks a
// target for BlockDuration after MaxConsecFailures failures in a row.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*targetRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*targetRateState),
		nowFn:  time.Now,
	}
}

func targetKey(target string) string {
	return strings.ToLower(target)
}

// Allow records an attempt for target or reports why it is refused.
func (rl *RateLimiter) Allow(target string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreate(target)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("%w: %s blocked for %s after %d consecutive failures",
			ErrRateLimited, target, remaining, s.consecFailures)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if limit := rl.config.MaxAttemptsPerMinute; limit > 0 && len(s.attempts) >= limit {
		return fmt.Errorf("%w: %s had %d attempts in the last minute (max %d)",
			ErrRateLimited, target, len(s.attempts), limit)
	}
	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block.
func (rl *RateLimiter) RecordSuccess(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.getOrCreate(target)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak and reports whether the target
// is now blocked.
func (rl *RateLimiter) RecordFailure(target string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.getOrCreate(target)
	s.consecFailures++
	if limit := rl.config.MaxConsecFailures; limit > 0 && s.consecFailures >= limit {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		return true
	}
	return false
}

// RateLimitStatus is the limiter view of one target.
type RateLimitStatus struct {
	RecentAttempts int        `json:"recentAttempts"`
	ConsecFailures int        `json:"consecFailures"`
	Blocked        bool       `json:"blocked"`
	BlockedUntil   *time.Time `json:"blockedUntil,omitempty"`
}

func (rl *RateLimiter) Status(target string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.state[targetKey(target)]
	if !ok {
		return RateLimitStatus{}
	}
	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	st := RateLimitStatus{ConsecFailures: s.consecFailures}
	for _, t := range s.attempts {
		if t.After(cutoff) {
			st.RecentAttempts++
		}
	}
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		st.Blocked, st.BlockedUntil = true, &bu
	}
	return st
}

// Reset forgets everything about target.
func (rl *RateLimiter) Reset(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, targetKey(target))
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreate(target string) *targetRateState {
	key := targetKey(target)
	s, ok := rl.state[key]
	if !ok {
		s = &targetRateState{}
		rl.state[key] = s
	}
	return s
}
