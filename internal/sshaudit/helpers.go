package sshaudit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// Observe records opened, failed and closed events for every session of m.
func (a *Auditor) Observe(m *sshterminal.Manager) {
	m.OnStateChange(func(info sshterminal.Info, from, to sshterminal.State) {
		entry := AuditEntry{
			SessionID: info.ID,
			Host:      info.Host,
			Port:      info.Port,
			Username:  info.Username,
		}
		switch to {
		case sshterminal.StateReady:
			entry.EventType = EventSessionOpened
		case sshterminal.StateFailed:
			entry.EventType = EventSessionFailed
			entry.Details = info.Reason
			if info.Category == sshterminal.CategoryHostKeyMismatch {
				entry.EventType = EventHostKeyRejected
			}
		case sshterminal.StateClosed:
			entry.EventType = EventSessionClosed
			entry.Details = info.Reason
			entry.BytesIn = info.BytesIn
			entry.BytesOut = info.BytesOut
			if !info.ConnectedAt.IsZero() {
				entry.DurationMs = a.now().Sub(info.ConnectedAt).Milliseconds()
			}
		default:
			return
		}
		a.Log(entry)
	})
}

// LogConnectRequest records an incoming connect request before the
// session exists.
func (a *Auditor) LogConnectRequest(sessionID string, cfg sshterminal.Config, sourceIP string) error {
	return a.Log(AuditEntry{
		SessionID: sessionID,
		EventType: EventConnectRequested,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		SourceIP:  sourceIP,
	})
}

// LogFailure records a connect that failed before a session ever existed,
// such as a rejected duplicate id.
func (a *Auditor) LogFailure(sessionID string, cfg sshterminal.Config, err error) error {
	if err == nil || errors.Is(err, sshterminal.ErrInvalidConfig) {
		return nil
	}
	return a.Log(AuditEntry{
		SessionID: sessionID,
		EventType: EventSessionFailed,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Details:   err.Error(),
	})
}

// LogKeyDeploy records the outcome of installing a generated key on a host.
// The profile id is stored in the session id column.
func (a *Auditor) LogKeyDeploy(profileID string, cfg sshterminal.Config, fingerprint, sourceIP string, err error) error {
	entry := AuditEntry{
		SessionID: profileID,
		EventType: EventKeyDeployed,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		SourceIP:  sourceIP,
		Details:   fingerprint,
	}
	if err != nil {
		entry.EventType = EventKeyDeployFailed
		entry.Details = err.Error()
	}
	return a.Log(entry)
}

func (a *Auditor) now() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nowFn()
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
