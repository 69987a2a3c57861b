package sshaudit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/logging"
)

// Event types recorded for sessions.
const (
	EventConnectRequested = "connect_requested"
	EventSessionOpened    = "session_opened"
	EventSessionFailed    = "session_failed"
	EventSessionClosed    = "session_closed"
	EventHostKeyRejected  = "host_key_rejected"
	EventKeyDeployed      = "key_deployed"
	EventKeyDeployFailed  = "key_deploy_failed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	SessionID  string
	EventType  string
	Host       string
	Port       int
	Username   string
	SourceIP   string
	Details    string
	DurationMs int64
	BytesIn    int64
	BytesOut   int64
}

// Auditor records session audit events to the database and the logger.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	log           *zap.Logger
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int, log *zap.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{
		db:            db,
		log:           log.Named("ssh-audit"),
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event.
func (a *Auditor) Log(entry AuditEntry) error {
	a.mu.RLock()
	now := a.nowFn()
	a.mu.RUnlock()

	record := database.SessionAuditLog{
		SessionID:  entry.SessionID,
		EventType:  entry.EventType,
		Host:       entry.Host,
		Port:       entry.Port,
		Username:   entry.Username,
		SourceIP:   entry.SourceIP,
		Details:    entry.Details,
		DurationMs: entry.DurationMs,
		BytesIn:    entry.BytesIn,
		BytesOut:   entry.BytesOut,
		CreatedAt:  now,
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.log.Error("failed to write audit log", zap.Error(err))
		return err
	}

	a.log.Info(entry.EventType,
		zap.String("session_id", logging.Sanitize(entry.SessionID)),
		zap.String("host", entry.Host),
		zap.Int("port", entry.Port),
		zap.String("username", logging.Sanitize(entry.Username)),
		zap.String("details", logging.Sanitize(entry.Details)),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	EventType string
	Host      string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.SessionAuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or than the configured
// retention when days is not positive. Returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	a.mu.RLock()
	cutoff := a.nowFn().AddDate(0, 0, -days)
	a.mu.RUnlock()

	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	if result.Error != nil {
		a.log.Error("purge failed", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info("purged audit log entries", zap.Int64("count", result.RowsAffected), zap.Int("older_than_days", days))
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	a.nowFn = fn
	a.mu.Unlock()
}
