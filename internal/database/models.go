package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProfileRecord is a stored connection profile. Credential columns hold
// codec output, never clear text.
type ProfileRecord struct {
	ID          string    `gorm:"primaryKey"`
	Name        string    `gorm:"not null"`
	Host        string    `gorm:"not null"`
	Port        int       `gorm:"not null"`
	Username    string
	Password    string
	PrivateKey  string
	Passphrase  string
	Encrypted   bool
	FolderID    *string `gorm:"index"`
	SortOrder   int
	Description string
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (ProfileRecord) TableName() string { return "profiles" }

type FolderRecord struct {
	ID        string  `gorm:"primaryKey"`
	Name      string  `gorm:"not null"`
	ParentID  *string `gorm:"index"`
	SortOrder int
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (FolderRecord) TableName() string { return "folders" }

type SessionAuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;not null" json:"session_id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Details    string    `json:"details"`
	DurationMs int64     `json:"duration_ms"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
