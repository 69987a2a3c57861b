package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8022"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	// AllowedIPs is a comma-separated list of IPs and CIDRs allowed to call the API.
	AllowedIPs   string `envconfig:"ALLOWED_IPS" default:""`

	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE" default:""`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE" default:""`

	LogPath        string `envconfig:"LOG_PATH" default:""`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`

	// Session settings
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	HandshakeTimeout    time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"20s"`
	KeepaliveInterval   time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"10s"`
	KeepaliveMaxMissed  int           `envconfig:"KEEPALIVE_MAX_MISSED" default:"3"`
	KnownHostsPath      string        `envconfig:"KNOWN_HOSTS_PATH" default:""`
	StrictHostKeys      bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`
	ScrollbackBytes     int           `envconfig:"SCROLLBACK_BYTES" default:"65536"`
	ConnectPerMinute    int           `envconfig:"CONNECT_ATTEMPTS_PER_MINUTE" default:"10"`
	ConnectMaxFailures  int           `envconfig:"CONNECT_MAX_FAILURES" default:"5"`
	ConnectBlockFor     time.Duration `envconfig:"CONNECT_BLOCK_DURATION" default:"5m"`
	// ScrollbackRetention is how long output of a closed session stays readable.
	ScrollbackRetention time.Duration `envconfig:"SCROLLBACK_RETENTION" default:"1h"`

	CredentialKey string `envconfig:"CREDENTIAL_KEY" default:""`

	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 1h"`
	BackupSchedule      string `envconfig:"BACKUP_SCHEDULE" default:"@daily"`
}

var Cfg Settings

// Load reads SSHDECK_* environment variables into Cfg.
func Load() error {
	var s Settings
	if err := envconfig.Process("SSHDECK", &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

func (s Settings) validate() error {
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("config: CONNECT_TIMEOUT must be positive, got %s", s.ConnectTimeout)
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: HANDSHAKE_TIMEOUT must be positive, got %s", s.HandshakeTimeout)
	}
	if s.KeepaliveInterval < 0 {
		return fmt.Errorf("config: KEEPALIVE_INTERVAL must not be negative, got %s", s.KeepaliveInterval)
	}
	if s.ScrollbackBytes < 0 {
		return fmt.Errorf("config: SCROLLBACK_BYTES must not be negative, got %d", s.ScrollbackBytes)
	}
	if s.ScrollbackRetention < 0 {
		return fmt.Errorf("config: SCROLLBACK_RETENTION must not be negative, got %s", s.ScrollbackRetention)
	}
	if s.ConnectPerMinute < 0 || s.ConnectMaxFailures < 0 || s.ConnectBlockFor < 0 {
		return fmt.Errorf("config: connect limits must not be negative")
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// DBPath returns the sqlite database location.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sshdeck.db")
}

// LogFilePath returns the log file location.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sshdeck.log")
}

// BackupPath returns where the scheduled backup bundle is written.
func (s Settings) BackupPath() string {
	return filepath.Join(s.DataPath, "backups", "sshdeck-backup.json")
}
