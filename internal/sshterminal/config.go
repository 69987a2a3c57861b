package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Terminal defaults and limits.
const (
	DefaultTermType = "xterm-256color"
	DefaultCols     = 80
	DefaultRows     = 24
	MaxTermCols     = 500
	MaxTermRows     = 200
)

// Bounded algorithm suite offered during the handshake.
var (
	KeyExchanges = []string{
		"curve25519-sha256",
		"ecdh-sha2-nistp256",
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha256",
	}
	Ciphers = []string{
		"aes128-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
	}
	MACs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
	}
)

// Config is everything needed to open one session. It is a value copy; the
// manager never refers back to where it came from.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	TermType   string `json:"termType,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Cols == 0 {
		c.Cols = DefaultCols
	}
	if c.Rows == 0 {
		c.Rows = DefaultRows
	}
	if c.TermType == "" {
		c.TermType = DefaultTermType
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if err := ValidateSize(c.Cols, c.Rows); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ValidateSize checks terminal dimensions against the allowed range.
func ValidateSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxTermCols || rows > MaxTermRows {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrInvalidSize, cols, rows, MaxTermCols, MaxTermRows)
	}
	return nil
}

// authMethods picks the auth method implied by the credential present:
// a password enables password and keyboard-interactive, otherwise the
// private key is used.
func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.Password != "" {
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}
	if c.PrivateKey != "" {
		signer, err := parseSigner([]byte(c.PrivateKey), c.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, errors.New("no password or private key provided")
}

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("private key is encrypted and no passphrase was given")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func (c Config) clientConfig(hostKeyCallback ssh.HostKeyCallback, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		Config: ssh.Config{
			KeyExchanges: KeyExchanges,
			Ciphers:      Ciphers,
			MACs:         MACs,
		},
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
