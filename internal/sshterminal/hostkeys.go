package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyError is returned when a server presents a key that does not match
// the known_hosts entry, or an unknown key under strict checking.
type HostKeyError struct {
	Host        string
	Fingerprint string
	Unknown     bool
}

func (e *HostKeyError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("host key for %s is not trusted (%s)", e.Host, e.Fingerprint)
	}
	return fmt.Sprintf("host key mismatch for %s: got %s (possible MITM attack)", e.Host, e.Fingerprint)
}

// HostKeyPolicy builds the host key callback used for new sessions. With no
// KnownHostsPath every key is accepted. Otherwise keys are checked against
// the file; unknown hosts are rejected when Strict is set and appended to the
// file on first use when it is not.
type HostKeyPolicy struct {
	KnownHostsPath string
	Strict         bool
	Log            *zap.Logger
}

// Callback returns the ssh.HostKeyCallback for the policy.
func (p HostKeyPolicy) Callback() (ssh.HostKeyCallback, error) {
	if p.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	if err := ensureFile(p.KnownHostsPath); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(p.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	var mu sync.Mutex
	learned := make(map[string]string)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			log.Warn("host key mismatch", zap.String("host", hostname), zap.String("fingerprint", fp))
			return &HostKeyError{Host: hostname, Fingerprint: fp}
		}
		if p.Strict {
			return &HostKeyError{Host: hostname, Fingerprint: fp, Unknown: true}
		}

		mu.Lock()
		defer mu.Unlock()
		if prev, ok := learned[hostname]; ok {
			if prev == fp {
				return nil
			}
			return &HostKeyError{Host: hostname, Fingerprint: fp}
		}
		if err := appendKnownHost(p.KnownHostsPath, hostname, key); err != nil {
			return err
		}
		learned[hostname] = fp
		log.Info("trusted new host key", zap.String("host", hostname), zap.String("fingerprint", fp))
		return nil
	}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}
	return nil
}
