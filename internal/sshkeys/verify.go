package sshkeys

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError means two keys expected to be the same are not.
type FingerprintMismatchError struct {
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("key fingerprint is %s, expected %s", e.Actual, e.Expected)
}

// KeyInfo describes a public key.
type KeyInfo struct {
	Algorithm   string `json:"algorithm"`
	Fingerprint string `json:"fingerprint"`
	Comment     string `json:"comment,omitempty"`
}

// Describe parses one authorized_keys line.
func Describe(line []byte) (KeyInfo, error) {
	if len(line) == 0 {
		return KeyInfo{}, errors.New("describe key: public key is empty")
	}
	key, comment, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("describe key: %w", err)
	}
	return KeyInfo{
		Algorithm:   key.Type(),
		Fingerprint: ssh.FingerprintSHA256(key),
		Comment:     comment,
	}, nil
}

// MatchFingerprint checks line against a SHA256 fingerprint. An empty want
// matches anything.
func MatchFingerprint(line []byte, want string) error {
	if want == "" {
		return nil
	}
	info, err := Describe(line)
	if err != nil {
		return err
	}
	if info.Fingerprint != want {
		return &FingerprintMismatchError{Expected: want, Actual: info.Fingerprint}
	}
	return nil
}
