package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated client key.
type KeyPair struct {
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	Fingerprint string `json:"fingerprint"`
}

// GenerateKeyPair generates an ED25519 key pair. The public key is returned
// as a single authorized_keys line carrying comment. A non-empty passphrase
// encrypts the private key.
func GenerateKeyPair(comment, passphrase string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
		if err != nil {
			return KeyPair{}, fmt.Errorf("marshal private key: %w", err)
		}
	} else {
		privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return KeyPair{}, fmt.Errorf("marshal private key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("create ssh public key: %w", err)
	}

	return KeyPair{
		PublicKey:   authorizedLine(sshPub, comment),
		PrivateKey:  string(pem.EncodeToMemory(block)),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer,
// decrypting it with passphrase when one is given.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(privateKeyPEM)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// PublicKeyFor derives the authorized_keys line for a private key.
func PublicKeyFor(privateKeyPEM []byte, passphrase string) (string, error) {
	signer, err := ParsePrivateKey(privateKeyPEM, passphrase)
	if err != nil {
		return "", err
	}
	return authorizedLine(signer.PublicKey(), ""), nil
}

func authorizedLine(key ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if comment = strings.Join(strings.Fields(comment), "_"); comment != "" {
		line += " " + comment
	}
	return line + "\n"
}

// keyBlob returns the base64 field of an authorized_keys line.
func keyBlob(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
