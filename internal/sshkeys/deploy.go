package sshkeys

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// Executor runs a single remote command. *sshterminal.Manager satisfies it.
type Executor interface {
	Exec(ctx context.Context, cfg sshterminal.Config, cmd string, stdin []byte) ([]byte, error)
}

// Deploy steps, reported in DeployError.
const (
	StepAppend = "append"
	StepVerify = "verify"
)

const (
	appendCommand = "umask 077; mkdir -p ~/.ssh && cat >> ~/.ssh/authorized_keys"
	verifyCommand = "true"
)

// DeployOptions tunes Deploy.
type DeployOptions struct {
	// Comment is stored after the key in authorized_keys.
	Comment string
	// Passphrase encrypts the generated private key.
	Passphrase string
	Log        *zap.Logger
}

// DeployError reports which step of a deploy failed.
type DeployError struct {
	Step       string
	Err        error
	RolledBack bool
}

func (e *DeployError) Error() string {
	msg := fmt.Sprintf("deploy key: %s: %v", e.Step, e.Err)
	if e.Step == StepVerify && !e.RolledBack {
		msg += " (the new key may still be listed in authorized_keys)"
	}
	return msg
}

func (e *DeployError) Unwrap() error { return e.Err }

// Deploy generates a key pair, installs its public half on the host cfg
// points at, and proves it works by logging in with it. cfg must carry
// credentials the host currently accepts. On a failed proof the installed
// line is removed again.
func Deploy(ctx context.Context, ex Executor, cfg sshterminal.Config, opts DeployOptions) (KeyPair, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("host", cfg.Host), zap.String("username", cfg.Username))

	kp, err := GenerateKeyPair(opts.Comment, opts.Passphrase)
	if err != nil {
		return KeyPair{}, err
	}

	if _, err := ex.Exec(ctx, cfg, appendCommand, []byte(kp.PublicKey)); err != nil {
		log.Warn("key deploy: append failed", zap.Error(err))
		return KeyPair{}, &DeployError{Step: StepAppend, Err: err}
	}

	withKey := cfg
	withKey.Password = ""
	withKey.PrivateKey = kp.PrivateKey
	withKey.Passphrase = opts.Passphrase
	if _, err := ex.Exec(ctx, withKey, verifyCommand, nil); err != nil {
		log.Warn("key deploy: new key rejected, rolling back", zap.String("fingerprint", kp.Fingerprint), zap.Error(err))
		derr := &DeployError{Step: StepVerify, Err: err}
		// the caller's ctx may be what failed the check
		if _, rbErr := ex.Exec(context.WithoutCancel(ctx), cfg, removeCommand(kp.PublicKey), nil); rbErr != nil {
			log.Error("key deploy: rollback failed", zap.String("fingerprint", kp.Fingerprint), zap.Error(rbErr))
		} else {
			derr.RolledBack = true
		}
		return KeyPair{}, derr
	}

	log.Info("key deployed", zap.String("fingerprint", kp.Fingerprint))
	return kp, nil
}

// removeCommand rewrites authorized_keys without the line holding the key.
// The base64 blob never contains a quote.
func removeCommand(publicKey string) string {
	return fmt.Sprintf(`umask 077; f=~/.ssh/authorized_keys; { grep -vF '%s' "$f" || true; } > "$f.sshdeck" && mv "$f.sshdeck" "$f"`, keyBlob(publicKey))
}
