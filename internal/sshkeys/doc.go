// Package sshkeys generates client key pairs and installs them on the hosts
// a profile points at.
//
// # Key Lifecycle
//
// 1. Generation: [GenerateKeyPair] creates an ED25519 key pair. The public
// half is an authorized_keys line, the private half is PEM (PKCS#8, or the
// OpenSSH format when a passphrase is set).
//
// 2. Deployment: [Deploy] appends the public key to the remote user's
// ~/.ssh/authorized_keys using the profile's current credentials, then logs
// in again with the new key. If that second login fails the appended line is
// removed so the host is left as it was.
//
// 3. Verification: [Describe] and [MatchFingerprint] compare
// keys by their SHA256 fingerprint.
//
// # Usage
//
//	kp, err := sshkeys.Deploy(ctx, manager, cfg, sshkeys.DeployOptions{Comment: "laptop"})
//	if err != nil {
//	    var de *sshkeys.DeployError
//	    if errors.As(err, &de) && de.RolledBack { ... }
//	}
//	profile.PrivateKey = kp.PrivateKey
package sshkeys
