package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// startShellHost runs an SSH server whose shell stays open until the
// client goes away.
func startShellHost(t *testing.T) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == "pw" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := ssh.NewServerConn(c, config)
				if err != nil {
					c.Close()
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for nc := range chans {
					ch, requests, err := nc.Accept()
					if err != nil {
						continue
					}
					go func() {
						defer ch.Close()
						for req := range requests {
							if req.WantReply {
								req.Reply(req.Type == "pty-req" || req.Type == "shell", nil)
							}
						}
					}()
				}
			}()
		}
	}()
	host, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func testSettings(t *testing.T) config.Settings {
	return config.Settings{
		DataPath:           t.TempDir(),
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		KeepaliveMaxMissed: 3,
		ScrollbackBytes:    4096,
		AuditRetentionDays: 30,
	}
}

func TestShutdown_WaitsForSessionsServeAlreadyClosed(t *testing.T) {
	host, port := startShellHost(t)
	cfg := testSettings(t)
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	target := sshterminal.Config{Host: host, Port: port, Username: "u", Password: "pw"}
	for _, id := range []string{"a", "b"} {
		require.NoError(t, a.sessions.Connect(context.Background(), id, target))
	}

	// serve empties the live set before the HTTP server stops.
	require.Equal(t, 2, a.sessions.DisconnectAll())
	a.shutdown(5 * time.Second)

	db, err := database.Open(cfg.DBPath())
	require.NoError(t, err)
	defer database.Close(db)

	var closed []database.SessionAuditLog
	require.NoError(t, db.Where("event_type = ?", sshaudit.EventSessionClosed).Order("session_id").Find(&closed).Error)
	require.Len(t, closed, 2)
	for i, id := range []string{"a", "b"} {
		assert.Equal(t, id, closed[i].SessionID)
		assert.Equal(t, "shutdown", closed[i].Details)
	}
	assert.Equal(t, 0, a.sessions.Count())
}
