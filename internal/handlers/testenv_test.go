package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/metrics"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

const testKey = "cw_0x689RpI-jtRR7oE8h_eQsKImvJapLeSbXpwF4e4="

type testEnv struct {
	api    *API
	server *httptest.Server
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	codec, err := crypto.NewFernetCodecWithKey(testKey)
	require.NoError(t, err)
	store, err := tree.NewStore(context.Background(), database.NewTreeRepository(db), codec)
	require.NoError(t, err)

	hub := eventhub.New(4096, nil)
	opts := sshterminal.DefaultOptions()
	opts.ConnectTimeout = 5 * time.Second
	opts.KeepaliveInterval = 0
	mgr := sshterminal.NewManager(hub, opts, zap.NewNop())
	auditor := sshaudit.NewAuditor(db, 0, nil)
	auditor.Observe(mgr)
	m := metrics.New()
	m.Observe(mgr)
	t.Cleanup(func() { mgr.DisconnectAll() })

	api := &API{
		Store:    store,
		Sessions: mgr,
		Hub:      hub,
		Auditor:  auditor,
		Metrics:  m,
		DB:       db,
		Log:      zap.NewNop(),
		Token:    token,
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{api: api, server: srv}
}

// do sends a request and decodes the JSON response into a map.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

// startSSHServer runs a password-only SSH server that echoes shell input.
func startSSHServer(t *testing.T) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == "pw" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go serveSSH(c, config)
		}
	}()
	host, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func serveSSH(c net.Conn, config *ssh.ServerConfig) {
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
				ok := req.Type == "pty-req" || req.Type == "shell" || req.Type == "window-change"
				if req.WantReply {
					req.Reply(ok, nil)
				}
				if req.Type == "shell" {
					ch.Write([]byte("welcome\n"))
					go func() {
						buf := make([]byte, 1024)
						for {
							n, err := ch.Read(buf)
							if n > 0 {
								ch.Write(append([]byte("echo:"), buf[:n]...))
							}
							if err != nil {
								return
							}
						}
					}()
				}
			}
		}()
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
