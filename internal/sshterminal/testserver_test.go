package sshterminal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tester"
	testPassword = "secret"
)

type testServer struct {
	addr     string
	host     string
	port     int
	clientPK string
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, priv
}

// startTestServer runs an in-process SSH server that accepts password and
// public key auth, supports PTY sessions and echoes shell input back with an
// "echo:" prefix. Input containing "exit" ends the shell with status 0 and
// input containing "err" is answered on stderr.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	return startTestServerWith(t, false)
}

// startSilentTestServer is startTestServer except that keepalive requests
// are never answered.
func startSilentTestServer(t *testing.T) *testServer {
	t.Helper()
	return startTestServerWith(t, true)
}

func startTestServerWith(t *testing.T, dropKeepalive bool) *testServer {
	t.Helper()

	hostSigner, _ := newSigner(t)
	clientSigner, clientPriv := newSigner(t)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientSigner.PublicKey()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, config, dropKeepalive)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		wg.Wait()
	})

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &testServer{
		addr:     listener.Addr().String(),
		host:     host,
		port:     port,
		clientPK: string(pem.EncodeToMemory(block)),
	}
}

func (s *testServer) passwordConfig() Config {
	return Config{Host: s.host, Port: s.port, Username: testUser, Password: testPassword}
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig, dropKeepalive bool) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	if dropKeepalive {
		go func() {
			for req := range reqs {
				if req.Type != "keepalive@openssh.com" && req.WantReply {
					req.Reply(false, nil)
				}
			}
		}()
	} else {
		go ssh.DiscardRequests(reqs)
	}

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.Write([]byte("welcome\n"))
			go echoShell(ch)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runTestCommand(ch, payload.Command)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			input := string(buf[:n])
			switch {
			case strings.Contains(input, "exit"):
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			case strings.Contains(input, "err"):
				ch.Stderr().Write([]byte("stderr:" + input))
			default:
				ch.Write([]byte("echo:" + input))
			}
		}
		if err != nil {
			return
		}
	}
}

// runTestCommand answers exec requests: "upper" echoes stdin in upper case,
// "fail" exits 3 with a message on stderr, anything else prints "ran:<cmd>".
func runTestCommand(ch ssh.Channel, cmd string) {
	status := uint32(0)
	switch cmd {
	case "upper":
		data, _ := io.ReadAll(ch)
		ch.Write([]byte(strings.ToUpper(string(data))))
	case "fail":
		ch.Stderr().Write([]byte("boom\n"))
		status = 3
	default:
		ch.Write([]byte("ran:" + cmd))
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}

// startBlackhole accepts TCP connections and never speaks SSH.
func startBlackhole(t *testing.T) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

type recordingSink struct {
	ch chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Event, 1024)}
}

func (r *recordingSink) Publish(ev Event) { r.ch <- ev }

// waitForOutput collects data events for id until the output contains want.
func (r *recordingSink) waitForOutput(t *testing.T, id, want string) string {
	t.Helper()
	var out strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.SessionID != id {
				continue
			}
			if ev.Type == EventClosed {
				t.Fatalf("session %s closed while waiting for %q (got %q)", id, want, out.String())
			}
			out.Write(ev.Data)
			if strings.Contains(out.String(), want) {
				return out.String()
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q from %s, got %q", want, id, out.String())
		}
	}
}

// waitClosed skips data events until the closed event for id arrives.
func (r *recordingSink) waitClosed(t *testing.T, id string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.SessionID == id && ev.Type == EventClosed {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for closed event from %s", id)
		}
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = 5 * time.Second
	opts.HandshakeTimeout = 5 * time.Second
	opts.KeepaliveInterval = 0
	return opts
}
