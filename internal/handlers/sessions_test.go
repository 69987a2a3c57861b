package handlers

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sshdeck/internal/sshaudit"
)

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)

	status, body := env.do(t, "POST", "/api/v1/sessions/s1/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "pw",
	})
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, "s1", body["connectionId"])

	status, _ = env.do(t, "POST", "/api/v1/sessions/s1/send", map[string]interface{}{"data": "hi"})
	require.Equal(t, http.StatusOK, status)

	encoded := base64.StdEncoding.EncodeToString([]byte("bin"))
	status, _ = env.do(t, "POST", "/api/v1/sessions/s1/send", map[string]interface{}{"data": encoded, "encoding": "base64"})
	require.Equal(t, http.StatusOK, status)

	waitFor(t, func() bool {
		data, ok := env.api.Hub.Scrollback("s1")
		return ok && strings.Contains(string(data), "echo:hi") && strings.Contains(string(data), "echo:bin")
	})

	status, _ = env.do(t, "POST", "/api/v1/sessions/s1/resize", map[string]interface{}{"cols": 120, "rows": 40})
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, "POST", "/api/v1/sessions/s1/resize", map[string]interface{}{"cols": 0, "rows": 40})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["code"])

	status, body = env.do(t, "GET", "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, status)
	sess := body["session"].(map[string]interface{})
	assert.Equal(t, "ready", sess["state"])
	assert.NotEmpty(t, body["traffic"])

	status, body = env.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["sessions"], 1)

	status, body = env.do(t, "GET", "/api/v1/sessions/s1/scrollback?format=json", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["closed"])

	status, body = env.do(t, "POST", "/api/v1/sessions/s1/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "pw",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_id", body["code"])

	status, _ = env.do(t, "DELETE", "/api/v1/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, "DELETE", "/api/v1/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = env.do(t, "POST", "/api/v1/sessions/s1/send", map[string]interface{}{"data": "late"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_connected", body["code"])

	// output stays readable after the session closes
	waitFor(t, func() bool { return env.api.Hub.ScrollbackClosed("s1") })
	status, body = env.do(t, "GET", "/api/v1/sessions/s1/scrollback?format=json", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["closed"])
	raw, err := base64.StdEncoding.DecodeString(body["data"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "welcome")

	waitFor(t, func() bool {
		res, err := env.api.Auditor.Query(sshaudit.QueryOptions{SessionID: "s1", EventType: sshaudit.EventSessionClosed})
		return err == nil && res.Total == 1
	})
}

func TestConnectRefused(t *testing.T) {
	env := newTestEnv(t, "")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	status, body := env.do(t, "POST", "/api/v1/sessions/r1/connect", map[string]interface{}{
		"host": "127.0.0.1", "port": port, "username": "u", "password": "pw",
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "transport", body["code"])
	assert.Equal(t, "connection_refused", body["category"])

	status, _ = env.do(t, "GET", "/api/v1/sessions/r1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConnectAuthFailed(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)

	status, body := env.do(t, "POST", "/api/v1/sessions/a1/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "wrong",
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "auth_failed", body["category"])
}

func TestConnectInvalidConfig(t *testing.T) {
	env := newTestEnv(t, "")
	status, body := env.do(t, "POST", "/api/v1/sessions/v1/connect", map[string]interface{}{"port": 22})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["code"])
}

func TestConnectProfile(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)

	_, body := env.do(t, "POST", "/api/v1/profiles", map[string]interface{}{
		"name": "local", "host": host, "port": port, "username": "u", "password": "pw",
	})
	pid := body["connection"].(map[string]interface{})["id"].(string)

	status, body := env.do(t, "POST", "/api/v1/profiles/"+pid+"/connect", map[string]interface{}{"sessionId": "p1"})
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, "p1", body["connectionId"])

	status, _ = env.do(t, "POST", "/api/v1/profiles/missing/connect", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSendRawBody(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)
	status, _ := env.do(t, "POST", "/api/v1/sessions/raw/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "pw",
	})
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Post(env.server.URL+"/api/v1/sessions/raw/send", "application/octet-stream", strings.NewReader("plain"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	waitFor(t, func() bool {
		data, _ := env.api.Hub.Scrollback("raw")
		return strings.Contains(string(data), "echo:plain")
	})

	resp, err = http.Post(env.server.URL+"/api/v1/sessions/raw/send", "application/octet-stream",
		strings.NewReader(strings.Repeat("x", MaxInputMessageSize+1)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTerminalWebSocket(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)
	status, _ := env.do(t, "POST", "/api/v1/sessions/t1/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "pw",
	})
	require.Equal(t, http.StatusOK, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/sessions/t1/terminal"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Contains(t, string(data), "session_info")

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte("ws")))

	var got strings.Builder
	for !strings.Contains(got.String(), "echo:ws") {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		if typ == websocket.MessageBinary {
			got.Write(data)
		}
	}

	// the socket closes once the session ends
	require.NoError(t, env.api.Sessions.Disconnect("t1"))
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
}

func TestTerminalRequiresLiveSession(t *testing.T) {
	env := newTestEnv(t, "")
	status, body := env.do(t, "GET", "/api/v1/sessions/none/terminal", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestEnv(t, "")
	host, port := startSSHServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/events?session=e1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	waitFor(t, func() bool { return env.api.Hub.Subscribers() == 1 })

	status, _ := env.do(t, "POST", "/api/v1/sessions/e1/connect", map[string]interface{}{
		"host": host, "port": port, "username": "u", "password": "pw",
	})
	require.Equal(t, http.StatusOK, status)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId":"e1"`)
}
