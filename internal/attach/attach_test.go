package attach

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// echoSessions publishes every input back through the hub as output.
type echoSessions struct {
	hub *eventhub.Hub

	mu      sync.Mutex
	sent    bytes.Buffer
	resizes [][2]int
}

func (e *echoSessions) Send(id string, data []byte) error {
	e.mu.Lock()
	e.sent.Write(data)
	e.mu.Unlock()
	e.hub.Publish(sshterminal.Event{Type: sshterminal.EventData, SessionID: id, Data: append([]byte("echo:"), data...)})
	return nil
}

func (e *echoSessions) Resize(id string, cols, rows int) error {
	e.mu.Lock()
	e.resizes = append(e.resizes, [2]int{cols, rows})
	e.mu.Unlock()
	return nil
}

func (e *echoSessions) snapshot() (string, [][2]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent.String(), append([][2]int(nil), e.resizes...)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunEndsWhenSessionCloses(t *testing.T) {
	hub := eventhub.New(1024, nil)
	hub.Publish(sshterminal.Event{Type: sshterminal.EventData, SessionID: "s", Data: []byte("motd\n")})
	sessions := &echoSessions{hub: hub}

	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}

	done := make(chan Result, 1)
	go func() {
		res, err := Run(context.Background(), sessions, hub, "s", inR, out, Options{Escape: DefaultEscape, Replay: true})
		assert.NoError(t, err)
		done <- res
	}()

	_, err := inW.Write([]byte("ls"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "echo:ls") }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(sshterminal.Event{Type: sshterminal.EventClosed, SessionID: "s", Reason: "exited"})
	select {
	case res := <-done:
		assert.False(t, res.Detached)
		assert.Equal(t, "exited", res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
	assert.True(t, strings.HasPrefix(out.String(), "motd\n"))
}

func TestRunDetachesOnEscape(t *testing.T) {
	hub := eventhub.New(1024, nil)
	sessions := &echoSessions{hub: hub}

	in := strings.NewReader("pwd\x1dignored")
	res, err := Run(context.Background(), sessions, hub, "s", in, io.Discard, Options{Escape: DefaultEscape})
	require.NoError(t, err)
	assert.True(t, res.Detached)
	assert.Equal(t, "detached", res.Reason)

	sent, _ := sessions.snapshot()
	assert.Equal(t, "pwd", sent)
}

func TestRunForwardsSizeChanges(t *testing.T) {
	hub := eventhub.New(1024, nil)
	sessions := &echoSessions{hub: hub}

	var mu sync.Mutex
	cols, rows := 100, 30
	size := func() (int, int, error) {
		mu.Lock()
		defer mu.Unlock()
		return cols, rows, nil
	}

	inR, inW := io.Pipe()
	defer inW.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, sessions, hub, "s", inR, io.Discard, Options{Size: size, SizePoll: 10 * time.Millisecond})
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, rs := sessions.snapshot()
		return len(rs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	cols, rows = 900, 50
	mu.Unlock()

	require.Eventually(t, func() bool {
		_, rs := sessions.snapshot()
		return len(rs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, rs := sessions.snapshot()
	assert.Equal(t, [2]int{100, 30}, rs[0])
	assert.Equal(t, [2]int{sshterminal.MaxTermCols, 50}, rs[1])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
