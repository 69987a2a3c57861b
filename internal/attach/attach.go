// Package attach connects a local terminal to a live session: keystrokes go
// to the session, output is drawn from the event hub, and the local window
// size is mirrored to the remote PTY.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// DefaultEscape is Ctrl-], the byte that detaches without closing.
const DefaultEscape byte = 0x1d

const (
	readChunk        = 4096
	defaultSizePoll  = 500 * time.Millisecond
	detachedReason   = "detached"
	subscriberBuffer = 1024
)

// ErrOutputLost is returned when the hub dropped the subscription because
// output was not drained fast enough.
var ErrOutputLost = errors.New("attach: output stream lost")

// Sessions is the part of the session manager an attachment drives.
type Sessions interface {
	Send(id string, data []byte) error
	Resize(id string, cols, rows int) error
}

// SizeFunc reports the local terminal size.
type SizeFunc func() (cols, rows int, err error)

type Options struct {
	// Escape detaches when read from input. Zero disables detaching.
	Escape byte
	// Replay writes buffered output before live output.
	Replay bool
	// Size is polled every SizePoll; nil disables resize forwarding.
	Size     SizeFunc
	SizePoll time.Duration
	Log      *zap.Logger
}

// Result describes how an attachment ended.
type Result struct {
	Detached bool
	Reason   string
}

// Run pumps in to the session and the session's output to out until the
// session closes, the escape byte is read, in ends, or ctx is cancelled.
func Run(ctx context.Context, sessions Sessions, hub *eventhub.Hub, id string, in io.Reader, out io.Writer, opts Options) (Result, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := hub.Subscribe(id, subscriberBuffer)
	defer sub.Close()

	if opts.Replay {
		if history, ok := hub.Scrollback(id); ok && len(history) > 0 {
			if _, err := out.Write(history); err != nil {
				return Result{}, fmt.Errorf("replay scrollback: %w", err)
			}
		}
	}

	inputDone := make(chan error, 1)
	go func() { inputDone <- forwardInput(sessions, id, in, opts.Escape) }()

	if opts.Size != nil {
		go forwardSize(ctx, sessions, id, opts, log)
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case err := <-inputDone:
			if errors.Is(err, errDetach) {
				return Result{Detached: true, Reason: detachedReason}, nil
			}
			if err != nil {
				return Result{}, err
			}
			return Result{Detached: true, Reason: "input closed"}, nil
		case msg, ok := <-sub.C:
			if !ok {
				return Result{}, ErrOutputLost
			}
			switch msg.Type {
			case sshterminal.EventData:
				if _, err := out.Write(msg.Data); err != nil {
					return Result{}, fmt.Errorf("write output: %w", err)
				}
			case sshterminal.EventClosed:
				return Result{Reason: msg.Reason}, nil
			}
		}
	}
}

var errDetach = errors.New("detach")

func forwardInput(sessions Sessions, id string, in io.Reader, escape byte) error {
	buf := make([]byte, readChunk)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			detach := false
			if escape != 0 {
				for i, b := range chunk {
					if b == escape {
						chunk, detach = chunk[:i], true
						break
					}
				}
			}
			if len(chunk) > 0 {
				if err := sessions.Send(id, chunk); err != nil {
					return fmt.Errorf("send input: %w", err)
				}
			}
			if detach {
				return errDetach
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

func forwardSize(ctx context.Context, sessions Sessions, id string, opts Options, log *zap.Logger) {
	interval := opts.SizePoll
	if interval <= 0 {
		interval = defaultSizePoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCols, lastRows := -1, -1
	for {
		cols, rows, err := opts.Size()
		if err == nil && (cols != lastCols || rows != lastRows) {
			lastCols, lastRows = cols, rows
			err := sessions.Resize(id, min(cols, sshterminal.MaxTermCols), min(rows, sshterminal.MaxTermRows))
			if err != nil {
				log.Debug("resize rejected", zap.String("session_id", id), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
