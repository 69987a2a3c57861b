package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// Rate limits for browser terminal input: bursts of terminalRateBurst
// messages, refilled at terminalRateLimit per second.
const (
	terminalRateBurst = 200
	terminalRateLimit = 100
)

type termControlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	if refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate)); refill > 0 {
		tb.tokens = min(tb.maxTokens, tb.tokens+refill)
		tb.lastRefill = now
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// TerminalWS attaches a browser terminal to a live session. Buffered output
// is replayed first, then output streams as binary frames. Binary frames
// from the client are session input; text frames carry resize requests.
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := a.Sessions.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.State != sshterminal.StateReady {
		writeError(w, sshterminal.ErrNotConnected)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger().Warn("accept terminal websocket", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	if a.Metrics != nil {
		a.Metrics.WSConnections.Inc()
		defer a.Metrics.WSConnections.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before the replay so no output falls between the two
	sub := a.Hub.Subscribe(id, 0)
	defer sub.Close()

	sessionInfo, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"session_id": id,
	})
	if err := conn.Write(ctx, websocket.MessageText, sessionInfo); err != nil {
		return
	}
	if history, ok := a.Hub.Scrollback(id); ok && len(history) > 0 {
		if err := conn.Write(ctx, websocket.MessageBinary, history); err != nil {
			return
		}
	}

	// session -> browser
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusTryAgainLater, "terminal output overflow")
					return
				}
				if msg.Type == sshterminal.EventClosed {
					conn.Close(websocket.StatusNormalClosure, msg.Reason)
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, msg.Data); err != nil {
					return
				}
			}
		}
	}()

	// browser -> session
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}
		if msgType == websocket.MessageBinary {
			if len(data) > MaxInputMessageSize {
				a.logger().Warn("terminal input message too large", zap.String("session_id", id), zap.Int("size", len(data)))
				continue
			}
			if err := a.Sessions.Send(id, data); err != nil {
				break
			}
			continue
		}
		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" {
			cols := min(msg.Cols, sshterminal.MaxTermCols)
			rows := min(msg.Rows, sshterminal.MaxTermRows)
			if err := a.Sessions.Resize(id, cols, rows); err != nil {
				a.logger().Debug("terminal resize rejected", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
