// Package eventhub fans session events out to any number of subscribers and
// keeps a bounded scrollback per session.
package eventhub

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

const (
	defaultSubscriberBuffer = 256
	writeTimeout            = 10 * time.Second
)

// Message is the wire form of a session event. Data is base64 in JSON.
type Message struct {
	Type      sshterminal.EventType `json:"type"`
	SessionID string                `json:"sessionId"`
	Data      []byte                `json:"data,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

type subscriber struct {
	ch        chan Message
	sessionID string
}

func (s *subscriber) wants(id string) bool {
	return s.sessionID == "" || s.sessionID == id
}

// Hub implements sshterminal.Sink. Publish never blocks: a subscriber whose
// buffer is full is dropped and its channel closed.
type Hub struct {
	log             *zap.Logger
	scrollbackBytes int

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffers map[string]*ScrollbackBuffer
}

// New creates a hub keeping scrollbackBytes of output per session.
func New(scrollbackBytes int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:             log.Named("eventhub"),
		scrollbackBytes: scrollbackBytes,
		subs:            make(map[*subscriber]struct{}),
		buffers:         make(map[string]*ScrollbackBuffer),
	}
}

// Publish records ev in the session scrollback and forwards it to every
// interested subscriber.
func (h *Hub) Publish(ev sshterminal.Event) {
	h.record(ev)

	msg := Message{Type: ev.Type, SessionID: ev.SessionID, Data: ev.Data, Reason: ev.Reason}
	var slow []*subscriber
	h.mu.RLock()
	for sub := range h.subs {
		if !sub.wants(ev.SessionID) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		if h.drop(sub) {
			h.log.Warn("dropping slow subscriber", zap.String("session_filter", sub.sessionID))
		}
	}
}

func (h *Hub) record(ev sshterminal.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.buffers[ev.SessionID]
	switch ev.Type {
	case sshterminal.EventData:
		if buf == nil || buf.IsClosed() {
			buf = NewScrollbackBuffer(h.scrollbackBytes)
			h.buffers[ev.SessionID] = buf
		}
		buf.Write(ev.Data)
	case sshterminal.EventClosed:
		if buf != nil {
			buf.Close()
		}
	}
}

func (h *Hub) drop(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	close(sub.ch)
	return true
}

// Subscription is a live feed of messages. C is closed when the
// subscription ends, either by Close or because the reader fell behind.
type Subscription struct {
	C   <-chan Message
	hub *Hub
	sub *subscriber
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.drop(s.sub)
}

// Subscribe returns a feed of events for sessionID, or for all sessions
// when sessionID is empty.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Message, buffer), sessionID: sessionID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: sub.ch, hub: h, sub: sub}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Scrollback returns the buffered output of a session.
func (h *Hub) Scrollback(sessionID string) ([]byte, bool) {
	h.mu.RLock()
	buf, ok := h.buffers[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return buf.Snapshot(), true
}

// ScrollbackClosed reports whether the session behind a scrollback has
// closed. It is false for unknown sessions.
func (h *Hub) ScrollbackClosed(sessionID string) bool {
	h.mu.RLock()
	buf, ok := h.buffers[sessionID]
	h.mu.RUnlock()
	return ok && buf.IsClosed()
}

// Buffered lists session ids that have scrollback.
func (h *Hub) Buffered() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.buffers))
	for id := range h.buffers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// PruneClosed forgets the scrollback of sessions that closed more than
// maxAge ago and returns how many were removed.
func (h *Hub) PruneClosed(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, buf := range h.buffers {
		if buf.ClosedSince(cutoff) {
			delete(h.buffers, id)
			n++
		}
	}
	return n
}

// ServeWS streams events as JSON text frames. The optional "session" query
// parameter limits the stream to one session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("accept event websocket", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := h.Subscribe(r.URL.Query().Get("session"), 0)
	defer sub.Close()

	// the client never sends; CloseRead handles pings and close frames
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
