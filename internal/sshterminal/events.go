package sshterminal

// EventType tags an Event.
type EventType string

const (
	EventData   EventType = "data"
	EventClosed EventType = "closed"
)

// Event is pushed to the Sink for a ready session. A session emits any
// number of data events followed by exactly one closed event.
type Event struct {
	Type      EventType
	SessionID string
	Data      []byte
	// Reason describes why a session closed.
	Reason string
}

// Sink receives session events. Publish is called from one goroutine per
// session, so events of a single session arrive in order.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// MultiSink publishes every event to each sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

type discardSink struct{}

func (discardSink) Publish(Event) {}
