// Package sshterminal runs concurrent interactive SSH shell sessions.
//
// A [Manager] owns every live [Session], keyed by a caller-supplied id. Each
// session walks a small state machine:
//
//	created -> connecting -> shell_requested -> ready -> closed
//	created | connecting | shell_requested -> failed
//
// closed and failed are terminal. [Manager.Connect] blocks until the session
// is ready, fails, or the establishment timeout fires, whichever comes first.
//
// Once ready, a session produces a channel of tagged [Event] values (data
// chunks, then exactly one closed event). The manager drains each channel
// and forwards events to the [Sink] it was constructed with. stdout and
// stderr are merged into one ordered stream per session.
//
// # Errors
//
// Connect fails with [ErrDuplicateID], [ErrTimeout], [ErrAborted] or a
// [*TransportError] carrying a [Category] suitable for display. Send and
// Resize fail with [ErrNotConnected] unless the session is ready.
// Anything that goes wrong after ready is reported only as a closed event.
package sshterminal
