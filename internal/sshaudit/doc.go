// Package sshaudit records an audit trail of SSH sessions.
//
// An [Auditor] writes [database.SessionAuditLog] rows and mirrors each one to
// the structured logger. [Auditor.Observe] hooks the auditor into a session
// manager's state changes so that every session produces:
//   - [EventSessionOpened] when it becomes ready.
//   - [EventSessionFailed] or [EventHostKeyRejected] when it fails to connect.
//   - [EventSessionClosed] with duration and byte counts when it ends.
//
// HTTP handlers add [EventConnectRequested] with the caller's address.
//
// Rows older than the retention period are removed by
// [Auditor.PurgeOlderThan], which the maintenance scheduler runs.
package sshaudit
