// Package audit records security-relevant actions.
//
// Handlers call Recorder.Record after an action completes. The Sink
// implementation queues entries and writes them to the audit_logs table on a
// background goroutine, so recording never blocks a request and never fails
// it: a full queue drops the entry and a failed write is logged.
//
// Entries are append-only. Retention removes rows older than the configured
// window, optionally archiving them to S3 as JSON Lines first. Admins read the
// log through GET /audit.
package audit
