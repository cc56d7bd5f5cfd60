// Package notifier delivers watcher notifications.
//
// The Service is the single outbound path for watcher messages. Delivery is
// synchronous so the caller learns whether the message left the process:
// watchers persist a new identity only after Deliver returns nil. Sends are
// rate limited across all callers and bounded by a per-send timeout.
//
// # Templates
//
// A Template renders a snapshot's payload with text/template and hands the
// result to the Service. It implements watcher.Notifier.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
