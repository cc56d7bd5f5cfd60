// Package watcher runs scheduled change-watchers.
//
// A watcher polls a Fetcher on a fixed interval, compares the snapshot's
// identity with the one persisted for the watcher and, when it differs,
// notifies a destination and then records the new identity. Persisting only
// after a successful delivery gives at-least-once notifications: a crash or
// store failure between the two steps repeats the notification once instead
// of losing it.
//
// Every watcher is one Task owned by a Registry. A Task waits for the
// transport readiness signal, then loops until stopped. Errors and panics are
// contained to the cycle that raised them.
package watcher
