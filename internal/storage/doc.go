// Package storage persists per-watcher state, bot-managed member roles and
// the operator audit trail.
//
// Two backends share one Backend interface: a directory of JSON files that
// operators can edit by hand between cycles, and a SQLite database. Watch
// state writes are crash-atomic in both.
package storage
