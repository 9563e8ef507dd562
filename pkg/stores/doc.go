// Package stores provides persistence for leads, workflow executions, the
// domain event audit log and appointment slots. MemoryStore keeps everything
// in process memory; SQLiteStore uses SQLite with WAL mode and embedded
// golang-migrate migrations.
package stores
