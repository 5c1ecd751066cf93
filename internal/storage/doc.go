// Package storage persists the outbound email queue.
//
// A Store owns queued rows until they are flushed. Rows are either pending,
// dead (permanent delivery failure) or gone (sent or skipped). Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "sqlite": single-file database (modernc.org/sqlite, no cgo)
//   - "postgres": shared database via pgx's database/sql driver
package storage
