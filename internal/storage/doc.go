// Package storage archives terminal job snapshots.
//
// Drivers:
//   - file: <prefix>.jobs.jsonl, one record per line
//   - sqlite: a single "jobs" table keyed by job id
package storage
