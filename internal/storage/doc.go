// Package storage persists the scan core's entities: tenants, schedules,
// notification preferences, scan records, risk assessments and breach records.
//
// Two drivers exist behind the same Store interface:
//   - "sqlite": SQLite file via modernc.org/sqlite (WAL, single writer)
//   - "mem":    mutex-guarded maps, for tests and local development
//
// Invariants enforced here, not in callers:
//   - tenant domains are canonicalized on every write
//   - schedule scan times are normalized to zero-padded HH:MM
//   - scan records never transition out of a terminal state
//   - breach records are deduplicated on (tenant, email, breach name)
package storage
