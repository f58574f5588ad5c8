// Package storage persists test profiles and run records.
//
// It currently supports:
//   - Profile CRUD and due-profile queries (scheduler input)
//   - Run record appends with transactional last_run_at advancement
package storage
