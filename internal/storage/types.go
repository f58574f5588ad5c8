package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a profile identity does not exist.
	ErrNotFound = errors.New("profile not found")
	// ErrExists is returned when creating a profile whose identity is taken.
	ErrExists = errors.New("profile already exists")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API the scheduler and HTTP layer depend on.
//
// Identity fields round-trip exactly; due-ness is evaluated inside
// ListDueProfiles so callers never re-derive it from raw rows.
type Store interface {
	ListDueProfiles(ctx context.Context, now time.Time) ([]Profile, error)
	GetProfile(ctx context.Context, id ProfileID) (Profile, error)
	CreateProfile(ctx context.Context, p Profile) error
	ListProfiles(ctx context.Context, user, repo, branch string) ([]Profile, error)

	// WriteRunResult persists a finalized run and advances the owning
	// profile's last_run_at in one transaction.
	WriteRunResult(ctx context.Context, rec RunRecord) error
	ListRuns(ctx context.Context, id ProfileID, limit int) ([]RunRecord, error)

	Close() error
}
