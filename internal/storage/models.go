package storage

import (
	"encoding/json"
	"strings"
	"time"
)

// ProfileID is the composite identity of a test profile.
type ProfileID struct {
	User   string `json:"user"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Name   string `json:"profile"`
}

func (id ProfileID) String() string {
	return id.User + "/" + id.Repo + "/" + id.Branch + "/" + id.Name
}

func (id ProfileID) Valid() bool {
	for _, s := range []string{id.User, id.Repo, id.Branch, id.Name} {
		if strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

// Params is the recognized test configuration carried by a profile.
//
// The set of fields is closed: unknown keys are rejected at the API boundary
// rather than passed through as a free-form bag.
type Params struct {
	URL          string `json:"url"`
	Connectivity string `json:"connectivity,omitempty"`
	Location     string `json:"location,omitempty"`
	Runs         int    `json:"runs,omitempty"`
	Video        bool   `json:"video,omitempty"`
}

// Profile is a named test configuration bound to a repository/branch, with a
// recurrence interval in minutes.
type Profile struct {
	ID        ProfileID  `json:"id"`
	Interval  int        `json:"interval"` // minutes; must be positive
	Params    Params     `json:"parameters"`
	Default   bool       `json:"default"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NextDueAt derives the next scheduled execution time. A profile that has
// never run is due immediately.
func (p Profile) NextDueAt() time.Time {
	if p.LastRunAt == nil {
		return time.Time{}
	}
	return p.LastRunAt.Add(time.Duration(p.Interval) * time.Minute)
}

// Due reports whether the profile should run at the given instant.
func (p Profile) Due(now time.Time) bool {
	if p.LastRunAt == nil {
		return true
	}
	return !now.Before(p.NextDueAt())
}

type RunStatus string

const (
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// RunRecord is the outcome of one execution of a profile's test.
// It is finalized exactly once and immutable afterwards.
type RunRecord struct {
	Profile    ProfileID       `json:"profile"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     RunStatus       `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorDetail string         `json:"error,omitempty"`
}
