// Package scheduler drives periodic execution of due test profiles and
// offers the same dispatch path for on-demand (HTTP-triggered) runs.
//
// Design:
//   - One cron-driven tick loop queries the store for due profiles and
//     launches each admitted run in its own goroutine; the loop never waits
//     for a run to finish.
//   - The Tracker serializes runs per profile identity: whichever caller
//     (tick or on-demand) acquires the entry first proceeds, the other
//     fails fast with ErrAlreadyRunning.
//   - The tracker entry is released on every exit path, including panics
//     and persistence failures, so a profile can never stay stuck as
//     "running".
package scheduler
