package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "speedtrackerd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleProfile() Profile {
	return Profile{
		ID:       ProfileID{User: "alice", Repo: "site", Branch: "main", Name: "home"},
		Interval: 60,
		Params: Params{
			URL:          "https://example.com",
			Connectivity: "Cable",
			Location:     "ec2-eu-west-1",
			Runs:         3,
			Video:        true,
		},
		Default:   true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetProfile(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := sampleProfile()

	if err := st.CreateProfile(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("id = %+v, want %+v", got.ID, p.ID)
	}
	if got.Interval != p.Interval || got.Default != p.Default {
		t.Fatalf("fields = %+v, want %+v", got, p)
	}
	if got.Params != p.Params {
		t.Fatalf("params = %+v, want %+v", got.Params, p.Params)
	}
	if got.LastRunAt != nil {
		t.Fatal("fresh profile must have no last run")
	}
}

func TestCreateProfileDuplicate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := sampleProfile()

	if err := st.CreateProfile(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateProfile(ctx, p); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create err = %v, want ErrExists", err)
	}

	// Same name under a different branch is a distinct identity.
	p2 := p
	p2.ID.Branch = "staging"
	if err := st.CreateProfile(ctx, p2); err != nil {
		t.Fatalf("create sibling branch: %v", err)
	}
}

func TestGetProfileNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetProfile(context.Background(), ProfileID{User: "nobody", Repo: "x", Branch: "main", Name: "home"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDueProfiles(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	never := sampleProfile() // never ran: due immediately
	if err := st.CreateProfile(ctx, never); err != nil {
		t.Fatalf("create: %v", err)
	}

	overdue := sampleProfile()
	overdue.ID.Name = "overdue"
	past := now.Add(-2 * time.Hour) // interval is 60m
	overdue.LastRunAt = &past
	if err := st.CreateProfile(ctx, overdue); err != nil {
		t.Fatalf("create: %v", err)
	}

	fresh := sampleProfile()
	fresh.ID.Name = "fresh"
	recent := now.Add(-time.Minute)
	fresh.LastRunAt = &recent
	if err := st.CreateProfile(ctx, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := st.ListDueProfiles(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	names := map[string]bool{}
	for _, p := range due {
		names[p.ID.Name] = true
	}
	if len(due) != 2 || !names["home"] || !names["overdue"] {
		t.Fatalf("due = %v, want home and overdue", names)
	}
}

func TestWriteRunResultAdvancesLastRun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := sampleProfile()
	if err := st.CreateProfile(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	finished := started.Add(30 * time.Second)
	rec := RunRecord{
		Profile:    p.ID,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     RunSuccess,
		Result:     json.RawMessage(`{"metrics":{"loadTime":1234}}`),
	}
	if err := st.WriteRunResult(ctx, rec); err != nil {
		t.Fatalf("write run: %v", err)
	}

	got, err := st.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(finished) {
		t.Fatalf("last_run_at = %v, want %v", got.LastRunAt, finished)
	}

	// The profile is no longer due right after a run.
	due, err := st.ListDueProfiles(ctx, finished.Add(time.Minute))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %d profiles, want 0", len(due))
	}

	runs, err := st.ListRuns(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != RunSuccess || len(runs[0].Result) == 0 {
		t.Fatalf("run = %+v, want success with result", runs[0])
	}
	if !runs[0].StartedAt.Equal(started) {
		t.Fatalf("started = %v, want %v", runs[0].StartedAt, started)
	}
}

func TestWriteRunResultMissingProfile(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := RunRecord{
		Profile:     ProfileID{User: "ghost", Repo: "gone", Branch: "main", Name: "home"},
		StartedAt:   time.Now(),
		FinishedAt:  time.Now(),
		Status:      RunFailed,
		ErrorDetail: "agent timeout",
	}
	// Still persisted even though no profile row matches.
	if err := st.WriteRunResult(ctx, rec); err != nil {
		t.Fatalf("write run: %v", err)
	}
	runs, err := st.ListRuns(ctx, rec.Profile, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ErrorDetail != "agent timeout" {
		t.Fatalf("runs = %+v, want the failed run", runs)
	}
}

func TestListRunsOrderAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := sampleProfile()
	if err := st.CreateProfile(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := RunRecord{
			Profile:    p.ID,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Status:     RunSuccess,
			Result:     json.RawMessage(`{}`),
		}
		if err := st.WriteRunResult(ctx, rec); err != nil {
			t.Fatalf("write run %d: %v", i, err)
		}
	}

	runs, err := st.ListRuns(ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Fatal("runs must be newest first")
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
