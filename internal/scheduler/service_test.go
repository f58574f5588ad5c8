package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speedtrackerd/internal/blocklist"
	"speedtrackerd/internal/executor"
	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	due     []storage.Profile
	records []storage.RunRecord

	dueErr   error
	writeErr error
	panicOn  bool
}

func (f *fakeStore) ListDueProfiles(ctx context.Context, now time.Time) ([]storage.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return append([]storage.Profile(nil), f.due...), nil
}

func (f *fakeStore) GetProfile(ctx context.Context, id storage.ProfileID) (storage.Profile, error) {
	return storage.Profile{}, storage.ErrNotFound
}

func (f *fakeStore) CreateProfile(ctx context.Context, p storage.Profile) error { return nil }

func (f *fakeStore) ListProfiles(ctx context.Context, user, repo, branch string) ([]storage.Profile, error) {
	return nil, nil
}

func (f *fakeStore) WriteRunResult(ctx context.Context, rec storage.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("store gone")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) ListRuns(ctx context.Context, id storage.ProfileID, limit int) ([]storage.RunRecord, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) written() []storage.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.RunRecord(nil), f.records...)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int

	err     error
	panics  bool
	blockCh chan struct{} // when set, RunTest blocks until it is closed
}

func (f *fakeExecutor) RunTest(ctx context.Context, params storage.Params) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockCh
	f.mu.Unlock()

	if f.panics {
		panic("executor exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &executor.Result{
		CompletedAt: time.Now(),
		Metrics:     map[string]float64{"loadTime": 1234},
	}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testID() storage.ProfileID {
	return storage.ProfileID{User: "alice", Repo: "site", Branch: "main", Name: "home"}
}

func newTestService(store *fakeStore, exec *fakeExecutor, guard *blocklist.Guard) *Service {
	return New(Config{Enabled: true, TickInterval: time.Minute}, store, exec, guard, nil, logx.Nop())
}

func TestDispatchSuccess(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)

	rec, err := s.Dispatch(context.Background(), testID(), storage.Params{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Status != storage.RunSuccess {
		t.Fatalf("status = %s, want %s", rec.Status, storage.RunSuccess)
	}
	if len(rec.Result) == 0 {
		t.Fatal("expected a result payload")
	}
	if got := store.written(); len(got) != 1 || got[0].Status != storage.RunSuccess {
		t.Fatalf("persisted records = %+v, want one success", got)
	}
	if s.Tracker().Len() != 0 {
		t.Fatalf("tracker not empty after completion: %v", s.Tracker().Snapshot())
	}
}

func TestDispatchRejectsConcurrentRun(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{blockCh: make(chan struct{})}
	s := newTestService(store, exec, nil)
	id := testID()

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"})
		firstDone <- err
	}()

	waitFor(t, func() bool { return s.Tracker().Running(id) })

	if _, err := s.Dispatch(context.Background(), id, storage.Params{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second dispatch err = %v, want ErrAlreadyRunning", err)
	}

	// A different profile of the same user is not serialized.
	other := id
	other.Name = "checkout"
	otherExecDone := make(chan error, 1)
	go func() {
		s2 := s // same service, same tracker
		_, err := s2.Dispatch(context.Background(), other, storage.Params{URL: "https://example.com/checkout"})
		otherExecDone <- err
	}()
	waitFor(t, func() bool { return s.Tracker().Running(other) || len(store.written()) > 0 })

	close(exec.blockCh)
	if err := <-firstDone; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := <-otherExecDone; err != nil {
		t.Fatalf("sibling profile dispatch: %v", err)
	}

	// Identity is free again once the run finished.
	if _, err := s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"}); err != nil {
		t.Fatalf("re-dispatch after completion: %v", err)
	}
}

func TestDispatchBlockedUser(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, blocklist.FromList("mallory,eve"))

	id := testID()
	id.User = "mallory"

	_, err := s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run for a blocked user")
	}
	if len(store.written()) != 0 {
		t.Fatal("no run record may be written for a blocked user")
	}
	if s.Tracker().Len() != 0 {
		t.Fatal("blocked dispatch must not leave a tracker entry")
	}
}

func TestDispatchExecutorFailure(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{err: errors.New("remote test agent unreachable")}
	s := newTestService(store, exec, nil)

	_, err := s.Dispatch(context.Background(), testID(), storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
	got := store.written()
	if len(got) != 1 || got[0].Status != storage.RunFailed {
		t.Fatalf("persisted records = %+v, want one failed", got)
	}
	if got[0].ErrorDetail == "" {
		t.Fatal("failed record must carry an error detail")
	}
	if s.Tracker().Len() != 0 {
		t.Fatal("tracker entry leaked after executor failure")
	}
}

func TestDispatchExecutorPanic(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{panics: true}
	s := newTestService(store, exec, nil)

	_, err := s.Dispatch(context.Background(), testID(), storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
	got := store.written()
	if len(got) != 1 || got[0].Status != storage.RunFailed {
		t.Fatalf("persisted records = %+v, want one failed", got)
	}
	if s.Tracker().Len() != 0 {
		t.Fatal("tracker entry leaked after executor panic")
	}
}

func TestDispatchPersistenceFailure(t *testing.T) {
	store := &fakeStore{writeErr: errors.New("disk full")}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)
	id := testID()

	_, err := s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}
	if s.Tracker().Len() != 0 {
		t.Fatal("tracker entry leaked after persistence failure")
	}

	// The identity is eligible again on the next attempt.
	store.mu.Lock()
	store.writeErr = nil
	store.mu.Unlock()
	if _, err := s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"}); err != nil {
		t.Fatalf("re-dispatch after persistence failure: %v", err)
	}
}

func TestDispatchStorePanic(t *testing.T) {
	store := &fakeStore{panicOn: true}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)

	_, err := s.Dispatch(context.Background(), testID(), storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}
	if s.Tracker().Len() != 0 {
		t.Fatal("tracker entry leaked after store panic")
	}
}

func TestDispatchContextAlreadyDone(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Dispatch(ctx, testID(), storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run once the context is dead")
	}
	got := store.written()
	if len(got) != 1 || got[0].Status != storage.RunRejected {
		t.Fatalf("persisted records = %+v, want one rejected", got)
	}
}

func TestDispatchInvalidIdentity(t *testing.T) {
	s := newTestService(&fakeStore{}, &fakeExecutor{}, nil)
	if _, err := s.Dispatch(context.Background(), storage.ProfileID{User: "alice"}, storage.Params{}); err == nil {
		t.Fatal("expected error for incomplete identity")
	}
}

func TestTickDispatchesDueProfiles(t *testing.T) {
	due := []storage.Profile{
		{ID: testID(), Interval: 60, Params: storage.Params{URL: "https://example.com"}},
		{ID: storage.ProfileID{User: "bob", Repo: "shop", Branch: "main", Name: "home"},
			Interval: 30, Params: storage.Params{URL: "https://shop.example"}},
	}
	store := &fakeStore{due: due}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)

	s.tick(context.Background())
	waitFor(t, func() bool { return len(store.written()) == 2 })

	for _, rec := range store.written() {
		if rec.Status != storage.RunSuccess {
			t.Fatalf("record %s status = %s, want success", rec.Profile, rec.Status)
		}
	}
}

func TestTickSkipsBlockedAndRunning(t *testing.T) {
	blockedID := storage.ProfileID{User: "mallory", Repo: "site", Branch: "main", Name: "home"}
	store := &fakeStore{due: []storage.Profile{
		{ID: testID(), Interval: 60, Params: storage.Params{URL: "https://example.com"}},
		{ID: blockedID, Interval: 60, Params: storage.Params{URL: "https://evil.example"}},
	}}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, blocklist.FromList("mallory"))

	// Simulate an in-flight run for the first profile.
	if !s.Tracker().TryAcquire(testID()) {
		t.Fatal("acquire")
	}
	defer s.Tracker().Release(testID())

	s.tick(context.Background())

	// Give the dispatch goroutines a moment; neither may reach the executor.
	time.Sleep(100 * time.Millisecond)
	if n := exec.callCount(); n != 0 {
		t.Fatalf("executor calls = %d, want 0", n)
	}
	if len(store.written()) != 0 {
		t.Fatal("no records expected for skipped profiles")
	}
}

func TestStartStopWaitsForInflight(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{blockCh: make(chan struct{})}
	s := newTestService(store, exec, nil)
	id := testID()

	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = s.Dispatch(context.Background(), id, storage.Params{URL: "https://example.com"})
		close(done)
	}()
	waitFor(t, func() bool { return s.Tracker().Running(id) })

	stopReturned := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopReturned)
	}()

	select {
	case <-stopReturned:
		t.Fatal("Stop returned while a run was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(exec.blockCh)
	<-done
	select {
	case <-stopReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run completed")
	}
}

func TestDispatchAfterStop(t *testing.T) {
	store := &fakeStore{}
	exec := &fakeExecutor{}
	s := newTestService(store, exec, nil)

	s.Start(context.Background())
	s.Stop(context.Background())

	_, err := s.Dispatch(context.Background(), testID(), storage.Params{URL: "https://example.com"})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if exec.callCount() != 0 {
		t.Fatal("executor must not run after stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
