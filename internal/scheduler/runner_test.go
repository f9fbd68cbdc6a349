package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmail/internal/db"
	"eventmail/internal/dispatch"
)

// ============================================================
// Fakes
// ============================================================

type fakeLock struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
	ttls     []time.Duration
}

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]string{}} }

func (l *fakeLock) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.ttls = append(l.ttls, ttl)
	if owner, ok := l.held[lockID]; ok && owner != workerID {
		return false, nil
	}
	l.held[lockID] = workerID
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, lockID, workerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockID] == workerID {
		delete(l.held, lockID)
	}
	l.released = append(l.released, lockID)
	return nil
}

type finishCall struct {
	ID     int64
	Status db.JobStatus
	Items  int
	Err    error
}

type fakeHistory struct {
	startErr error
	started  []string
	finished []finishCall
}

func (h *fakeHistory) Start(ctx context.Context, jobType string) (int64, error) {
	if h.startErr != nil {
		return 0, h.startErr
	}
	h.started = append(h.started, jobType)
	return int64(len(h.started)), nil
}

func (h *fakeHistory) Finish(ctx context.Context, id int64, status db.JobStatus, items int, err error) error {
	h.finished = append(h.finished, finishCall{id, status, items, err})
	return nil
}

type fakeDispatcher struct {
	res   dispatch.RunResult
	err   error
	calls int
}

func (d *fakeDispatcher) Run(ctx context.Context) (dispatch.RunResult, error) {
	d.calls++
	return d.res, d.err
}

type fakeScanner struct {
	n   int
	err error
}

func (s *fakeScanner) Scan(ctx context.Context) (int, error) { return s.n, s.err }

type fakePurger struct {
	got time.Duration
	n   int64
}

func (p *fakePurger) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.got = olderThan
	return p.n, nil
}

type fakeRefresher struct {
	perEvent map[string]int
	failFor  map[string]error
	calls    []string
}

func (f *fakeRefresher) RefreshUnresolved(ctx context.Context, eventID string) (int, error) {
	f.calls = append(f.calls, eventID)
	if err := f.failFor[eventID]; err != nil {
		return 0, err
	}
	return f.perEvent[eventID], nil
}

type fakeUnresolvedLister struct {
	ids   []string
	err   error
	limit int
}

func (f *fakeUnresolvedLister) ListEventsWithUnresolved(ctx context.Context, limit int) ([]string, error) {
	f.limit = limit
	return f.ids, f.err
}

// ============================================================
// Harness
// ============================================================

type runnerHarness struct {
	runner     *Runner
	lock       *fakeLock
	history    *fakeHistory
	dispatcher *fakeDispatcher
	scanner    *fakeScanner
	purger     *fakePurger
	refresher  *fakeRefresher
	lister     *fakeUnresolvedLister
}

func newRunnerHarness() *runnerHarness {
	h := &runnerHarness{
		lock:       newFakeLock(),
		history:    &fakeHistory{},
		dispatcher: &fakeDispatcher{},
		scanner:    &fakeScanner{},
		purger:     &fakePurger{},
		refresher:  &fakeRefresher{perEvent: map[string]int{}, failFor: map[string]error{}},
		lister:     &fakeUnresolvedLister{},
	}
	h.runner = &Runner{
		Services: ServiceRegistry{
			Dispatcher: h.dispatcher,
			Retries:    h.scanner,
			Tokens:     h.purger,
			Refresher:  h.refresher,
			Unresolved: h.lister,
		},
		JobLock:    h.lock,
		JobHistory: h.history,
		WorkerID:   "worker-a",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h
}

// ============================================================
// Tests
// ============================================================

func TestRunner_DispatchDue(t *testing.T) {
	h := newRunnerHarness()
	h.dispatcher.res = dispatch.RunResult{Due: 3, Completed: 2, Tally: dispatch.Tally{Sent: 7}}

	msg, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskDispatchDue})

	require.NoError(t, err)
	assert.Equal(t, "task dispatch_due complete: 7 items processed", msg)
	assert.Equal(t, 1, h.dispatcher.calls)
	assert.Equal(t, []string{"dispatch_due"}, h.history.started)
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, finishCall{1, db.JobSuccess, 7, nil}, h.history.finished[0])
	assert.Equal(t, []string{"scheduler:dispatch_due"}, h.lock.released)
	assert.Empty(t, h.lock.held)
}

func TestRunner_UnknownTask(t *testing.T) {
	h := newRunnerHarness()

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: "rebuild_forecasts"})

	require.Error(t, err)
	assert.Empty(t, h.lock.ttls)
	assert.Empty(t, h.history.started)
}

func TestRunner_SkipsWhenLockHeld(t *testing.T) {
	h := newRunnerHarness()
	h.lock.held["scheduler:scan_retries"] = "worker-b"

	msg, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskScanRetries})

	require.NoError(t, err)
	assert.Contains(t, msg, "skipped")
	assert.Empty(t, h.history.started)
	assert.Empty(t, h.lock.released)
	assert.Equal(t, "worker-b", h.lock.held["scheduler:scan_retries"])
}

func TestRunner_LockError(t *testing.T) {
	h := newRunnerHarness()
	h.lock.err = errors.New("db down")

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskScanRetries})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler:scan_retries")
}

func TestRunner_TaskFailureRecorded(t *testing.T) {
	h := newRunnerHarness()
	h.scanner.err = errors.New("queue unavailable")
	h.scanner.n = 2

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskScanRetries})

	require.Error(t, err)
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, db.JobFailed, h.history.finished[0].Status)
	assert.Equal(t, 2, h.history.finished[0].Items)
	assert.Equal(t, []string{"scheduler:scan_retries"}, h.lock.released, "lock released after failure")
}

func TestRunner_HistoryStartFailureStillRuns(t *testing.T) {
	h := newRunnerHarness()
	h.history.startErr = errors.New("insert failed")
	h.scanner.n = 4

	msg, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskScanRetries})

	require.NoError(t, err)
	assert.Contains(t, msg, "4 items")
	assert.Empty(t, h.history.finished)
}

func TestRunner_PurgeTokensRetention(t *testing.T) {
	h := newRunnerHarness()
	h.purger.n = 12

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskPurgeTokens})
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenRetention, h.purger.got)

	h.runner.TokenRetention = 48 * time.Hour
	msg, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskPurgeTokens})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, h.purger.got)
	assert.Contains(t, msg, "12 items")
}

func TestRunner_RefreshSingleEvent(t *testing.T) {
	h := newRunnerHarness()
	h.refresher.perEvent["evt_1"] = 3

	msg, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskRefreshUnresolved, EventID: "evt_1"})

	require.NoError(t, err)
	assert.Contains(t, msg, "3 items")
	assert.Equal(t, []string{"evt_1"}, h.refresher.calls)
	assert.Zero(t, h.lister.limit, "single event needs no listing")
}

func TestRunner_RefreshAllContinuesPastFailures(t *testing.T) {
	h := newRunnerHarness()
	h.lister.ids = []string{"evt_1", "evt_2", "evt_3"}
	h.refresher.perEvent = map[string]int{"evt_1": 2, "evt_3": 1}
	h.refresher.failFor["evt_2"] = errors.New("lookup failed")

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskRefreshUnresolved})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt_2")
	assert.Equal(t, []string{"evt_1", "evt_2", "evt_3"}, h.refresher.calls)
	assert.Equal(t, unresolvedEventLimit, h.lister.limit)
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, 3, h.history.finished[0].Items)
}

func TestRunner_RefreshListError(t *testing.T) {
	h := newRunnerHarness()
	h.lister.err = errors.New("timeout")

	_, err := h.runner.Handle(context.Background(), MaintenancePayload{Task: TaskRefreshUnresolved})

	require.Error(t, err)
	assert.Empty(t, h.refresher.calls)
}

func TestTaskType_Valid(t *testing.T) {
	for _, task := range Tasks {
		assert.True(t, task.Type.Valid(), task.Type)
	}
	assert.False(t, TaskType("").Valid())
	assert.False(t, TaskType("digest").Valid())
}
