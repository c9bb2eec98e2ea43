package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shutdownd/internal/recurrence"
	"shutdownd/internal/storage"
	"shutdownd/internal/timer"
	"shutdownd/pkg/logx"
)

// ---- fakes ----

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]storage.JobRecord
	audits   []string
	failSave error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]storage.JobRecord{}}
}

func (s *fakeStore) SaveJobs(ctx context.Context, jobs map[string]storage.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	cp := make(map[string]storage.JobRecord, len(jobs))
	for k, v := range jobs {
		cp[k] = v
	}
	s.jobs = cp
	return nil
}

func (s *fakeStore) LoadJobs(ctx context.Context) (map[string]storage.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]storage.JobRecord, len(s.jobs))
	for k, v := range s.jobs {
		cp[k] = v
	}
	return cp, nil
}

func (s *fakeStore) AppendAudit(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saved() map[string]storage.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]storage.JobRecord, len(s.jobs))
	for k, v := range s.jobs {
		cp[k] = v
	}
	return cp
}

func (s *fakeStore) auditLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.audits, "\n")
}

type fakeHandle struct {
	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type armedTimer struct {
	at time.Time
	fn func()
	h  *fakeHandle
}

type fakeTimers struct {
	mu       sync.Mutex
	oneshots []*armedTimer
	recSpecs []string
}

func (f *fakeTimers) Once(at time.Time, fn func()) timer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &armedTimer{at: at, fn: fn, h: &fakeHandle{}}
	f.oneshots = append(f.oneshots, t)
	return t.h
}

func (f *fakeTimers) Recurring(spec string, fn func()) (timer.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recSpecs = append(f.recSpecs, spec)
	return &fakeHandle{}, nil
}

// pending returns armed, not-yet-stopped one-shots.
func (f *fakeTimers) pending() []*armedTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*armedTimer
	for _, t := range f.oneshots {
		if !t.h.isStopped() {
			out = append(out, t)
		}
	}
	return out
}

// fireAt synchronously runs the pending one-shot armed for exactly at.
func (f *fakeTimers) fireAt(t *testing.T, at time.Time) {
	t.Helper()
	f.mu.Lock()
	var fn func()
	for _, tm := range f.oneshots {
		if tm.at.Equal(at) && !tm.h.isStopped() {
			fn = tm.fn
			tm.h.Stop()
			break
		}
	}
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no pending timer armed for %s", at)
	}
	fn()
}

type fakeExec struct {
	mu       sync.Mutex
	decision Decision
	err      error
	release  chan struct{} // non-nil: block until closed or ctx done
	calls    int
	executed bool
	ctxDone  bool
}

func (x *fakeExec) ConfirmAndExecute(ctx context.Context, jobID string, force bool) (Decision, error) {
	x.mu.Lock()
	x.calls++
	release := x.release
	x.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if ctx.Err() != nil {
		// Contract: never perform the OS action once the context is done.
		x.ctxDone = true
		return UserCanceled, nil
	}
	if x.err == nil && x.decision == Confirmed {
		x.executed = true
	}
	return x.decision, x.err
}

type fakeWarner struct {
	mu    sync.Mutex
	warns []string
}

func (w *fakeWarner) Warn(ctx context.Context, jobID string) {
	w.mu.Lock()
	w.warns = append(w.warns, jobID)
	w.mu.Unlock()
}

// ---- harness ----

type harness struct {
	eng    *Engine
	store  *fakeStore
	timers *fakeTimers
	exec   *fakeExec
	warner *fakeWarner
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(),
		timers: &fakeTimers{},
		exec:   &fakeExec{},
		warner: &fakeWarner{},
		now:    time.Date(2025, 11, 3, 12, 0, 0, 0, time.Local),
	}
	h.eng = New(cfg, h.store, h.timers, h.warner, h.exec, logx.Nop())
	h.eng.now = func() time.Time { return h.now }
	return h
}

// ---- tests ----

func TestScheduleOnceFuture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(2 * time.Hour)

	id, err := h.eng.Schedule(target, true, recurrence.Once)
	require.NoError(t, err)
	require.Equal(t, "once:2025-11-03T14:00", id)

	jobs := h.eng.List()
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
	require.True(t, jobs[0].Force)
	require.True(t, target.Equal(jobs[0].Target))

	// Persisted before Schedule returned.
	require.Contains(t, h.store.saved(), id)
	// Warning + firing timers armed.
	require.Len(t, h.timers.pending(), 2)
	require.Contains(t, h.store.auditLog(), "Shutdown scheduled at 2025-11-03 14:00")
}

func TestScheduleOncePastRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.eng.Schedule(h.now.Add(-time.Minute), false, recurrence.Once)
	require.ErrorIs(t, err, ErrPastTime)
	require.Empty(t, h.eng.List())
	require.Empty(t, h.store.saved())
	require.Empty(t, h.timers.pending())
}

func TestScheduleSameIntentTwiceIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)

	id1, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)
	id2, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, h.eng.List(), 1)
	require.Len(t, h.timers.pending(), 2)
}

func TestScheduleRecurringPastFastForwards(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	// 10 days and change in the past; daily should land on today 22:30.
	past := h.now.AddDate(0, 0, -10).Add(10*time.Hour + 30*time.Minute)

	_, err := h.eng.Schedule(past, false, recurrence.Daily)
	require.NoError(t, err)

	jobs := h.eng.List()
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].Target.After(h.now))
	require.True(t, jobs[0].Target.Sub(h.now) <= 24*time.Hour)
	require.Equal(t, 22, jobs[0].Target.Hour())
	require.Equal(t, 30, jobs[0].Target.Minute())
	// Exactly one pair of timers, no duplicates for skipped days.
	require.Len(t, h.timers.pending(), 2)
}

func TestFastForwardBound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{FastForwardCap: 10})
	past := h.now.AddDate(0, 0, -100)

	_, err := h.eng.Schedule(past, false, recurrence.Daily)
	require.ErrorIs(t, err, ErrRecurrenceOverflow)
	require.Empty(t, h.eng.List())
	require.Empty(t, h.store.saved())
}

func TestWarnSkippedWhenLeadAlreadyPast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	// 90s out truncates to the next whole minute, so the warning slot
	// (target-1m) is exactly now and gets skipped.
	_, err := h.eng.Schedule(h.now.Add(90*time.Second), false, recurrence.Once)
	require.NoError(t, err)
	require.Len(t, h.timers.pending(), 1)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	id, err := h.eng.Schedule(h.now.Add(time.Hour), false, recurrence.Once)
	require.NoError(t, err)

	require.NoError(t, h.eng.Cancel(id))
	require.Empty(t, h.eng.List())
	require.Empty(t, h.store.saved())
	require.Empty(t, h.timers.pending())
	require.Contains(t, h.store.auditLog(), "Shutdown canceled ("+id+")")

	require.ErrorIs(t, h.eng.Cancel(id), ErrNotFound)
}

func TestCancelAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	// Empty store: no-op, no error, no audit.
	require.NoError(t, h.eng.CancelAll())
	require.Empty(t, h.store.auditLog())

	_, err := h.eng.Schedule(h.now.Add(time.Hour), false, recurrence.Once)
	require.NoError(t, err)
	_, err = h.eng.Schedule(h.now.Add(2*time.Hour), true, recurrence.Weekly)
	require.NoError(t, err)

	require.NoError(t, h.eng.CancelAll())
	require.Empty(t, h.eng.List())
	require.Empty(t, h.timers.pending())
	require.Contains(t, h.store.auditLog(), "All scheduled shutdowns canceled (count=2)")
}

func TestWarnCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Once)
	require.NoError(t, err)

	h.timers.fireAt(t, target.Add(-time.Minute))
	require.Equal(t, []string{id}, h.warner.warns)
	require.Contains(t, h.store.auditLog(), "Shutdown warning issued ("+id+")")
}

func TestWarnAfterCancelIsSilent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Once)
	require.NoError(t, err)

	// Steal the warn callback before canceling, then run it: the engine must
	// notice the job is gone.
	h.timers.mu.Lock()
	warnFn := h.timers.oneshots[0].fn
	h.timers.mu.Unlock()
	require.NoError(t, h.eng.Cancel(id))

	warnFn()
	require.Empty(t, h.warner.warns)
}

func TestFireOnceConfirmedRetires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, true, recurrence.Once)
	require.NoError(t, err)

	h.timers.fireAt(t, target)

	require.True(t, h.exec.executed)
	require.Empty(t, h.eng.List())
	require.Empty(t, h.store.saved())
	require.Contains(t, h.store.auditLog(), "Shutdown initiated ("+id+")")
}

func TestFireOnceDeclinedStillRetires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.exec.decision = UserCanceled
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Once)
	require.NoError(t, err)

	h.timers.fireAt(t, target)

	require.False(t, h.exec.executed)
	require.Empty(t, h.eng.List())
	require.Contains(t, h.store.auditLog(), "Shutdown canceled at prompt ("+id+")")
}

func TestFireRecurringConfirmedAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)

	h.timers.fireAt(t, target.Add(-time.Minute)) // warning
	h.timers.fireAt(t, target)

	jobs := h.eng.List()
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
	want := target.AddDate(0, 0, 1)
	require.True(t, want.Equal(jobs[0].Target), "target = %s, want %s", jobs[0].Target, want)

	// Re-persisted with the advanced occurrence.
	require.True(t, want.Equal(h.store.saved()[id].Target))
	// New warn + fire pair armed.
	require.Len(t, h.timers.pending(), 2)
}

func TestFireRecurringDeclinedCancelsSeries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.exec.decision = UserCanceled
	target := h.now.Add(time.Hour)
	_, err := h.eng.Schedule(target, false, recurrence.Weekly)
	require.NoError(t, err)

	h.timers.fireAt(t, target)

	// Cancel means cancel: the whole series is gone, not just one occurrence.
	require.Empty(t, h.eng.List())
	require.Empty(t, h.store.saved())
}

func TestFireExecutorErrorKeepsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.exec.err = errors.New("prompt crashed")
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)

	h.timers.fireAt(t, target)

	// Job stays in its last persisted state for the next reload.
	require.Contains(t, h.store.saved(), id)
	require.Contains(t, h.store.auditLog(), "Firing failed for "+id)
}

func TestCancelDuringConfirmationWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.exec.release = make(chan struct{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Once)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.timers.fireAt(t, target)
	}()

	// Wait for the prompt to be up, then cancel mid-confirmation.
	require.Eventually(t, func() bool {
		h.exec.mu.Lock()
		defer h.exec.mu.Unlock()
		return h.exec.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.Cancel(id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFire did not return after cancel")
	}

	require.True(t, h.exec.ctxDone, "executor should have seen its context canceled")
	require.False(t, h.exec.executed, "OS action must not run after cancel")
	require.Empty(t, h.eng.List())
}

func TestFireAfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Once)
	require.NoError(t, err)

	// Grab the fire callback, cancel, then simulate the late timer goroutine.
	h.timers.mu.Lock()
	var fireFn func()
	for _, tm := range h.timers.oneshots {
		if tm.at.Equal(target) {
			fireFn = tm.fn
		}
	}
	h.timers.mu.Unlock()
	require.NotNil(t, fireFn)
	require.NoError(t, h.eng.Cancel(id))

	fireFn()
	require.Zero(t, h.exec.calls)
	require.False(t, h.exec.executed)
}

func TestStorageErrorRollsBackSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.store.failSave = errors.New("disk full")

	_, err := h.eng.Schedule(h.now.Add(time.Hour), false, recurrence.Once)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Empty(t, h.eng.List())
	require.Empty(t, h.timers.pending())
}

func TestStorageErrorRollsBackCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	id, err := h.eng.Schedule(h.now.Add(time.Hour), false, recurrence.Once)
	require.NoError(t, err)

	h.store.failSave = errors.New("disk full")
	var serr *StorageError
	require.ErrorAs(t, h.eng.Cancel(id), &serr)
	// The job is still scheduled and armed.
	require.Len(t, h.eng.List(), 1)
	require.NotEmpty(t, h.timers.pending())
}

func TestReloadRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	t1 := h.now.Add(time.Hour)
	t2 := h.now.Add(26 * time.Hour)
	id1, err := h.eng.Schedule(t1, true, recurrence.Daily)
	require.NoError(t, err)
	id2, err := h.eng.Schedule(t2, false, recurrence.Once)
	require.NoError(t, err)

	// Simulate a restart: fresh engine over the same store.
	h2 := &harness{store: h.store, timers: &fakeTimers{}, exec: &fakeExec{}, warner: &fakeWarner{}, now: h.now}
	h2.eng = New(Config{}, h2.store, h2.timers, h2.warner, h2.exec, logx.Nop())
	h2.eng.now = func() time.Time { return h2.now }

	require.NoError(t, h2.eng.ReloadAll(context.Background()))

	jobs := h2.eng.List()
	require.Len(t, jobs, 2)
	require.Equal(t, id1, jobs[0].ID) // ids preserved, ordered by target
	require.Equal(t, id2, jobs[1].ID)
	require.True(t, jobs[0].Force)
	require.Len(t, h2.timers.pending(), 4)
}

func TestReloadFastForwardsStaleRecurring(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	stale := h.now.AddDate(0, 0, -30).Add(6 * time.Hour)
	require.NoError(t, h.store.SaveJobs(context.Background(), map[string]storage.JobRecord{
		"daily:old": {Target: stale, Force: false, Recurrence: "daily"},
	}))

	require.NoError(t, h.eng.ReloadAll(context.Background()))

	jobs := h.eng.List()
	require.Len(t, jobs, 1)
	require.Equal(t, "daily:old", jobs[0].ID)
	require.True(t, jobs[0].Target.After(h.now))
	// Exactly one pair of timers: skipped days produce no duplicate firings.
	require.Len(t, h.timers.pending(), 2)
}

func TestReloadDropsExpiredOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	require.NoError(t, h.store.SaveJobs(context.Background(), map[string]storage.JobRecord{
		"once:old":  {Target: h.now.Add(-time.Hour), Recurrence: "once"},
		"once:good": {Target: h.now.Add(time.Hour), Recurrence: "once"},
		"mystery":   {Target: h.now.Add(time.Hour), Recurrence: "every-other-blue-moon"},
	}))

	require.NoError(t, h.eng.ReloadAll(context.Background()))

	jobs := h.eng.List()
	require.Len(t, jobs, 1)
	require.Equal(t, "once:good", jobs[0].ID)
	// Durable set rewritten to match.
	saved := h.store.saved()
	require.Len(t, saved, 1)
	require.Contains(t, saved, "once:good")
	require.Contains(t, h.store.auditLog(), "Dropped expired one-time shutdown once:old")
}

func TestStartArmsSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.eng.Start(context.Background())
	require.Equal(t, []string{"* * * * *"}, h.timers.recSpecs)
}

func TestSweepRearmsUnarmedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)

	// Simulate lost timers.
	h.eng.mu.Lock()
	j := h.eng.jobs[id]
	j.warnHandle.Stop()
	j.fireHandle.Stop()
	j.warnHandle, j.fireHandle = nil, nil
	h.eng.mu.Unlock()
	require.Empty(t, h.timers.pending())

	h.eng.sweep()
	require.Len(t, h.timers.pending(), 2)
}

func TestCloseDuringConfirmationKeepsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.exec.release = make(chan struct{})
	target := h.now.Add(time.Hour)
	id, err := h.eng.Schedule(target, false, recurrence.Daily)
	require.NoError(t, err)
	h.eng.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.timers.fireAt(t, target)
	}()

	// Wait for the prompt to be up, then stop the engine mid-confirmation.
	require.Eventually(t, func() bool {
		h.exec.mu.Lock()
		defer h.exec.mu.Unlock()
		return h.exec.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.eng.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFire did not return after close")
	}

	// Teardown parks the series, it never cancels it: the durable record
	// must survive for the next reload.
	require.False(t, h.exec.executed)
	require.Contains(t, h.store.saved(), id)
}

func TestCloseDisarmsButKeepsDurableState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	id, err := h.eng.Schedule(h.now.Add(time.Hour), false, recurrence.Monthly)
	require.NoError(t, err)

	h.eng.Close()
	require.Empty(t, h.timers.pending())
	require.Contains(t, h.store.saved(), id)

	_, err = h.eng.Schedule(h.now.Add(2*time.Hour), false, recurrence.Once)
	require.ErrorIs(t, err, ErrClosed)
}
