// Package engine schedules machine power-off jobs: one-shot or recurring,
// persisted across restarts, with a pre-shutdown warning and a last-moment
// confirmation. It owns the job store and drives the timer service; the
// warning and confirm-and-execute collaborators are injected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"shutdownd/internal/recurrence"
	"shutdownd/internal/storage"
	"shutdownd/internal/timer"
	"shutdownd/pkg/logx"
)

type Engine struct {
	log    logx.Logger
	cfg    Config
	store  storage.Store
	timers timer.Service
	warner Warner
	exec   Executor

	now func() time.Time

	mu          sync.Mutex
	jobs        map[string]*job
	closed      bool
	sweepHandle timer.Handle
	baseCtx     context.Context
	baseCancel  context.CancelFunc
}

func New(cfg Config, store storage.Store, timers timer.Service, warner Warner, exec Executor, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:    log,
		cfg:    cfg.withDefaults(),
		store:  store,
		timers: timers,
		warner: warner,
		exec:   exec,
		now:    time.Now,
		jobs:   map[string]*job{},
	}
}

// Start arms the janitor sweep and anchors the context handed to collaborator
// callbacks. Safe to call once; scheduling works even before Start.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.baseCtx != nil {
		return
	}
	e.baseCtx, e.baseCancel = context.WithCancel(ctx)

	h, err := e.timers.Recurring(e.cfg.SweepSpec, e.sweep)
	if err != nil {
		e.log.Warn("janitor sweep not armed", logx.String("spec", e.cfg.SweepSpec), logx.Err(err))
		return
	}
	e.sweepHandle = h
}

// Close disarms every timer and aborts in-flight confirmation prompts. The
// durable job set is left intact so ReloadAll resumes it on the next start.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.sweepHandle != nil {
		e.sweepHandle.Stop()
		e.sweepHandle = nil
	}
	n := len(e.jobs)
	for _, j := range e.jobs {
		e.disarmLocked(j)
	}
	cancel := e.baseCancel
	e.baseCtx, e.baseCancel = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.log.Info("engine closed", logx.Int("jobs_parked", n))
}

// Schedule arranges a power-off at the given time. The id is derived from the
// target minute and recurrence kind, so scheduling the identical intent twice
// is a no-op returning the same id.
func (e *Engine) Schedule(at time.Time, force bool, kind recurrence.Kind) (string, error) {
	at = at.Truncate(time.Minute)
	id := jobID(kind, at)
	if err := e.schedule(id, at, force, kind, false); err != nil {
		return "", err
	}
	return id, nil
}

func jobID(kind recurrence.Kind, at time.Time) string {
	return fmt.Sprintf("%s:%s", kind, at.Format("2006-01-02T15:04"))
}

func (e *Engine) schedule(id string, at time.Time, force bool, kind recurrence.Kind, fromReload bool) error {
	at = at.Truncate(time.Minute)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.jobs[id]; ok {
		// Idempotent reload guard: the id is already active and armed.
		e.mu.Unlock()
		return nil
	}

	now := e.now()
	if !kind.Repeats() {
		if !at.After(now) {
			e.mu.Unlock()
			return ErrPastTime
		}
	} else if !at.After(now) {
		// Catch up occurrences missed while the process was stopped.
		ff, err := e.fastForward(at, kind, now)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		at = ff
	}

	j := &job{id: id, target: at, force: force, kind: kind}
	e.jobs[id] = j
	if serr := e.persistLocked("put"); serr != nil {
		delete(e.jobs, id)
		e.mu.Unlock()
		return serr
	}
	e.armLocked(j)
	e.mu.Unlock()

	if fromReload {
		e.audit(fmt.Sprintf("Restored scheduled shutdown %s at %s", id, at.Format(storage.TimeLayout)))
	} else {
		e.audit(fmt.Sprintf("Shutdown scheduled at %s (recurrence=%s, forceful=%t)", at.Format(storage.TimeLayout), kind, force))
	}
	e.log.Info("shutdown scheduled",
		logx.String("id", id),
		logx.Time("target", at),
		logx.String("recurrence", kind.String()),
		logx.Bool("force", force),
		logx.Bool("reload", fromReload))
	return nil
}

// Cancel disarms and removes a job. Disarming an already-fired timer is a
// no-op; canceling during a pending confirmation aborts the prompt.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.disarmLocked(j)
	delete(e.jobs, id)
	if serr := e.persistLocked("remove"); serr != nil {
		// Keep memory and disk consistent: the job stays scheduled.
		e.jobs[id] = j
		e.armLocked(j)
		e.mu.Unlock()
		return serr
	}
	e.mu.Unlock()

	e.audit("Shutdown canceled (" + id + ")")
	e.log.Info("shutdown canceled", logx.String("id", id))
	return nil
}

// CancelAll cancels every active job, best-effort per job. A no-op on an
// empty store.
func (e *Engine) CancelAll() error {
	e.mu.Lock()
	n := len(e.jobs)
	if n == 0 {
		e.mu.Unlock()
		return nil
	}
	for _, j := range e.jobs {
		e.disarmLocked(j)
	}
	e.jobs = map[string]*job{}
	serr := e.persistLocked("clear")
	e.mu.Unlock()

	e.audit(fmt.Sprintf("All scheduled shutdowns canceled (count=%d)", n))
	e.log.Info("all shutdowns canceled", logx.Int("count", n))
	if serr != nil {
		return serr
	}
	return nil
}

// List returns a snapshot of active jobs ordered by target time.
func (e *Engine) List() []JobInfo {
	e.mu.Lock()
	out := make([]JobInfo, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, JobInfo{ID: j.id, Target: j.target, Force: j.force, Recurrence: j.kind})
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].Target.Equal(out[k].Target) {
			return out[i].ID < out[k].ID
		}
		return out[i].Target.Before(out[k].Target)
	})
	return out
}

// ReloadAll restores the persisted job set, called once at process start.
// One-time jobs that expired while the process was down are dropped; recurring
// jobs self-heal via the fast-forward rule, keeping their stored ids.
func (e *Engine) ReloadAll(ctx context.Context) error {
	records, err := e.store.LoadJobs(ctx)
	if err != nil {
		return &StorageError{Op: "load", Err: err}
	}

	restored, dropped := 0, 0
	for id, rec := range records {
		kind, kerr := recurrence.ParseKind(rec.Recurrence)
		if kerr != nil {
			dropped++
			e.log.Warn("dropping persisted job with unknown recurrence", logx.String("id", id), logx.String("recurrence", rec.Recurrence))
			e.audit("Dropped persisted job " + id + " (unknown recurrence)")
			continue
		}
		switch err := e.schedule(id, rec.Target, rec.Force, kind, true); {
		case err == nil:
			restored++
		case errors.Is(err, ErrPastTime):
			dropped++
			e.audit("Dropped expired one-time shutdown " + id)
		case errors.Is(err, ErrRecurrenceOverflow):
			dropped++
			e.audit("Dropped job " + id + " (recurrence failed to advance)")
		default:
			return err
		}
	}

	if dropped > 0 {
		// Dropped records still live in the durable set; rewrite it to match.
		e.mu.Lock()
		serr := e.persistLocked("reload")
		e.mu.Unlock()
		if serr != nil {
			return serr
		}
	}
	e.log.Info("persisted jobs reloaded", logx.Int("restored", restored), logx.Int("dropped", dropped))
	return nil
}

// ---- timer callbacks ----

func (e *Engine) onWarn(id string) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	var target time.Time
	if ok {
		j.warnHandle = nil
		target = j.target
	}
	ctx := e.baseCtx
	e.mu.Unlock()
	if !ok {
		// Lost the race with a cancel; say nothing.
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if e.warner != nil {
		e.warner.Warn(ctx, id)
	}
	e.audit("Shutdown warning issued (" + id + ")")
	e.log.Info("shutdown warning issued", logx.String("id", id), logx.Time("target", target))
}

// onFire is the core state transition: lookup, confirm, then retire or
// advance-and-rearm. It runs on its own timer goroutine, so a confirmation
// prompt blocking on user input never delays other jobs' timers.
func (e *Engine) onFire(id string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while firing job", logx.String("id", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			e.audit("Firing failed for " + id + " (panic); job kept for next reload")
		}
	}()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	j, ok := e.jobs[id]
	if !ok {
		// A concurrent cancel won before the timer goroutine got here.
		e.mu.Unlock()
		return
	}
	j.fireHandle = nil
	force := j.force
	kind := j.kind
	base := e.baseCtx
	if base == nil {
		base = context.Background()
	}
	fireCtx, cancel := context.WithCancel(base)
	j.firingCancel = cancel
	e.mu.Unlock()

	// The prompt may block for an unbounded time. A Cancel(id) arriving now
	// cancels fireCtx; the executor must not act once the context is done.
	decision, execErr := e.confirm(fireCtx, id, force)
	cancel()

	e.mu.Lock()
	if e.closed {
		// Close aborted the prompt during teardown. The job was only parked,
		// not canceled: leave the durable set alone so ReloadAll resumes it.
		e.mu.Unlock()
		return
	}
	j, ok = e.jobs[id]
	if !ok {
		// Canceled during the prompt; nothing left to retire or re-arm.
		e.mu.Unlock()
		return
	}
	j.firingCancel = nil

	if execErr != nil {
		// Leave the job in its last persisted state for the next reload.
		e.mu.Unlock()
		e.log.Error("confirm-and-execute failed", logx.String("id", id), logx.Err(execErr))
		e.audit("Firing failed for " + id + "; job kept for next reload")
		return
	}

	if decision == UserCanceled || !kind.Repeats() {
		// A one-shot job retires regardless of the outcome. A declined
		// recurring job cancels the whole series: cancel means cancel,
		// not skip-this-one.
		e.disarmLocked(j)
		delete(e.jobs, id)
		if serr := e.persistLocked("retire"); serr != nil {
			e.log.Error("persist after firing failed", logx.String("id", id), logx.Err(serr))
		}
		e.mu.Unlock()
		if decision == UserCanceled {
			e.audit("Shutdown canceled at prompt (" + id + ")")
			e.log.Info("shutdown declined at prompt", logx.String("id", id))
		} else {
			e.audit("Shutdown initiated (" + id + ")")
			e.log.Info("shutdown initiated", logx.String("id", id))
		}
		return
	}

	// Recurring and confirmed: advance to the next occurrence and re-arm.
	now := e.now()
	next := recurrence.Next(j.target, kind)
	if !next.After(j.target) {
		e.disarmLocked(j)
		delete(e.jobs, id)
		if serr := e.persistLocked("drop"); serr != nil {
			e.log.Error("persist after drop failed", logx.String("id", id), logx.Err(serr))
		}
		e.mu.Unlock()
		e.log.Error("recurrence failed to advance; dropping job", logx.String("id", id))
		e.audit("Dropped job " + id + " (recurrence failed to advance)")
		return
	}
	if !next.After(now) {
		ff, ferr := e.fastForward(next, kind, now)
		if ferr != nil {
			e.disarmLocked(j)
			delete(e.jobs, id)
			if serr := e.persistLocked("drop"); serr != nil {
				e.log.Error("persist after drop failed", logx.String("id", id), logx.Err(serr))
			}
			e.mu.Unlock()
			e.log.Error("recurrence failed to advance; dropping job", logx.String("id", id), logx.Err(ferr))
			e.audit("Dropped job " + id + " (recurrence failed to advance)")
			return
		}
		next = ff
	}
	j.target = next
	if serr := e.persistLocked("advance"); serr != nil {
		// Disk lags memory until the next successful save; the job itself is
		// still armed correctly.
		e.log.Error("persist after advance failed", logx.String("id", id), logx.Err(serr))
	}
	e.armLocked(j)
	e.mu.Unlock()

	e.audit("Shutdown initiated (" + id + "); next occurrence " + next.Format(storage.TimeLayout))
	e.log.Info("shutdown initiated, job re-armed", logx.String("id", id), logx.Time("next", next))
}

func (e *Engine) confirm(ctx context.Context, id string, force bool) (Decision, error) {
	if e.exec == nil {
		return Confirmed, nil
	}
	return e.exec.ConfirmAndExecute(ctx, id, force)
}

// sweep re-arms jobs that somehow lost their timers. Normally a no-op; it
// exists to heal timer-service hiccups without waiting for a restart.
func (e *Engine) sweep() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := e.now()
	var dropped []string
	healed := 0
	for id, j := range e.jobs {
		if j.fireHandle != nil || j.firingCancel != nil {
			continue
		}
		if !j.kind.Repeats() && !j.target.After(now) {
			// Missed while unarmed; same fate as an expired job at reload.
			delete(e.jobs, id)
			dropped = append(dropped, id)
			continue
		}
		if !j.target.After(now) {
			ff, err := e.fastForward(j.target, j.kind, now)
			if err != nil {
				delete(e.jobs, id)
				dropped = append(dropped, id)
				continue
			}
			j.target = ff
		}
		e.armLocked(j)
		healed++
	}
	var serr *StorageError
	if len(dropped) > 0 || healed > 0 {
		serr = e.persistLocked("sweep")
	}
	e.mu.Unlock()

	for _, id := range dropped {
		e.audit("Dropped unarmed job " + id + " during sweep")
	}
	if healed > 0 {
		e.log.Warn("re-armed jobs that had lost their timers", logx.Int("count", healed))
	}
	if serr != nil {
		e.log.Warn("sweep persist failed", logx.Err(serr))
	}
}

// ---- internals (call with e.mu held) ----

func (e *Engine) armLocked(j *job) {
	if j.warnHandle != nil {
		j.warnHandle.Stop()
	}
	if j.fireHandle != nil {
		j.fireHandle.Stop()
	}
	id := j.id
	warnAt := j.target.Add(-e.cfg.WarnLead)
	if warnAt.After(e.now()) {
		j.warnHandle = e.timers.Once(warnAt, func() { e.onWarn(id) })
	} else {
		// Warning slot already passed; skip it silently.
		j.warnHandle = nil
	}
	j.fireHandle = e.timers.Once(j.target, func() { e.onFire(id) })
}

func (e *Engine) disarmLocked(j *job) {
	if j.warnHandle != nil {
		j.warnHandle.Stop()
		j.warnHandle = nil
	}
	if j.fireHandle != nil {
		j.fireHandle.Stop()
		j.fireHandle = nil
	}
	if j.firingCancel != nil {
		j.firingCancel()
		j.firingCancel = nil
	}
}

func (e *Engine) fastForward(at time.Time, kind recurrence.Kind, now time.Time) (time.Time, error) {
	for i := 0; i < e.cfg.FastForwardCap; i++ {
		if at.After(now) {
			return at, nil
		}
		next := recurrence.Next(at, kind)
		if !next.After(at) {
			return time.Time{}, ErrRecurrenceOverflow
		}
		at = next
	}
	if at.After(now) {
		return at, nil
	}
	return time.Time{}, ErrRecurrenceOverflow
}

func (e *Engine) persistLocked(op string) *StorageError {
	snap := make(map[string]storage.JobRecord, len(e.jobs))
	for id, j := range e.jobs {
		snap[id] = storage.JobRecord{Target: j.target, Force: j.force, Recurrence: j.kind.String()}
	}
	if err := e.store.SaveJobs(context.Background(), snap); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func (e *Engine) audit(event string) {
	if err := e.store.AppendAudit(context.Background(), event); err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
