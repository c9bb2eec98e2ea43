// Package timer arms callbacks to fire at an absolute wall-clock time or on a
// cron-like recurring pattern. Callbacks run on their own goroutine, so a slow
// callback never delays other armed timers. Every armed timer is represented
// by a Handle whose Stop is idempotent.
package timer

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shutdownd/pkg/logx"
)

// Handle disarms a pending or recurring firing. Stopping an already-fired or
// already-stopped handle is a no-op.
type Handle interface {
	Stop()
}

// Service is the arming API consumed by the scheduling engine.
type Service interface {
	// Once schedules fn at the absolute time at. A time in the past fires
	// immediately.
	Once(at time.Time, fn func()) Handle
	// Recurring schedules fn on a cron spec (standard 5-field or @descriptor).
	Recurring(spec string, fn func()) (Handle, error)
}

// Driver is the production Service backed by time.AfterFunc one-shots and a
// robfig/cron runner for recurring specs.
type Driver struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	parser  cron.Parser
	started bool
}

func New(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Driver{
		log:    log,
		parser: parser,
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(time.Local)),
	}
}

func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.c.Start()
	d.log.Debug("timer driver started")
}

// Stop halts the recurring runner and waits for in-flight cron callbacks.
// One-shot timers are owned by their handles and are not tracked here.
func (d *Driver) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	c := d.c
	d.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Debug("timer driver stopped")
}

func (d *Driver) Once(at time.Time, fn func()) Handle {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, d.guard(fn))
	return onceHandle{t: t}
}

func (d *Driver) Recurring(spec string, fn func()) (Handle, error) {
	if _, err := d.parser.Parse(spec); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.c.AddFunc(spec, d.guard(fn))
	if err != nil {
		return nil, err
	}
	return &recurringHandle{c: d.c, id: id}, nil
}

// guard keeps a panicking callback from killing the timer goroutine.
func (d *Driver) guard(fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in timer callback", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		fn()
	}
}

type onceHandle struct{ t *time.Timer }

func (h onceHandle) Stop() { _ = h.t.Stop() }

type recurringHandle struct {
	c    *cron.Cron
	id   cron.EntryID
	once sync.Once
}

func (h *recurringHandle) Stop() {
	h.once.Do(func() { h.c.Remove(h.id) })
}
