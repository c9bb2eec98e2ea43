package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shutdownd/internal/app"
	"shutdownd/internal/engine"
	"shutdownd/internal/recurrence"
	"shutdownd/internal/storage"
)

func main() {
	var (
		cfgPath    string
		scheduleAt string
		recur      string
		force      bool
		list       bool
		cancelID   string
		cancelAll  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.StringVar(&scheduleAt, "schedule", "", `schedule a shutdown at "YYYY-MM-DD HH:MM" (local time), then run`)
	flag.StringVar(&recur, "recurrence", "once", "recurrence for -schedule: once, daily, weekly or monthly")
	flag.BoolVar(&force, "force", false, "make the scheduled shutdown forceful")
	flag.BoolVar(&list, "list", false, "print the scheduled shutdowns and exit")
	flag.StringVar(&cancelID, "cancel", "", "cancel the scheduled shutdown with this id and exit")
	flag.BoolVar(&cancelAll, "cancel-all", false, "cancel every scheduled shutdown and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	if done, code := runOneShot(a, list, cancelID, cancelAll); done {
		stop(a)
		os.Exit(code)
	}

	if scheduleAt != "" {
		if err := scheduleFromFlags(a.Engine(), scheduleAt, recur, force); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			stop(a)
			os.Exit(1)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a)
}

func stop(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
}

// runOneShot handles the query/cancel flags that act on the durable set and
// exit without staying resident.
func runOneShot(a *app.App, list bool, cancelID string, cancelAll bool) (bool, int) {
	eng := a.Engine()
	switch {
	case list:
		jobs := eng.List()
		if len(jobs) == 0 {
			fmt.Println("no scheduled shutdowns")
			return true, 0
		}
		for _, j := range jobs {
			fmt.Printf("%s\t%s\tforce=%t\t%s\n", j.ID, j.Target.Format(storage.TimeLayout), j.Force, j.Recurrence)
		}
		return true, 0
	case cancelID != "":
		if err := eng.Cancel(cancelID); err != nil {
			fmt.Fprintln(os.Stderr, "cancel:", err)
			return true, 1
		}
		fmt.Println("canceled", cancelID)
		return true, 0
	case cancelAll:
		if err := eng.CancelAll(); err != nil {
			fmt.Fprintln(os.Stderr, "cancel-all:", err)
			return true, 1
		}
		fmt.Println("all scheduled shutdowns canceled")
		return true, 0
	}
	return false, 0
}

func scheduleFromFlags(eng *engine.Engine, at, recur string, force bool) error {
	kind, err := recurrence.ParseKind(recur)
	if err != nil {
		return err
	}
	target, err := time.ParseInLocation(storage.TimeLayout, at, time.Local)
	if err != nil {
		return fmt.Errorf("invalid -schedule time %q (want \"YYYY-MM-DD HH:MM\"): %w", at, err)
	}
	id, err := eng.Schedule(target, force, kind)
	if errors.Is(err, engine.ErrPastTime) {
		return fmt.Errorf("%s is in the past", at)
	}
	if err != nil {
		return err
	}
	fmt.Println("scheduled", id)
	return nil
}
