package trigger

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/imld/daemon/internal/logging"
)

// FireFunc is invoked when a watcher's condition is satisfied. It returns
// nothing, so what becomes of a fire (e.g. the scheduler rejecting it) is
// not visible to the watcher; a watcher only reports its own observation
// errors.
type FireFunc func()

// Watcher is a long-lived task observing one trigger's condition. Each
// watcher owns its own goroutine and stop channel; an error inside a
// watcher is caught and classified, transitioning only that trigger to
// FAILED — it never terminates the daemon.
type Watcher interface {
	Run(ctx context.Context, fire FireFunc, onError func(error))
	Stop()
}

type baseWatcher struct {
	stop chan struct{}
}

func (w *baseWatcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// IntervalWatcher blocks on its stop channel with a timeout equal to the
// interval, so stopping is immediate and there is no clock drift from
// repeated sleep-then-check loops.
type IntervalWatcher struct {
	baseWatcher
	Interval time.Duration
}

func NewIntervalWatcher(interval time.Duration) *IntervalWatcher {
	return &IntervalWatcher{baseWatcher: baseWatcher{stop: make(chan struct{})}, Interval: interval}
}

func (w *IntervalWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			fire()
		}
	}
}

// CronWatcher computes the next fire time from a cron schedule and sleeps
// until then, recomputing after each fire — no polling, so drift stays
// bounded by timer resolution rather than accumulating.
type CronWatcher struct {
	baseWatcher
	schedule cron.Schedule
}

func NewCronWatcher(expr string) (*CronWatcher, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &CronWatcher{baseWatcher: baseWatcher{stop: make(chan struct{})}, schedule: sched}, nil
}

func (w *CronWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stop:
			timer.Stop()
			return
		case <-timer.C:
			fire()
		}
	}
}

// OnceWatcher sleeps until an absolute timestamp, fires once, and
// terminates.
type OnceWatcher struct {
	baseWatcher
	At time.Time
}

func NewOnceWatcher(at time.Time) *OnceWatcher {
	return &OnceWatcher{baseWatcher: baseWatcher{stop: make(chan struct{})}, At: at}
}

func (w *OnceWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	timer := time.NewTimer(time.Until(w.At))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-w.stop:
		return
	case <-timer.C:
		fire()
	}
}

// FSWatcher watches a path for a subset of create/modify/delete events.
type FSWatcher struct {
	baseWatcher
	Path      string
	Recursive bool
	Events    map[FSEventKind]bool
	logger    logging.Logger
}

func NewFSWatcher(path string, recursive bool, events []FSEventKind, logger logging.Logger) *FSWatcher {
	set := make(map[FSEventKind]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &FSWatcher{baseWatcher: baseWatcher{stop: make(chan struct{})}, Path: path, Recursive: recursive, Events: set, logger: logger}
}

func (w *FSWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		onError(err)
		return
	}
	defer fw.Close()

	if err := fw.Add(w.Path); err != nil {
		onError(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if w.matches(evt.Op) {
				fire()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", map[string]interface{}{"path": w.Path, "error": err.Error()})
		}
	}
}

func (w *FSWatcher) matches(op fsnotify.Op) bool {
	if w.Events[FSCreated] && op&fsnotify.Create != 0 {
		return true
	}
	if w.Events[FSModified] && (op&fsnotify.Write != 0 || op&fsnotify.Chmod != 0) {
		return true
	}
	if w.Events[FSDeleted] && op&fsnotify.Remove != 0 {
		return true
	}
	return false
}

// ProcessWatcher polls the process table for the start/stop of a named
// process. Lister is injected so tests don't require a real process
// table; the production lister scans /proc.
type ProcessWatcher struct {
	baseWatcher
	ProcessName string
	Event       ProcessEventKind
	Interval    time.Duration
	Lister      func() (map[string]bool, error)
}

func NewProcessWatcher(processName string, event ProcessEventKind, interval time.Duration, lister func() (map[string]bool, error)) *ProcessWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProcessWatcher{baseWatcher: baseWatcher{stop: make(chan struct{})}, ProcessName: processName, Event: event, Interval: interval, Lister: lister}
}

func (w *ProcessWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	wasRunning := false
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			procs, err := w.Lister()
			if err != nil {
				onError(err)
				continue
			}
			running := procs[w.ProcessName]
			if !first {
				if w.Event == ProcessStarted && running && !wasRunning {
					fire()
				}
				if w.Event == ProcessStopped && !running && wasRunning {
					fire()
				}
			}
			wasRunning = running
			first = false
		}
	}
}

// ResourceWatcher polls a metric and fires when it's held above threshold
// continuously for DurationSeconds.
type ResourceWatcher struct {
	baseWatcher
	Metric    ResourceMetric
	Threshold float64
	Duration  time.Duration
	Sampler   func(ResourceMetric) (float64, error)
	interval  time.Duration
}

func NewResourceWatcher(metric ResourceMetric, threshold float64, duration time.Duration, sampler func(ResourceMetric) (float64, error)) *ResourceWatcher {
	return &ResourceWatcher{
		baseWatcher: baseWatcher{stop: make(chan struct{})},
		Metric:      metric,
		Threshold:   threshold,
		Duration:    duration,
		Sampler:     sampler,
		interval:    time.Second,
	}
}

func (w *ResourceWatcher) Run(ctx context.Context, fire FireFunc, onError func(error)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var heldSince time.Time
	fired := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			v, err := w.Sampler(w.Metric)
			if err != nil {
				onError(err)
				continue
			}
			if v >= w.Threshold {
				if heldSince.IsZero() {
					heldSince = time.Now()
				}
				if !fired && time.Since(heldSince) >= w.Duration {
					fire()
					fired = true
				}
			} else {
				heldSince = time.Time{}
				fired = false
			}
		}
	}
}
