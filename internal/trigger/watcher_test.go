package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalWatcherFiresRepeatedly(t *testing.T) {
	w := NewIntervalWatcher(20 * time.Millisecond)
	var count int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, func() { atomic.AddInt32(&count, 1) }, func(error) {})
		close(done)
	}()

	time.Sleep(90 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&count) < 2 {
		t.Errorf("fire count = %d, want at least 2 within ~90ms at a 20ms interval", count)
	}
}

func TestIntervalWatcherStopHaltsFiring(t *testing.T) {
	w := NewIntervalWatcher(10 * time.Millisecond)
	var count int32
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), func() { atomic.AddInt32(&count, 1) }, func(error) {})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestOnceWatcherFiresAtScheduledTime(t *testing.T) {
	w := NewOnceWatcher(time.Now().Add(20 * time.Millisecond))
	fired := make(chan struct{}, 1)
	go w.Run(context.Background(), func() { fired <- struct{}{} }, func(error) {})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnceWatcher did not fire at its scheduled time")
	}
}

func TestOnceWatcherStopBeforeFirePreventsFiring(t *testing.T) {
	w := NewOnceWatcher(time.Now().Add(time.Hour))
	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), func() { fired <- struct{}{} }, func(error) {})
		close(done)
	}()

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	select {
	case <-fired:
		t.Fatal("should not have fired after Stop")
	default:
	}
}

func TestProcessWatcherFiresOnStart(t *testing.T) {
	running := false
	lister := func() (map[string]bool, error) {
		return map[string]bool{"target": running}, nil
	}
	w := NewProcessWatcher("target", ProcessStarted, 10*time.Millisecond, lister)

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() { fired <- struct{}{} }, func(error) {})

	time.Sleep(30 * time.Millisecond) // let the first (baseline) poll land
	running = true

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ProcessWatcher did not fire when the watched process started")
	}
}

func TestProcessWatcherFiresOnStop(t *testing.T) {
	running := true
	lister := func() (map[string]bool, error) {
		return map[string]bool{"target": running}, nil
	}
	w := NewProcessWatcher("target", ProcessStopped, 10*time.Millisecond, lister)

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() { fired <- struct{}{} }, func(error) {})

	time.Sleep(30 * time.Millisecond)
	running = false

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ProcessWatcher did not fire when the watched process stopped")
	}
}

func TestResourceWatcherFiresAfterSustainedThreshold(t *testing.T) {
	sampler := func(ResourceMetric) (float64, error) { return 95.0, nil }
	w := NewResourceWatcher(MetricCPUPercent, 90.0, 50*time.Millisecond, sampler)
	w.interval = 10 * time.Millisecond

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() { fired <- struct{}{} }, func(error) {})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ResourceWatcher did not fire after the metric stayed above threshold long enough")
	}
}

func TestResourceWatcherDoesNotFireBelowThreshold(t *testing.T) {
	sampler := func(ResourceMetric) (float64, error) { return 10.0, nil }
	w := NewResourceWatcher(MetricCPUPercent, 90.0, 20*time.Millisecond, sampler)
	w.interval = 10 * time.Millisecond

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() { fired <- struct{}{} }, func(error) {})

	select {
	case <-fired:
		t.Fatal("ResourceWatcher should not fire while the metric stays below threshold")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFSWatcherFiresOnFileCreation(t *testing.T) {
	dir := t.TempDir()
	w := NewFSWatcher(dir, false, []FSEventKind{FSCreated}, nil)

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func() { fired <- struct{}{} }, func(error) {})

	time.Sleep(30 * time.Millisecond) // let the watcher register before the write
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("FSWatcher did not fire on file creation")
	}
}
