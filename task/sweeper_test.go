package task

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/GoCodeAlone/fieldops/activity"
)

func TestSweeper_ExpiresOverdueOnce(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	late := f.create(t, 10)
	onTime := f.create(t, 60)
	noLimit := f.create(t, 0)
	for _, task := range []*Task{late, onTime, noLimit} {
		if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	sweeper := NewSweeper(f.machine, f.store, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.now = f.now.Add(5 * time.Minute)
	if n, err := sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0, nil", n, err)
	}

	f.now = f.now.Add(10 * time.Minute)
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Errorf("repeat sweep expired %d, want 0", n)
	}

	remaining, _ := f.store.List(ctx, Filter{})
	if len(remaining) != 2 {
		t.Errorf("active tasks = %d, want 2", len(remaining))
	}
	if c := f.recorder.count(activity.TypeTaskExpired); c != 1 {
		t.Errorf("task_expired records = %d, want 1", c)
	}
}

func TestSweeper_SkipsArrivedTasks(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	task := f.create(t, 10)
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := f.machine.OnGeofenceSample(ctx, task.ID, worker, true); err != nil {
		t.Fatalf("OnGeofenceSample: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	sweeper := NewSweeper(f.machine, f.store, 0, nil)
	if n, err := sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want 0, nil", n, err)
	}
	if _, err := f.store.Get(ctx, task.ID); err != nil {
		t.Errorf("arrived task should survive: %v", err)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newMachineFixture(t)
	sweeper := NewSweeper(f.machine, f.store, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
