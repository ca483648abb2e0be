package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/fieldops/db"
	"github.com/GoCodeAlone/fieldops/geofence"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func newSiteTask(title string, assignees ...string) *Task {
	return &Task{
		Title:      title,
		Location:   geofence.Coordinate{Lat: 52.52, Lng: 13.405},
		RadiusKm:   0.2,
		Status:     StatusWaitingForAcceptance,
		AssignedTo: assignees,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newSiteTask("Replace meter", "w1", "w2")
	task.Description = "Unit 4B"
	task.TimeLimitMinutes = 30
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Create did not assign an ID")
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Replace meter" || got.Description != "Unit 4B" {
		t.Errorf("got %q/%q", got.Title, got.Description)
	}
	if got.Location != task.Location || got.RadiusKm != 0.2 {
		t.Errorf("location = %v r=%v", got.Location, got.RadiusKm)
	}
	if got.Status != StatusWaitingForAcceptance {
		t.Errorf("Status = %q", got.Status)
	}
	if got.TimeLimitMinutes != 30 {
		t.Errorf("TimeLimitMinutes = %d, want 30", got.TimeLimitMinutes)
	}
	if len(got.AssignedTo) != 2 || got.AssignedTo[1] != "w2" {
		t.Errorf("AssignedTo = %v", got.AssignedTo)
	}
	if got.TimeLimitSet != nil || got.DeadlineAt != nil || got.EnteredSiteAt != nil {
		t.Error("new task should have no countdown or site entry")
	}
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ApplyGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	task := newSiteTask("Inspect", "w1")
	task.TimeLimitMinutes = 15
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Wrong source status: no change.
	ok, err := store.Apply(ctx, task.ID, Change{From: []Status{StatusOnTheWay}, Status: StatusOnSite, At: now})
	if err != nil || ok {
		t.Fatalf("Apply with wrong From = %v, %v; want false, nil", ok, err)
	}

	deadline := DeadlineFrom(now, 15)
	ok, err = store.Apply(ctx, task.ID, Change{
		From:       []Status{StatusWaitingForAcceptance},
		Status:     StatusOnTheWay,
		AcceptedAt: &now,
		Countdown:  &Countdown{Start: now, Deadline: deadline},
		At:         now,
	})
	if err != nil || !ok {
		t.Fatalf("Apply accept = %v, %v", ok, err)
	}
	got, _ := store.Get(ctx, task.ID)
	if got.DeadlineAt == nil || !got.DeadlineAt.Equal(deadline) {
		t.Errorf("DeadlineAt = %v, want %v", got.DeadlineAt, deadline)
	}
	if got.TimeLimitSet == nil || !got.TimeLimitSet.Equal(now) {
		t.Errorf("TimeLimitSet = %v, want %v", got.TimeLimitSet, now)
	}

	enter := now.Add(5 * time.Minute)
	c := Change{
		From:           []Status{StatusOnTheWay, StatusOnSite},
		Status:         StatusOnSite,
		EnterSite:      &enter,
		ClearCountdown: true,
		At:             enter,
	}
	if ok, err := store.Apply(ctx, task.ID, c); err != nil || !ok {
		t.Fatalf("Apply enter site = %v, %v", ok, err)
	}
	// Site entry is guarded by entered_site_at even if the status would allow it.
	if ok, err := store.Apply(ctx, task.ID, c); err != nil || ok {
		t.Fatalf("second site entry = %v, %v; want false, nil", ok, err)
	}
	got, _ = store.Get(ctx, task.ID)
	if got.TimeLimitSet != nil || got.DeadlineAt != nil {
		t.Error("countdown should be cleared on site entry")
	}
	if got.EnteredSiteAt == nil || !got.EnteredSiteAt.Equal(enter) {
		t.Errorf("EnteredSiteAt = %v, want %v", got.EnteredSiteAt, enter)
	}

	if _, err := store.Apply(ctx, task.ID, Change{Status: StatusCompleted, At: now}); err == nil {
		t.Error("Apply without From should fail")
	}
}

func TestSQLiteStore_RemoveIsSoftAndOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := newSiteTask("Remove me", "w1")
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Countdown required but absent.
	ok, err := store.Remove(ctx, task.ID, Removal{Reason: ReasonExpired, At: now, RequireCountdown: true})
	if err != nil || ok {
		t.Fatalf("Remove without countdown = %v, %v; want false, nil", ok, err)
	}

	ok, err = store.Remove(ctx, task.ID, Removal{Reason: ReasonRejected, At: now, From: []Status{StatusWaitingForAcceptance}})
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	ok, err = store.Remove(ctx, task.ID, Removal{Reason: ReasonAdminDeleted, At: now})
	if err != nil || ok {
		t.Fatalf("second Remove = %v, %v; want false, nil", ok, err)
	}

	if _, err := store.Get(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get removed task: err = %v, want ErrNotFound", err)
	}
	reason, err := store.RemovalReason(ctx, task.ID)
	if err != nil {
		t.Fatalf("RemovalReason: %v", err)
	}
	if reason != ReasonRejected {
		t.Errorf("reason = %q, want rejected", reason)
	}
}

func TestSQLiteStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tasks := []*Task{
		newSiteTask("t1", "w1"),
		newSiteTask("t2", "w2"),
		newSiteTask("t3", "w1", "w3"),
		newSiteTask("t4", "w3"),
	}
	tasks[1].Status = StatusCompleted
	for i, task := range tasks {
		task.CreatedAt = time.Date(2026, 1, 1, 9, i, 0, 0, time.UTC)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if ok, _ := store.Remove(ctx, tasks[3].ID, Removal{Reason: ReasonAdminDeleted, At: time.Now()}); !ok {
		t.Fatal("remove t4")
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List all: got %d, want 3 (removed tasks hidden)", len(all))
	}

	w1, err := store.List(ctx, Filter{AssignedTo: "w1"})
	if err != nil {
		t.Fatalf("List w1: %v", err)
	}
	if len(w1) != 2 || w1[0].Title != "t1" || w1[1].Title != "t3" {
		t.Errorf("List w1 = %v", titles(w1))
	}

	completed := StatusCompleted
	done, err := store.List(ctx, Filter{Status: &completed})
	if err != nil {
		t.Fatalf("List completed: %v", err)
	}
	if len(done) != 1 || done[0].Title != "t2" {
		t.Errorf("List completed = %v", titles(done))
	}

	page, err := store.List(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 1 || page[0].Title != "t2" {
		t.Errorf("List page = %v", titles(page))
	}
}

func TestSQLiteStore_Overdue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	mk := func(title string, deadline time.Time) *Task {
		task := newSiteTask(title, "w1")
		task.Status = StatusOnTheWay
		task.TimeLimitMinutes = 10
		start := deadline.Add(-10 * time.Minute)
		task.TimeLimitSet = &start
		task.DeadlineAt = &deadline
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
		return task
	}
	mk("late", now.Add(-time.Minute))
	mk("exactly due", now)
	mk("still time", now.Add(time.Minute))
	if err := store.Create(ctx, newSiteTask("no countdown", "w1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	overdue, err := store.Overdue(ctx, now)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(overdue) != 2 || overdue[0].Title != "late" || overdue[1].Title != "exactly due" {
		t.Errorf("Overdue = %v", titles(overdue))
	}
}

func titles(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Title
	}
	return out
}
