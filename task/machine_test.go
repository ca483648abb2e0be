package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/geofence"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []activity.Record
}

func (r *captureRecorder) Record(_ context.Context, rec activity.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *captureRecorder) count(typ activity.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Type == typ {
			n++
		}
	}
	return n
}

type machineFixture struct {
	machine  *Machine
	store    *SQLiteStore
	recorder *captureRecorder
	now      time.Time
}

var (
	admin  = Actor{UserID: "dispatch", Admin: true}
	worker = Actor{UserID: "w1"}
)

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{
		store:    newTestStore(t),
		recorder: &captureRecorder{},
		now:      time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC),
	}
	f.machine = NewMachine(f.store, f.recorder, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.machine.Now = func() time.Time { return f.now }
	return f
}

func (f *machineFixture) create(t *testing.T, timeLimit int) *Task {
	t.Helper()
	task := newSiteTask("Fix pump", worker.UserID)
	task.TimeLimitMinutes = timeLimit
	if err := f.machine.Create(context.Background(), task, admin); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestMachine_CreateRequiresAdmin(t *testing.T) {
	f := newMachineFixture(t)
	task := newSiteTask("Fix pump", worker.UserID)
	if err := f.machine.Create(context.Background(), task, worker); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	bad := newSiteTask("", worker.UserID)
	if err := f.machine.Create(context.Background(), bad, admin); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}

	created := f.create(t, 0)
	if created.Status != StatusWaitingForAcceptance {
		t.Errorf("Status = %q", created.Status)
	}
	if f.recorder.count(activity.TypeTaskCreated) != 1 {
		t.Error("expected one task_created record")
	}
}

// Accept with a 30 minute limit, then let the countdown run out before
// arrival: the task is removed exactly once.
func TestMachine_CountdownExpiry(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 30)
	t0 := f.now

	accepted, err := f.machine.Accept(ctx, task.ID, worker)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != StatusOnTheWay {
		t.Errorf("Status = %q, want on_the_way", accepted.Status)
	}
	if accepted.TimeLimitSet == nil || !accepted.TimeLimitSet.Equal(t0) {
		t.Fatalf("TimeLimitSet = %v, want %v", accepted.TimeLimitSet, t0)
	}

	f.now = t0.Add(29 * time.Minute)
	if rem := TimerFor(accepted).Remaining(f.now); rem <= 0 {
		t.Errorf("Remaining at +29m = %v, want > 0", rem)
	}
	if _, err := f.machine.OnTimerExpired(ctx, task.ID, worker); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early expiry err = %v, want ErrNotExpired", err)
	}

	f.now = t0.Add(31 * time.Minute)
	ok, err := f.machine.OnTimerExpired(ctx, task.ID, worker)
	if err != nil || !ok {
		t.Fatalf("OnTimerExpired = %v, %v; want true, nil", ok, err)
	}

	// Late duplicate reports see the task gone.
	if _, err := f.machine.OnTimerExpired(ctx, task.ID, worker); !errors.Is(err, ErrNotFound) {
		t.Errorf("second expiry err = %v, want ErrNotFound", err)
	}
	if _, err := f.store.Get(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry err = %v, want ErrNotFound", err)
	}
	reason, _ := f.store.RemovalReason(ctx, task.ID)
	if reason != ReasonExpired {
		t.Errorf("reason = %q, want expired", reason)
	}
	if n := f.recorder.count(activity.TypeTaskExpired); n != 1 {
		t.Errorf("task_expired records = %d, want 1", n)
	}
}

func TestMachine_ConcurrentExpiryRecordsOnce(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 5)
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.now = f.now.Add(10 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := f.machine.OnTimerExpired(ctx, task.ID, SystemActor)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winning expiries = %d, want 1", wins)
	}
	if n := f.recorder.count(activity.TypeTaskExpired); n != 1 {
		t.Errorf("task_expired records = %d, want 1", n)
	}
}

// Repeated inside samples move the task on site once and cancel the
// countdown.
func TestMachine_EnterSiteOnce(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 30)
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	res, err := f.machine.OnGeofenceSample(ctx, task.ID, worker, false)
	if err != nil || res.Entered {
		t.Fatalf("outside sample = %+v, %v", res, err)
	}

	entered := 0
	for i := range 3 {
		f.now = f.now.Add(time.Duration(i+1) * time.Minute)
		res, err := f.machine.OnGeofenceSample(ctx, task.ID, worker, true)
		if err != nil {
			t.Fatalf("inside sample %d: %v", i, err)
		}
		if res.Entered {
			entered++
		}
		if res.Task.Status != StatusOnSite {
			t.Errorf("sample %d: Status = %q, want on_site", i, res.Task.Status)
		}
		if res.Task.TimeLimitSet != nil {
			t.Errorf("sample %d: countdown still set", i)
		}
	}
	if entered != 1 {
		t.Errorf("Entered reported %d times, want 1", entered)
	}
	if n := f.recorder.count(activity.TypeSiteEntered); n != 1 {
		t.Errorf("site_entered records = %d, want 1", n)
	}

	// The countdown is gone, so expiry can no longer fire.
	f.now = f.now.Add(time.Hour)
	if _, err := f.machine.OnTimerExpired(ctx, task.ID, worker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expiry after arrival err = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_OnLocationSample(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 0)
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	far := geofence.Coordinate{Lat: 52.60, Lng: 13.405}
	res, err := f.machine.OnLocationSample(ctx, task.ID, worker, far)
	if err != nil {
		t.Fatalf("far sample: %v", err)
	}
	if res.Entered || res.Fence == nil || res.Fence.Inside {
		t.Errorf("far sample = %+v", res)
	}

	near := geofence.Coordinate{Lat: 52.5205, Lng: 13.405}
	res, err = f.machine.OnLocationSample(ctx, task.ID, worker, near)
	if err != nil {
		t.Fatalf("near sample: %v", err)
	}
	if !res.Entered || res.Task.Status != StatusOnSite {
		t.Errorf("near sample = %+v", res)
	}

	if _, err := f.machine.OnLocationSample(ctx, task.ID, worker, geofence.Coordinate{Lat: 100}); !errors.Is(err, geofence.ErrInvalidCoordinate) {
		t.Errorf("invalid coordinate err = %v", err)
	}
}

func TestMachine_RejectRemoves(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 0)

	if err := f.machine.Reject(ctx, task.ID, worker); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := f.machine.Get(ctx, task.ID, worker); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after reject err = %v, want ErrNotFound", err)
	}
	if f.recorder.count(activity.TypeTaskRejected) != 1 {
		t.Error("expected one task_rejected record")
	}
}

func TestMachine_Legality(t *testing.T) {
	tests := []struct {
		status Status
		op     string
		want   bool
	}{
		{StatusWaitingForAcceptance, OpAccept, true},
		{StatusWaitingForAcceptance, OpReject, true},
		{StatusWaitingForAcceptance, OpComplete, false},
		{StatusWaitingForAcceptance, OpEnterSite, false},
		{StatusOnTheWay, OpEnterSite, true},
		{StatusOnTheWay, OpComplete, true},
		{StatusOnTheWay, OpExpire, true},
		{StatusOnTheWay, OpAccept, false},
		{StatusOnTheWay, OpReject, false},
		{StatusOnSite, OpComplete, true},
		{StatusOnSite, OpEnterSite, false},
		{StatusOnSite, OpExpire, false},
		{StatusCompleted, OpComplete, false},
		{StatusCompleted, OpAccept, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.status, tt.op); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.status, tt.op, got, tt.want)
		}
	}
}

func TestMachine_IllegalTransitions(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 0)

	if _, err := f.machine.EndTask(ctx, task.ID, worker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete waiting task err = %v", err)
	}
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := f.machine.Accept(ctx, task.ID, worker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double accept err = %v", err)
	}
	if err := f.machine.Reject(ctx, task.ID, worker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reject on the way err = %v", err)
	}

	done, err := f.machine.EndTask(ctx, task.ID, worker)
	if err != nil {
		t.Fatalf("EndTask: %v", err)
	}
	if !done.Completed || done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("completed task = %+v", done)
	}
	if _, err := f.machine.EndTask(ctx, task.ID, worker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double complete err = %v", err)
	}
}

func TestMachine_ForbiddenForOtherWorkers(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 0)
	other := Actor{UserID: "w2"}

	if _, err := f.machine.Get(ctx, task.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get err = %v, want ErrForbidden", err)
	}
	if _, err := f.machine.Accept(ctx, task.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Accept err = %v, want ErrForbidden", err)
	}
	if err := f.machine.AdminDelete(ctx, task.ID, worker); !errors.Is(err, ErrForbidden) {
		t.Errorf("AdminDelete err = %v, want ErrForbidden", err)
	}

	mine, err := f.machine.List(ctx, other, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 0 {
		t.Errorf("other worker sees %d tasks, want 0", len(mine))
	}
	all, _ := f.machine.List(ctx, admin, Filter{})
	if len(all) != 1 {
		t.Errorf("admin sees %d tasks, want 1", len(all))
	}
}

func TestMachine_AdminDelete(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 0)
	if _, err := f.machine.Accept(ctx, task.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := f.machine.AdminDelete(ctx, task.ID, admin); err != nil {
		t.Fatalf("AdminDelete: %v", err)
	}
	if err := f.machine.AdminDelete(ctx, task.ID, admin); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	reason, _ := f.store.RemovalReason(ctx, task.ID)
	if reason != ReasonAdminDeleted {
		t.Errorf("reason = %q", reason)
	}
	if f.recorder.count(activity.TypeTaskDeleted) != 1 {
		t.Error("expected one task_deleted record")
	}
}

func TestMachine_ApplyPatch(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	task := f.create(t, 20)

	onTheWay := StatusOnTheWay
	if _, err := f.machine.ApplyPatch(ctx, task.ID, worker, Patch{Status: &onTheWay}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("worker patch err = %v, want ErrForbidden", err)
	}

	got, err := f.machine.ApplyPatch(ctx, task.ID, admin, Patch{Status: &onTheWay})
	if err != nil {
		t.Fatalf("patch status: %v", err)
	}
	if got.Status != StatusOnTheWay || got.DeadlineAt == nil {
		t.Errorf("patched task = %+v", got)
	}

	restart := f.now.Add(10 * time.Minute)
	got, err = f.machine.ApplyPatch(ctx, task.ID, admin, Patch{TimeLimitSet: &restart})
	if err != nil {
		t.Fatalf("patch countdown: %v", err)
	}
	if want := restart.Add(20 * time.Minute); got.DeadlineAt == nil || !got.DeadlineAt.Equal(want) {
		t.Errorf("DeadlineAt = %v, want %v", got.DeadlineAt, want)
	}

	got, err = f.machine.ApplyPatch(ctx, task.ID, admin, Patch{ClearTimeLimitSet: true})
	if err != nil {
		t.Fatalf("clear countdown: %v", err)
	}
	if got.TimeLimitSet != nil || got.DeadlineAt != nil {
		t.Error("countdown should be cleared")
	}

	back := StatusWaitingForAcceptance
	if _, err := f.machine.ApplyPatch(ctx, task.ID, admin, Patch{Status: &back}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backwards patch err = %v, want ErrInvalidTransition", err)
	}

	yes := true
	got, err = f.machine.ApplyPatch(ctx, task.ID, admin, Patch{Completed: &yes})
	if err != nil {
		t.Fatalf("patch completed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestParseStatus(t *testing.T) {
	for _, st := range Statuses {
		got, err := ParseStatus(string(st))
		if err != nil || got != st {
			t.Errorf("ParseStatus(%q) = %q, %v", st, got, err)
		}
	}
	for _, bad := range []string{"", "pending", "ON_SITE", "done"} {
		if _, err := ParseStatus(bad); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("ParseStatus(%q) err = %v, want ErrInvalidStatus", bad, err)
		}
	}
}

var errStoreDown = errors.New("disk I/O error")

// failingStore fails every write while down is set.
type failingStore struct {
	*SQLiteStore
	down bool
}

func (s *failingStore) Apply(ctx context.Context, id string, c Change) (bool, error) {
	if s.down {
		return false, errStoreDown
	}
	return s.SQLiteStore.Apply(ctx, id, c)
}

func (s *failingStore) Remove(ctx context.Context, id string, r Removal) (bool, error) {
	if s.down {
		return false, errStoreDown
	}
	return s.SQLiteStore.Remove(ctx, id, r)
}

// Every transition surfaces a failed write, records nothing and leaves the
// task as it was; the same call succeeds once the store recovers.
func TestMachine_FailedWriteDoesNotAdvance(t *testing.T) {
	f := newMachineFixture(t)
	store := &failingStore{SQLiteStore: f.store}
	m := NewMachine(store, f.recorder, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Now = func() time.Time { return f.now }
	ctx := context.Background()

	retry := func(name string, typ activity.Type, id string, want Status, call func() error) {
		t.Helper()
		store.down = true
		before := f.recorder.count(typ)
		if err := call(); !errors.Is(err, errStoreDown) {
			t.Fatalf("%s with store down: err = %v, want errStoreDown", name, err)
		}
		if f.recorder.count(typ) != before {
			t.Errorf("%s recorded %s despite failed write", name, typ)
		}
		if got, err := f.store.Get(ctx, id); err != nil || got.Status != want {
			t.Errorf("%s with store down: task = %+v, %v; want status %q", name, got, err, want)
		}

		store.down = false
		if err := call(); err != nil {
			t.Fatalf("%s after recovery: %v", name, err)
		}
		if f.recorder.count(typ) != before+1 {
			t.Errorf("%s after recovery: %s records = %d, want %d", name, typ, f.recorder.count(typ), before+1)
		}
	}

	arrive := f.create(t, 30)
	retry("accept", activity.TypeTaskAccepted, arrive.ID, StatusWaitingForAcceptance, func() error {
		_, err := m.Accept(ctx, arrive.ID, worker)
		return err
	})
	retry("enter site", activity.TypeSiteEntered, arrive.ID, StatusOnTheWay, func() error {
		res, err := m.OnGeofenceSample(ctx, arrive.ID, worker, true)
		if err == nil && !res.Entered {
			t.Error("recovered sample did not enter the site")
		}
		return err
	})
	retry("complete", activity.TypeTaskCompleted, arrive.ID, StatusOnSite, func() error {
		_, err := m.EndTask(ctx, arrive.ID, worker)
		return err
	})

	late := f.create(t, 30)
	if _, err := m.Accept(ctx, late.ID, worker); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.now = f.now.Add(31 * time.Minute)
	retry("expire", activity.TypeTaskExpired, late.ID, StatusOnTheWay, func() error {
		removed, err := m.OnTimerExpired(ctx, late.ID, worker)
		if err == nil && !removed {
			t.Error("recovered expiry did not remove the task")
		}
		return err
	})

	rejected := f.create(t, 0)
	retry("reject", activity.TypeTaskRejected, rejected.ID, StatusWaitingForAcceptance, func() error {
		return m.Reject(ctx, rejected.ID, worker)
	})
}
