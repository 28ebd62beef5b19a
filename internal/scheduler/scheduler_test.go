package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/infrastructure/memstore"
	"github.com/askarbek/pulse/internal/notification"
	"github.com/askarbek/pulse/internal/repository"
	"github.com/askarbek/pulse/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(store *memstore.Store, opts scheduler.Options) *scheduler.Scheduler {
	if opts.ProcessEvery == 0 {
		opts.ProcessEvery = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return scheduler.New(store, opts)
}

// eventLog records lifecycle events across handler goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []scheduler.Event
}

func (l *eventLog) record(ev scheduler.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunsJobAndEmitsLifecycleInOrder(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	var ran int
	var mu sync.Mutex
	if err := engine.Define("greet", func(_ context.Context, j *scheduler.Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	log := &eventLog{}
	for _, ev := range []string{scheduler.EventStart, scheduler.EventSuccess, scheduler.EventFail, scheduler.EventComplete} {
		engine.On(ev, log.record)
	}

	job, err := engine.Now(ctx, "greet", map[string]any{"who": "world"})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID() == "" {
		t.Fatal("saved job has no id")
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 2*time.Second, "job completion", func() bool {
		return log.count(scheduler.EventComplete) == 1
	})

	names := log.names()
	want := []string{"start", "success", "complete"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}

	rec, err := store.GetJobByID(ctx, job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastFinishedAt == nil || rec.LockedAt != nil || rec.NextRunAt != nil {
		t.Fatalf("final record %+v", rec)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("ran %d times, want 1", ran)
	}
}

func TestPerKindEventsFire(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	if err := engine.Define("ping", func(context.Context, *scheduler.Job) error { return nil }); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	engine.On("success:ping", func(scheduler.Event) { close(done) })

	if _, err := engine.Now(ctx, "ping", nil); err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("success:ping never fired")
	}
}

func TestPriorityOrderWithSharedDueTime(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	if err := engine.Define("ranked", func(_ context.Context, j *scheduler.Job) error {
		mu.Lock()
		order = append(order, j.Data()["label"].(string))
		mu.Unlock()
		return nil
	}, scheduler.DefineOpts{Concurrency: 1}); err != nil {
		t.Fatal(err)
	}

	due := time.Now().Add(-time.Second)
	for label, p := range map[string]int{
		"low":    domain.PriorityLow,
		"high":   domain.PriorityHigh,
		"normal": domain.PriorityNormal,
	} {
		job := engine.Create("ranked", map[string]any{"label": label})
		job.Priority(p)
		if err := job.Schedule(due); err != nil {
			t.Fatal(err)
		}
		if _, err := job.Save(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 2*time.Second, "all runs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}

func TestDisabledJobIsNeverClaimed(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	started := make(chan struct{}, 1)
	if err := engine.Define("paused", func(context.Context, *scheduler.Job) error {
		started <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	job := engine.Create("paused", nil)
	job.Disable()
	if err := job.Schedule(time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := job.Save(ctx); err != nil {
		t.Fatal(err)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	select {
	case <-started:
		t.Fatal("disabled job ran")
	case <-time.After(200 * time.Millisecond):
	}

	if _, err := engine.Enable(ctx, repository.JobQuery{ID: job.ID()}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("enabled job never ran")
	}
}

func TestRemoveOnCompleteDeletesRecord(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	remove := true
	if err := engine.Define("ephemeral", func(context.Context, *scheduler.Job) error { return nil },
		scheduler.DefineOpts{RemoveOnComplete: &remove}); err != nil {
		t.Fatal(err)
	}

	complete := make(chan struct{})
	engine.On(scheduler.EventComplete, func(scheduler.Event) { close(complete) })

	job, err := engine.Now(ctx, "ephemeral", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	select {
	case <-complete:
	case <-time.After(2 * time.Second):
		t.Fatal("never completed")
	}

	waitFor(t, time.Second, "record removal", func() bool {
		_, err := store.GetJobByID(ctx, job.ID())
		return errors.Is(err, domain.ErrJobNotFound)
	})
}

func TestLockLifetimeTimeoutFailsRun(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	if err := engine.Define("sleepy", func(context.Context, *scheduler.Job) error {
		// Ignores cancellation on purpose.
		time.Sleep(300 * time.Millisecond)
		return nil
	}, scheduler.DefineOpts{LockLifetime: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	var failErr error
	var mu sync.Mutex
	failed := make(chan struct{})
	engine.On(scheduler.EventFail, func(ev scheduler.Event) {
		mu.Lock()
		failErr = ev.Err
		mu.Unlock()
		close(failed)
	})

	job, err := engine.Now(ctx, "sleepy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never surfaced as fail")
	}

	mu.Lock()
	if !errors.Is(failErr, domain.ErrJobTimeout) {
		t.Fatalf("fail error = %v, want timeout", failErr)
	}
	mu.Unlock()

	waitFor(t, time.Second, "fail persisted", func() bool {
		rec, err := store.GetJobByID(ctx, job.ID())
		return err == nil && rec.FailCount == 1 && rec.FailReason != nil
	})
}

func TestTouchKeepsLongRunAlive(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	if err := engine.Define("toucher", func(ctx context.Context, j *scheduler.Job) error {
		for i := 1; i <= 3; i++ {
			time.Sleep(40 * time.Millisecond)
			if err := j.Touch(ctx, float64(i*33)); err != nil {
				return err
			}
		}
		return nil
	}, scheduler.DefineOpts{LockLifetime: 80 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	log := &eventLog{}
	engine.On(scheduler.EventSuccess, log.record)
	engine.On(scheduler.EventFail, log.record)

	if _, err := engine.Now(ctx, "toucher", nil); err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 2*time.Second, "touched run to finish", func() bool {
		return log.count(scheduler.EventSuccess)+log.count(scheduler.EventFail) == 1
	})
	if log.count(scheduler.EventFail) != 0 {
		t.Fatal("touched run timed out")
	}
}

func TestBackoffRetriesThenExhausts(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var attempts int
	if err := engine.Define("flaky", func(context.Context, *scheduler.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("always down")
	}, scheduler.DefineOpts{
		Backoff: scheduler.LinearBackoff(10*time.Millisecond, 2),
	}); err != nil {
		t.Fatal(err)
	}

	log := &eventLog{}
	engine.On(scheduler.EventRetry, log.record)
	engine.On(scheduler.EventRetryExhausted, log.record)

	job, err := engine.Now(ctx, "flaky", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 5*time.Second, "retries to exhaust", func() bool {
		return log.count(scheduler.EventRetryExhausted) == 1
	})

	if got := log.count(scheduler.EventRetry); got != 2 {
		t.Fatalf("retry events = %d, want 2", got)
	}
	mu.Lock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	mu.Unlock()

	rec, err := store.GetJobByID(ctx, job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.FailCount != 3 {
		t.Fatalf("failCount = %d, want 3", rec.FailCount)
	}
}

func TestRecurringJobReschedulesBeforeHandlerRuns(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	observed := make(chan *time.Time, 1)
	if err := engine.Define("tick", func(ctx context.Context, j *scheduler.Job) error {
		// The recurrence must already be persisted while we run.
		rec, err := store.GetJobByID(ctx, j.ID())
		if err != nil {
			return err
		}
		select {
		case observed <- rec.NextRunAt:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Every(ctx, "1 hour", "tick", nil, scheduler.RepeatOpts{}); err != nil {
		t.Fatal(err)
	}
	// Make it due immediately without waiting an hour.
	result, err := store.QueryJobs(ctx, repository.JobQuery{Name: "tick"})
	if err != nil || len(result.Records) != 1 {
		t.Fatalf("seed query: %v %d", err, len(result.Records))
	}
	rec := result.Records[0]
	due := time.Now().Add(-time.Second)
	rec.NextRunAt = &due
	if _, err := store.SaveJob(ctx, rec, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	select {
	case next := <-observed:
		if next == nil || !next.After(time.Now()) {
			t.Fatalf("nextRunAt during run = %v, want future instant", next)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recurring job never ran")
	}
}

func TestSingleUpsertAcrossTwoSchedulers(t *testing.T) {
	store := memstore.New()
	a := newEngine(store, scheduler.Options{Name: "worker-a"})
	b := newEngine(store, scheduler.Options{Name: "worker-b"})
	ctx := context.Background()

	start := time.Now()
	if _, err := a.Every(ctx, "5m", "report", nil, scheduler.RepeatOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Every(ctx, "5m", "report", nil, scheduler.RepeatOpts{}); err != nil {
		t.Fatal(err)
	}

	result, err := store.QueryJobs(ctx, repository.JobQuery{Name: "report"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	rec := result.Records[0]
	if rec.Type != domain.TypeSingle {
		t.Fatalf("type = %s", rec.Type)
	}
	if rec.NextRunAt == nil || rec.NextRunAt.After(start.Add(5*time.Minute+time.Second)) {
		t.Fatalf("nextRunAt = %v, want within 5m of first call", rec.NextRunAt)
	}
}

func TestClaimExclusionAcrossWorkers(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	var mu sync.Mutex
	var starts int
	handler := func(context.Context, *scheduler.Job) error {
		mu.Lock()
		starts++
		mu.Unlock()
		return nil
	}

	a := newEngine(store, scheduler.Options{Name: "worker-a"})
	b := newEngine(store, scheduler.Options{Name: "worker-b"})
	if err := a.Define("shared", handler); err != nil {
		t.Fatal(err)
	}
	if err := b.Define("shared", handler); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Schedule(ctx, time.Now().Add(-time.Second), "shared", nil); err != nil {
		t.Fatal(err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx)
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(ctx)

	waitFor(t, 2*time.Second, "one worker to run the job", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts >= 1
	})
	// Give the other worker a few more ticks to (incorrectly) double-run.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if starts != 1 {
		t.Fatalf("starts = %d, want exactly 1", starts)
	}
}

func TestTrailingDebounceCollapsesBurst(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var runs []map[string]any
	if err := engine.Define("sync", func(_ context.Context, j *scheduler.Job) error {
		mu.Lock()
		runs = append(runs, j.Data())
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	d := domain.Debounce{Delay: 150 * time.Millisecond}
	unique := map[string]any{"data.key": "X"}
	for i := 1; i <= 5; i++ {
		if _, err := engine.NowDebounced(ctx, "sync",
			map[string]any{"key": "X", "seq": i}, d, unique); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 3*time.Second, "debounced run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) >= 1
	})
	// Let any spurious extra run surface.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want exactly 1", len(runs))
	}
	if runs[0]["seq"] != 5 {
		t.Fatalf("executed data = %v, want the last save's payload", runs[0])
	}
}

func TestPurgeRemovesOnlyUndefinedNames(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	if err := engine.Define("keep", func(context.Context, *scheduler.Job) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Now(ctx, "keep", nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := store.SaveJob(ctx, &domain.Job{Name: "orphan", NextRunAt: &now}, now); err != nil {
		t.Fatal(err)
	}

	removed, err := engine.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("purged %d, want 1", removed)
	}

	names, err := store.GetDistinctJobNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "keep" {
		t.Fatalf("remaining names = %v", names)
	}
}

func TestStopUnlocksClaimedNotStarted(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	release := make(chan struct{})
	if err := engine.Define("block", func(context.Context, *scheduler.Job) error {
		<-release
		return nil
	}, scheduler.DefineOpts{Concurrency: 1}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.Now(ctx, "block", nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// One running, two claimed and parked in the in-memory queue.
	waitFor(t, 2*time.Second, "all three claims", func() bool {
		result, err := store.QueryJobs(ctx, repository.JobQuery{Name: "block", State: domain.StateRunning})
		return err == nil && result.Total == 3
	})

	if err := engine.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	close(release)

	waitFor(t, 2*time.Second, "locks to clear", func() bool {
		result, err := store.QueryJobs(ctx, repository.JobQuery{Name: "block", IncludeDisabled: true})
		if err != nil {
			return false
		}
		for _, rec := range result.Records {
			if rec.LockedAt != nil {
				return false
			}
		}
		return true
	})
}

func TestNotificationWakesIdlePoller(t *testing.T) {
	store := memstore.New()
	channel := notification.NewMemoryChannel()
	ctx := context.Background()

	// Consumer polls so rarely that only a notification can wake it in time.
	consumer := newEngine(store, scheduler.Options{
		Name:         "consumer",
		ProcessEvery: time.Hour,
		Channel:      channel,
	})
	producer := newEngine(store, scheduler.Options{Name: "producer", ProcessEvery: time.Hour, Channel: channel})

	ran := make(chan struct{})
	if err := consumer.Define("notify-me", func(context.Context, *scheduler.Job) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := consumer.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer consumer.Stop(ctx)
	if err := producer.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer producer.Stop(ctx)

	if _, err := producer.Now(ctx, "notify-me", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("notification did not wake the idle consumer")
	}
}

func TestDefineRejectsUnknownHandlerShape(t *testing.T) {
	engine := newEngine(memstore.New(), scheduler.Options{})
	if err := engine.Define("bad", func(int) {}); err == nil {
		t.Fatal("expected error for unsupported handler signature")
	}
}

func TestResultHandlerStoresResult(t *testing.T) {
	store := memstore.New()
	engine := newEngine(store, scheduler.Options{})
	ctx := context.Background()

	if err := engine.Define("compute", func(context.Context, *scheduler.Job) (any, error) {
		return map[string]any{"sum": 42}, nil
	}, scheduler.DefineOpts{ShouldSaveResult: true}); err != nil {
		t.Fatal(err)
	}

	job, err := engine.Now(ctx, "compute", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop(ctx)

	waitFor(t, 2*time.Second, "result persisted", func() bool {
		rec, err := store.GetJobByID(ctx, job.ID())
		if err != nil || rec.Data == nil {
			return false
		}
		_, ok := rec.Data["result"]
		return ok
	})
}

func TestEveryRejectsInvalidInterval(t *testing.T) {
	engine := newEngine(memstore.New(), scheduler.Options{})
	if err := engine.Define("bad", func(context.Context, *scheduler.Job) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Every(context.Background(), "every blue moon", "bad", nil, scheduler.RepeatOpts{}); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
