package domain

import (
	"errors"
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestComputedState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		job  Job
		want State
	}{
		{
			name: "running while locked",
			job:  Job{LockedAt: ptr(now.Add(-time.Minute)), LastRunAt: ptr(now.Add(-time.Minute))},
			want: StateRunning,
		},
		{
			name: "scheduled in the future",
			job:  Job{NextRunAt: ptr(now.Add(time.Hour))},
			want: StateScheduled,
		},
		{
			name: "queued when due and unlocked",
			job:  Job{NextRunAt: ptr(now.Add(-time.Second))},
			want: StateQueued,
		},
		{
			name: "completed one-shot",
			job:  Job{LastRunAt: ptr(now.Add(-2 * time.Minute)), LastFinishedAt: ptr(now.Add(-time.Minute))},
			want: StateCompleted,
		},
		{
			name: "failed",
			job: Job{
				LastRunAt:      ptr(now.Add(-2 * time.Minute)),
				LastFinishedAt: ptr(now.Add(-time.Minute)),
				FailedAt:       ptr(now.Add(-time.Minute)),
				FailReason:     strPtr("boom"),
			},
			want: StateFailed,
		},
	}

	for _, tc := range cases {
		if got := tc.job.ComputedState(now); got != tc.want {
			t.Fatalf("%s: state = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func strPtr(s string) *string { return &s }

func TestFailIncrementsCount(t *testing.T) {
	now := time.Now()
	job := Job{FailCount: 2}
	job.Fail(errors.New("boom"), now)

	if job.FailCount != 3 {
		t.Fatalf("failCount = %d, want 3", job.FailCount)
	}
	if job.FailReason == nil || *job.FailReason != "boom" {
		t.Fatalf("failReason = %v", job.FailReason)
	}
	if job.FailedAt == nil || job.LastFinishedAt == nil {
		t.Fatal("failedAt and lastFinishedAt must be set")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	job := &Job{
		Data:      map[string]any{"k": "v"},
		NextRunAt: ptr(now),
	}
	c := job.Clone()
	c.Data["k"] = "changed"
	*c.NextRunAt = now.Add(time.Hour)

	if job.Data["k"] != "v" {
		t.Fatal("clone shares data map")
	}
	if !job.NextRunAt.Equal(now) {
		t.Fatal("clone shares nextRunAt pointer")
	}
}

func TestMatchesUnique(t *testing.T) {
	job := &Job{
		Name:     "send-email",
		Priority: 10,
		Data:     map[string]any{"recipient": "a@example.com", "count": 3},
	}

	if !MatchesUnique(job, map[string]any{"data.recipient": "a@example.com"}) {
		t.Fatal("expected data predicate to match")
	}
	if !MatchesUnique(job, map[string]any{"priority": 10, "name": "send-email"}) {
		t.Fatal("expected field predicate to match")
	}
	// JSON round-trips turn ints into float64; both sides must compare equal.
	if !MatchesUnique(job, map[string]any{"data.count": float64(3)}) {
		t.Fatal("expected numeric predicate to match across types")
	}
	if MatchesUnique(job, map[string]any{"data.recipient": "b@example.com"}) {
		t.Fatal("unexpected match")
	}
	if MatchesUnique(job, map[string]any{"data.missing": "x"}) {
		t.Fatal("missing key must not match")
	}
}

func TestApplyDebounceTrailing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := &Debounce{Delay: time.Second, Strategy: DebounceTrailing}

	first := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(nil, first, now)
	if first.NextRunAt == nil || !first.NextRunAt.Equal(now.Add(time.Second)) {
		t.Fatalf("nextRunAt = %v", first.NextRunAt)
	}

	// A later save pushes execution further out.
	second := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(first, second, now.Add(500*time.Millisecond))
	if second.NextRunAt == nil || !second.NextRunAt.Equal(now.Add(1500*time.Millisecond)) {
		t.Fatalf("nextRunAt = %v", second.NextRunAt)
	}
}

func TestApplyDebounceTrailingMaxWait(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := &Debounce{Delay: time.Second, MaxWait: 2 * time.Second, Strategy: DebounceTrailing}

	first := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(nil, first, now)
	if first.DebounceStartedAt == nil || !first.DebounceStartedAt.Equal(now) {
		t.Fatalf("debounceStartedAt = %v", first.DebounceStartedAt)
	}

	// Still inside maxWait: the burst keeps sliding.
	mid := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(first, mid, now.Add(time.Second))
	if mid.DebounceStartedAt == nil || !mid.DebounceStartedAt.Equal(now) {
		t.Fatalf("debounceStartedAt = %v, want preserved %s", mid.DebounceStartedAt, now)
	}

	// Past maxWait: forced to fire now, burst marker cleared.
	late := &Job{Name: "sync", Debounce: d}
	at := now.Add(2500 * time.Millisecond)
	ApplyDebounce(mid, late, at)
	if late.NextRunAt == nil || !late.NextRunAt.Equal(at) {
		t.Fatalf("nextRunAt = %v, want forced %s", late.NextRunAt, at)
	}
	if late.DebounceStartedAt != nil {
		t.Fatal("debounceStartedAt must be cleared after maxWait fires")
	}
}

func TestApplyDebounceLeading(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := &Debounce{Delay: time.Second, Strategy: DebounceLeading}

	first := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(nil, first, now)
	if first.NextRunAt == nil || !first.NextRunAt.Equal(now) {
		t.Fatalf("leading first save should fire immediately, got %v", first.NextRunAt)
	}

	// Inside the window: schedule untouched.
	second := &Job{Name: "sync", Debounce: d}
	ApplyDebounce(first, second, now.Add(500*time.Millisecond))
	if second.NextRunAt == nil || !second.NextRunAt.Equal(now) {
		t.Fatalf("nextRunAt = %v, want unchanged %s", second.NextRunAt, now)
	}

	// Past the window: a new burst starts.
	third := &Job{Name: "sync", Debounce: d}
	at := now.Add(2 * time.Second)
	ApplyDebounce(second, third, at)
	if third.NextRunAt == nil || !third.NextRunAt.Equal(at) {
		t.Fatalf("nextRunAt = %v, want new burst %s", third.NextRunAt, at)
	}
}
