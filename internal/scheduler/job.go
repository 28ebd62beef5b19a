package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/repository"
	"github.com/askarbek/pulse/internal/schedule"
)

// Job wraps a copy of the stored record. The repository stays authoritative:
// mutators change the copy and persistence is explicit via Save / the
// processor's state writes. The scheduler reference is non-owning.
type Job struct {
	s *Scheduler

	mu    sync.Mutex
	attrs domain.Job

	cancelErr error
	watchdog  *time.Timer
	cancelRun context.CancelFunc
}

// RepeatOpts tunes a recurring job.
type RepeatOpts struct {
	Timezone string
	// SkipImmediate advances the first run one interval past the current
	// nextRunAt instead of computing it from now.
	SkipImmediate bool
	StartDate     *time.Time
	EndDate       *time.Time
	SkipDays      []time.Weekday
}

func (s *Scheduler) newJob(attrs domain.Job) *Job {
	return &Job{s: s, attrs: attrs}
}

// wrap builds the in-process view of a freshly claimed record.
func (s *Scheduler) wrapJob(rec *domain.Job) *Job {
	return &Job{s: s, attrs: *rec}
}

// ID returns the persistent id, empty before the first save.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attrs.ID
}

// Name returns the kind this job resolves to.
func (j *Job) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attrs.Name
}

// Attrs returns a copy of the record attributes.
func (j *Job) Attrs() domain.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.attrs.Clone()
}

// Data returns the payload map. The map is shared with the job; handlers may
// read it freely and mutate it before calling Touch/Save.
func (j *Job) Data() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attrs.Data
}

// queue.Item implementation.

func (j *Job) JobID() string   { return j.ID() }
func (j *Job) JobName() string { return j.Name() }

func (j *Job) RunAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.attrs.NextRunAt == nil {
		return time.Time{}
	}
	return *j.attrs.NextRunAt
}

func (j *Job) RunPriority() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attrs.Priority
}

// Schedule sets when the job next becomes eligible. when accepts a
// time.Time, a duration, an RFC 3339 string or a relative phrase.
func (j *Job) Schedule(when any) error {
	t, err := schedule.ParseWhen(when, time.Now())
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.NextRunAt = &t
	return nil
}

// RepeatEvery configures an interval or cron recurrence and computes the
// first nextRunAt.
func (j *Job) RepeatEvery(interval string, opts RepeatOpts) error {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.RepeatInterval = interval
	j.attrs.RepeatAt = ""
	j.attrs.RepeatTimezone = opts.Timezone
	j.attrs.StartDate = opts.StartDate
	j.attrs.EndDate = opts.EndDate
	j.attrs.SkipDays = opts.SkipDays

	if err := schedule.ComputeNextRunAt(&j.attrs, now); err != nil {
		j.failLocked(err, now)
		return err
	}
	if opts.SkipImmediate && j.attrs.NextRunAt != nil {
		// Recompute as if the first tick had already run.
		first := *j.attrs.NextRunAt
		saved := j.attrs.LastRunAt
		j.attrs.LastRunAt = &first
		err := schedule.ComputeNextRunAt(&j.attrs, first)
		j.attrs.LastRunAt = saved
		if err != nil {
			j.failLocked(err, now)
			return err
		}
	}
	return nil
}

// RepeatAt configures a daily time-of-day recurrence such as "3:30pm".
func (j *Job) RepeatAt(at string) error {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.RepeatAt = at
	j.attrs.RepeatInterval = ""
	if err := schedule.ComputeNextRunAt(&j.attrs, now); err != nil {
		j.failLocked(err, now)
		return err
	}
	return nil
}

// Unique sets the deduplication predicate for saves of this job.
func (j *Job) Unique(predicate map[string]any, opts ...domain.UniqueOpts) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.Unique = predicate
	if len(opts) > 0 {
		j.attrs.UniqueOpts = opts[0]
	}
	return j
}

// Debounce collapses save bursts; requires a unique predicate at save time.
func (j *Job) Debounce(d domain.Debounce) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	if d.Strategy == "" {
		d.Strategy = domain.DebounceTrailing
	}
	j.attrs.Debounce = &d
	return j
}

// Priority sets the claim tie-break priority; see the domain presets.
func (j *Job) Priority(p int) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.Priority = p
	return j
}

// Disable prevents the job from being claimed until enabled again.
func (j *Job) Disable() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.Disabled = true
	return j
}

func (j *Job) Enable() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attrs.Disabled = false
	return j
}

// Fail records a failure on the in-memory copy.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failLocked(err, time.Now())
}

func (j *Job) failLocked(err error, now time.Time) {
	j.attrs.Fail(err, now)
}

// IsRunning reports whether a run of this record is in flight.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attrs.IsRunning()
}

// Save persists the job through the repository upsert rules and refreshes
// the in-memory copy with the stored row (id assignment, coalescing).
func (j *Job) Save(ctx context.Context) (*Job, error) {
	now := time.Now()

	j.mu.Lock()
	if j.attrs.Name == "" {
		j.mu.Unlock()
		return nil, fmt.Errorf("job has no name")
	}
	if j.attrs.Debounce != nil && len(j.attrs.Unique) == 0 {
		j.mu.Unlock()
		return nil, fmt.Errorf("debounce requires a unique predicate")
	}
	j.attrs.LastModifiedBy = j.s.name
	rec := j.attrs.Clone()
	j.mu.Unlock()

	saved, err := j.s.repo.SaveJob(ctx, rec, now)
	if err != nil {
		return nil, fmt.Errorf("save job %q: %w", rec.Name, err)
	}

	j.mu.Lock()
	j.attrs = *saved
	j.mu.Unlock()

	j.s.publishSaved(ctx, saved)
	return j, nil
}

// Remove deletes the record from the store.
func (j *Job) Remove(ctx context.Context) error {
	j.mu.Lock()
	id := j.attrs.ID
	j.mu.Unlock()
	if id == "" {
		return nil
	}
	_, err := j.s.repo.RemoveJobs(ctx, repository.JobQuery{ID: id, IncludeDisabled: true})
	return err
}

// Touch extends the claim and optionally reports progress (0-100). Fails
// once the run has been cancelled by the lock-lifetime watchdog.
func (j *Job) Touch(ctx context.Context, progress ...float64) error {
	now := time.Now()

	j.mu.Lock()
	if j.cancelErr != nil {
		err := j.cancelErr
		j.mu.Unlock()
		return err
	}
	j.attrs.LockedAt = &now
	if len(progress) > 0 {
		p := progress[0]
		j.attrs.Progress = &p
	}
	rec := j.attrs.Clone()
	j.mu.Unlock()

	if err := j.s.repo.SaveJobState(ctx, rec); err != nil {
		return err
	}
	j.s.extendWatchdog(j, now)
	j.s.publishProgress(ctx, rec)
	return nil
}

// markCancelled is called by the watchdog; later Touch calls fail and the
// run is recorded with this error no matter what the handler returns.
func (j *Job) markCancelled(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelErr == nil {
		j.cancelErr = err
	}
}

func (j *Job) cancelled() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelErr
}
