// Package scheduler is the distributed execution engine: it registers job
// kinds, persists jobs through the repository, and runs a processor that
// claims due records with an atomic lock-and-fetch so each job executes
// at most once per scheduled run across any number of worker processes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/events"
	"github.com/askarbek/pulse/internal/notification"
	"github.com/askarbek/pulse/internal/queue"
	"github.com/askarbek/pulse/internal/repository"
)

// Lifecycle event names. Each also fires with a ":<name>" suffix for the
// job's kind, e.g. "success:send-email".
const (
	EventReady          = "ready"
	EventError          = "error"
	EventStart          = "start"
	EventSuccess        = "success"
	EventFail           = "fail"
	EventRetry          = "retry"
	EventRetryExhausted = "retry exhausted"
	EventComplete       = "complete"
)

// Event is the payload delivered to On listeners.
type Event struct {
	Name  string
	Job   *Job
	Err   error
	Retry *RetryInfo
}

// RetryInfo describes an automatic retry scheduled by a backoff strategy.
type RetryInfo struct {
	Attempt   int
	Delay     time.Duration
	NextRunAt time.Time
	Err       error
}

// HandlerFunc is the plain handler shape.
type HandlerFunc func(ctx context.Context, job *Job) error

// ResultHandlerFunc additionally returns a value stored under data.result
// when the definition sets ShouldSaveResult.
type ResultHandlerFunc func(ctx context.Context, job *Job) (any, error)

// DefineOpts tunes a job kind registration. Zero values inherit the
// scheduler defaults.
type DefineOpts struct {
	Concurrency  int
	LockLimit    int
	LockLifetime time.Duration
	Priority     int
	// ShouldSaveResult stores the handler's return value in data.result.
	ShouldSaveResult bool
	// RemoveOnComplete deletes a one-shot record after a successful run.
	// nil inherits the scheduler option.
	RemoveOnComplete *bool
	Backoff          Backoff
	// ForkMode runs the handler in a child process; see Options.ForkCommand.
	ForkMode bool
}

type definition struct {
	name             string
	fn               ResultHandlerFunc
	concurrency      int
	lockLimit        int
	lockLifetime     time.Duration
	priority         int
	shouldSaveResult bool
	removeOnComplete bool
	backoff          Backoff
	forkMode         bool

	// guarded by Scheduler.mu
	running int
	locked  int
}

// Options configures a Scheduler instance.
type Options struct {
	// Name identifies this worker in lastModifiedBy and notification
	// sources. Defaults to hostname-pid.
	Name string

	ProcessEvery        time.Duration // poll period, default 5s
	DefaultConcurrency  int           // per-kind run cap, default 5
	MaxConcurrency      int           // process-wide run cap, default 20
	DefaultLockLimit    int           // per-kind claimed-not-started cap, 0 = unlimited
	LockLimit           int           // global claimed-not-started cap, 0 = unlimited
	DefaultLockLifetime time.Duration // lock TTL, default 10m
	RemoveOnComplete    bool          // delete one-shot jobs on success

	Logger  *slog.Logger
	Channel notification.Channel

	// ForkCommand is the argv prefix for ForkMode definitions; the job id is
	// appended. Defaults to re-invoking this binary with -run-job.
	ForkCommand []string
}

const (
	defaultProcessEvery = 5 * time.Second
	defaultConcurrency  = 5
	defaultMaxConc      = 20
	defaultLockLifetime = 10 * time.Minute
)

// Scheduler is instantiable; multiple instances per process each carry their
// own definitions, processor and notification subscription.
type Scheduler struct {
	repo    repository.JobRepository
	channel notification.Channel
	logger  *slog.Logger
	emitter *events.Emitter[Event]

	name                string
	processEvery        time.Duration
	defaultConcurrency  int
	maxConcurrency      int
	defaultLockLimit    int
	lockLimit           int
	defaultLockLifetime time.Duration
	removeOnComplete    bool
	forkCommand         []string

	mu          sync.Mutex
	definitions map[string]*definition
	q           *queue.Queue[*Job]
	handled     map[string]bool
	filling     map[string]bool
	pending     map[string]*pendingRun
	totalRun    int
	totalLocked int
	started     bool
	draining    bool

	baseCtx     context.Context
	stopCh      chan struct{}
	wakeCh      chan string
	unsubscribe func()
	loopDone    chan struct{}
	inflight    sync.WaitGroup
}

type pendingRun struct {
	job   *Job
	timer *time.Timer
}

// New builds a Scheduler over the given repository.
func New(repo repository.JobRepository, opts Options) *Scheduler {
	if opts.Name == "" {
		hostname, _ := os.Hostname()
		opts.Name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if opts.ProcessEvery <= 0 {
		opts.ProcessEvery = defaultProcessEvery
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = defaultConcurrency
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConc
	}
	if opts.DefaultLockLifetime <= 0 {
		opts.DefaultLockLifetime = defaultLockLifetime
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.ForkCommand) == 0 {
		opts.ForkCommand = []string{os.Args[0], "-run-job"}
	}

	return &Scheduler{
		repo:                repo,
		channel:             opts.Channel,
		logger:              opts.Logger.With("component", "scheduler"),
		emitter:             events.New[Event](),
		name:                opts.Name,
		processEvery:        opts.ProcessEvery,
		defaultConcurrency:  opts.DefaultConcurrency,
		maxConcurrency:      opts.MaxConcurrency,
		defaultLockLimit:    opts.DefaultLockLimit,
		lockLimit:           opts.LockLimit,
		defaultLockLifetime: opts.DefaultLockLifetime,
		removeOnComplete:    opts.RemoveOnComplete,
		forkCommand:         opts.ForkCommand,
		definitions:         make(map[string]*definition),
		q:                   queue.New[*Job](),
		handled:             make(map[string]bool),
		filling:             make(map[string]bool),
		pending:             make(map[string]*pendingRun),
	}
}

// Name returns the worker identity used in lastModifiedBy.
func (s *Scheduler) Name() string { return s.name }

// Define registers a processor for the kind. handler must be a HandlerFunc
// or a ResultHandlerFunc (or a func with one of those signatures).
func (s *Scheduler) Define(name string, handler any, opts ...DefineOpts) error {
	if name == "" {
		return fmt.Errorf("define: empty job name")
	}
	fn, err := normalizeHandler(handler)
	if err != nil {
		return fmt.Errorf("define %q: %w", name, err)
	}

	var o DefineOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Concurrency <= 0 {
		o.Concurrency = s.defaultConcurrency
	}
	if o.LockLimit <= 0 {
		o.LockLimit = s.defaultLockLimit
	}
	if o.LockLifetime <= 0 {
		o.LockLifetime = s.defaultLockLifetime
	}
	removeOnComplete := s.removeOnComplete
	if o.RemoveOnComplete != nil {
		removeOnComplete = *o.RemoveOnComplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[name] = &definition{
		name:             name,
		fn:               fn,
		concurrency:      o.Concurrency,
		lockLimit:        o.LockLimit,
		lockLifetime:     o.LockLifetime,
		priority:         o.Priority,
		shouldSaveResult: o.ShouldSaveResult,
		removeOnComplete: removeOnComplete,
		backoff:          o.Backoff,
		forkMode:         o.ForkMode,
	}
	return nil
}

func normalizeHandler(handler any) (ResultHandlerFunc, error) {
	switch fn := handler.(type) {
	case ResultHandlerFunc:
		return fn, nil
	case func(context.Context, *Job) (any, error):
		return fn, nil
	case HandlerFunc:
		return func(ctx context.Context, j *Job) (any, error) { return nil, fn(ctx, j) }, nil
	case func(context.Context, *Job) error:
		return func(ctx context.Context, j *Job) (any, error) { return nil, fn(ctx, j) }, nil
	}
	return nil, fmt.Errorf("unsupported handler signature %T", handler)
}

// DefinedNames returns the registered kinds.
func (s *Scheduler) DefinedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) definition(name string) *definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.definitions[name]
}

// On subscribes to a lifecycle event; returns the unsubscribe func.
func (s *Scheduler) On(event string, fn func(Event)) func() {
	return s.emitter.On(event, fn)
}

func (s *Scheduler) emit(name, jobName string, ev Event) {
	ev.Name = name
	s.emitter.Emit(name, ev)
	if jobName != "" {
		s.emitter.Emit(name+":"+jobName, ev)
	}
}

// Create builds an unsaved job of the given kind.
func (s *Scheduler) Create(name string, data map[string]any) *Job {
	attrs := domain.Job{
		Name: name,
		Type: domain.TypeNormal,
		Data: data,
	}
	if def := s.definition(name); def != nil {
		attrs.Priority = def.priority
	}
	return s.newJob(attrs)
}

// Schedule persists a job eligible at the given instant. when accepts a
// time.Time, a duration, an RFC 3339 string or a relative phrase such as
// "tomorrow at noon".
func (s *Scheduler) Schedule(ctx context.Context, when any, name string, data map[string]any) (*Job, error) {
	job := s.Create(name, data)
	if err := job.Schedule(when); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", name, err)
	}
	return job.Save(ctx)
}

// ScheduleAll schedules one job per name at the same instant.
func (s *Scheduler) ScheduleAll(ctx context.Context, when any, names []string, data map[string]any) ([]*Job, error) {
	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		job, err := s.Schedule(ctx, when, name, data)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Every persists a single-type recurring job. interval is a duration string,
// a number of milliseconds, or a cron expression.
func (s *Scheduler) Every(ctx context.Context, interval, name string, data map[string]any, opts RepeatOpts) (*Job, error) {
	job := s.Create(name, data)
	job.mu.Lock()
	job.attrs.Type = domain.TypeSingle
	job.mu.Unlock()
	if err := job.RepeatEvery(interval, opts); err != nil {
		return nil, fmt.Errorf("every %q: %w", name, err)
	}
	return job.Save(ctx)
}

// EveryAll registers the same recurrence for several names.
func (s *Scheduler) EveryAll(ctx context.Context, interval string, names []string, data map[string]any, opts RepeatOpts) ([]*Job, error) {
	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		job, err := s.Every(ctx, interval, name, data, opts)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Now persists a job eligible immediately.
func (s *Scheduler) Now(ctx context.Context, name string, data map[string]any) (*Job, error) {
	return s.Schedule(ctx, time.Now(), name, data)
}

// NowDebounced persists an immediately eligible job deduplicated by the
// unique predicate and coalesced by the debounce window.
func (s *Scheduler) NowDebounced(ctx context.Context, name string, data map[string]any, d domain.Debounce, unique map[string]any) (*Job, error) {
	job := s.Create(name, data)
	if err := job.Schedule(time.Now()); err != nil {
		return nil, err
	}
	job.Unique(unique).Debounce(d)
	return job.Save(ctx)
}

// Jobs queries stored records.
func (s *Scheduler) Jobs(ctx context.Context, q repository.JobQuery) (repository.QueryResult, error) {
	return s.repo.QueryJobs(ctx, q)
}

// Cancel removes every record matching the query.
func (s *Scheduler) Cancel(ctx context.Context, q repository.JobQuery) (int64, error) {
	q.IncludeDisabled = true
	return s.repo.RemoveJobs(ctx, q)
}

// Purge removes records whose name has no current definition.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	stored, err := s.repo.GetDistinctJobNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	s.mu.Lock()
	var undefined []string
	for _, name := range stored {
		if _, ok := s.definitions[name]; !ok {
			undefined = append(undefined, name)
		}
	}
	s.mu.Unlock()

	if len(undefined) == 0 {
		return 0, nil
	}
	return s.repo.RemoveJobs(ctx, repository.JobQuery{Names: undefined, IncludeDisabled: true})
}

// Enable makes matching records claimable again.
func (s *Scheduler) Enable(ctx context.Context, q repository.JobQuery) (int64, error) {
	q.IncludeDisabled = true
	return s.repo.SetDisabled(ctx, q, false)
}

// Disable stops matching records from being claimed.
func (s *Scheduler) Disable(ctx context.Context, q repository.JobQuery) (int64, error) {
	q.IncludeDisabled = true
	return s.repo.SetDisabled(ctx, q, true)
}

// JobNames lists the distinct names present in the store.
func (s *Scheduler) JobNames(ctx context.Context) ([]string, error) {
	return s.repo.GetDistinctJobNames(ctx)
}

// QueueSize counts records due now and not locked.
func (s *Scheduler) QueueSize(ctx context.Context) (int64, error) {
	return s.repo.GetQueueSize(ctx, time.Now())
}

// publishSaved announces new work on the notification channel, collapsing
// peer polling latency. Best-effort: publish failures only log.
func (s *Scheduler) publishSaved(ctx context.Context, rec *domain.Job) {
	if s.channel == nil || s.channel.State() != notification.StateConnected {
		return
	}
	err := s.channel.Publish(ctx, notification.JobNotification{
		JobID:     rec.ID,
		JobName:   rec.Name,
		NextRunAt: rec.NextRunAt,
		Priority:  rec.Priority,
		Timestamp: time.Now(),
		Source:    s.name,
	})
	if err != nil {
		s.logger.Warn("publish job notification", "job", rec.Name, "error", err)
	}
}

func (s *Scheduler) publishProgress(ctx context.Context, rec *domain.Job) {
	s.publishState(ctx, notification.JobStateNotification{
		Type:     notification.StateProgress,
		JobID:    rec.ID,
		JobName:  rec.Name,
		Progress: rec.Progress,
	})
}

func (s *Scheduler) publishState(ctx context.Context, n notification.JobStateNotification) {
	if s.channel == nil || s.channel.State() != notification.StateConnected {
		return
	}
	n.Timestamp = time.Now()
	n.Source = s.name
	if err := s.channel.PublishState(ctx, n); err != nil {
		s.logger.Warn("publish state notification", "job", n.JobName, "type", n.Type, "error", err)
	}
}
