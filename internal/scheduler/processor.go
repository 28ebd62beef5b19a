package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/jobctx"
	"github.com/askarbek/pulse/internal/metrics"
	"github.com/askarbek/pulse/internal/notification"
	"github.com/askarbek/pulse/internal/repository"
	"github.com/askarbek/pulse/internal/schedule"
)

// The processor is the single event loop of a worker: a poll ticker and the
// notification reactor both funnel into jobQueueFilling/jobProcessing, and
// handlers run as independent goroutines gated by the concurrency caps.

// Start connects the notification channel (if any) and begins processing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.draining = false
	s.stopCh = make(chan struct{})
	s.wakeCh = make(chan string, 64)
	s.loopDone = make(chan struct{})
	// Handlers outlive Start's caller context; Stop does not cancel
	// running handlers, so the base context is deliberately detached.
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect notification channel: %w", err)
		}
		unsub, err := s.channel.Subscribe(s.onNotification)
		if err != nil {
			return fmt.Errorf("subscribe notification channel: %w", err)
		}
		s.mu.Lock()
		s.unsubscribe = unsub
		s.mu.Unlock()
	}

	go s.loop()

	s.logger.Info("processor started",
		"name", s.name,
		"process_every", s.processEvery,
		"max_concurrency", s.maxConcurrency,
	)
	s.emit(EventReady, "", Event{})
	return nil
}

// Stop halts polling, unsubscribes and unlocks every claimed-but-not-started
// record. Running handlers are left to finish on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	<-s.loopDone
	if unsub != nil {
		unsub()
	}

	s.mu.Lock()
	ids := s.q.IDs()
	for _, job := range s.q.Drain() {
		if def := s.definitions[job.JobName()]; def != nil {
			def.locked--
		}
		s.totalLocked--
	}
	for id, p := range s.pending {
		if p.timer.Stop() {
			ids = append(ids, id)
			if def := s.definitions[p.job.JobName()]; def != nil {
				def.running--
			}
			s.totalRun--
			s.inflight.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		if err := s.repo.UnlockJobs(ctx, ids); err != nil {
			s.logger.Error("unlock jobs on stop", "count", len(ids), "error", err)
			return err
		}
	}

	if s.channel != nil {
		if err := s.channel.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnect notification channel", "error", err)
		}
	}

	s.logger.Info("processor stopped", "unlocked", len(ids))
	metrics.WorkerShutdownsTotal.Inc()
	return nil
}

// Drain refuses new claims and waits up to timeout for in-flight handlers
// before stopping.
func (s *Scheduler) Drain(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("drain timed out with handlers still running", "timeout", timeout)
	case <-ctx.Done():
	}
	return s.Stop(ctx)
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.processEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		case name := <-s.wakeCh:
			s.fillAndProcess(name)
		}
	}
}

// tick runs one poll iteration over every defined kind.
func (s *Scheduler) tick() {
	s.mu.Lock()
	s.handled = make(map[string]bool)
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.fillAndProcess(name)
	}
}

// onNotification wakes the processor for kinds this worker has defined.
func (s *Scheduler) onNotification(n notification.JobNotification) {
	s.mu.Lock()
	_, defined := s.definitions[n.JobName]
	started := s.started
	s.mu.Unlock()
	if !defined || !started {
		return
	}
	metrics.NotificationWakeupsTotal.Inc()
	select {
	case s.wakeCh <- n.JobName:
	default:
		// A full wake buffer means a fill is already due; the poll tick
		// covers the rest.
	}
}

// fillAndProcess is jobQueueFilling: claim eligible records of one kind into
// the in-memory queue, then attempt admissions. A per-kind flag collapses a
// concurrent tick and notification into one pass.
func (s *Scheduler) fillAndProcess(name string) {
	s.mu.Lock()
	def := s.definitions[name]
	if def == nil || !s.started || s.draining || s.filling[name] {
		s.mu.Unlock()
		return
	}
	s.filling[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.filling, name)
		s.mu.Unlock()
	}()

	now := time.Now()
	nextScanAt := now.Add(s.processEvery)
	lockDeadline := now.Add(-def.lockLifetime)

	for {
		s.mu.Lock()
		atKindCap := def.lockLimit > 0 && def.locked >= def.lockLimit
		atGlobalCap := s.lockLimit > 0 && s.totalLocked >= s.lockLimit
		s.mu.Unlock()
		if atKindCap || atGlobalCap {
			break
		}

		rec, err := s.repo.GetNextJobToRun(s.baseCtx, name, nextScanAt, lockDeadline, now)
		if err != nil {
			s.logger.Error("get next job to run", "name", name, "error", err)
			s.emit(EventError, "", Event{Err: err})
			break
		}
		if rec == nil {
			break
		}

		metrics.JobsClaimedTotal.Inc()
		if rec.NextRunAt != nil && now.After(*rec.NextRunAt) {
			metrics.JobPickupLatency.Observe(now.Sub(*rec.NextRunAt).Seconds())
		}

		job := s.wrapJob(rec)
		s.mu.Lock()
		def.locked++
		s.totalLocked++
		s.q.Insert(job)
		metrics.LockedJobs.Set(float64(s.totalLocked))
		s.mu.Unlock()
	}

	s.jobProcessing()
}

// jobProcessing admits queued jobs under the concurrency caps. Each job gets
// one admission attempt per tick; execution is delayed on a timer until its
// nextRunAt.
func (s *Scheduler) jobProcessing() {
	for {
		s.mu.Lock()
		if !s.started || s.draining {
			s.mu.Unlock()
			return
		}
		job, ok := s.q.Next(func(name string) bool {
			def := s.definitions[name]
			return def != nil && def.running < def.concurrency && s.totalRun < s.maxConcurrency
		}, s.handled)
		if !ok {
			s.mu.Unlock()
			return
		}

		id := job.JobID()
		s.handled[id] = true
		def := s.definitions[job.JobName()]
		def.locked--
		s.totalLocked--
		def.running++
		s.totalRun++
		s.inflight.Add(1)
		metrics.LockedJobs.Set(float64(s.totalLocked))
		metrics.JobsInFlight.Set(float64(s.totalRun))

		delay := time.Until(job.RunAt())
		if delay <= 0 {
			s.mu.Unlock()
			go s.runJob(job)
			continue
		}

		p := &pendingRun{job: job}
		p.timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
			s.runJob(job)
		})
		s.pending[id] = p
		s.mu.Unlock()
	}
}

// runJob executes one claimed job: write lastRunAt and the recomputed
// recurrence BEFORE invoking the handler, run under the lock-lifetime
// watchdog, record the outcome, fan out events.
func (s *Scheduler) runJob(job *Job) {
	ctx := jobctx.WithJobID(s.baseCtx, job.ID())
	name := job.JobName()
	def := s.definition(name)

	defer func() {
		s.mu.Lock()
		if def != nil {
			def.running--
		}
		s.totalRun--
		metrics.JobsInFlight.Set(float64(s.totalRun))
		s.mu.Unlock()
		s.inflight.Done()
		// A slot freed; re-examine the queue.
		s.jobProcessing()
	}()

	now := time.Now()
	fresh, err := s.repo.GetJobByID(ctx, job.ID())
	if err != nil {
		if err == domain.ErrJobNotFound {
			s.emit(EventError, name, Event{Job: job, Err: fmt.Errorf("job %s removed before run: %w", job.ID(), domain.ErrJobCancelled)})
			return
		}
		s.logger.Error("reload job before run", "job_id", job.ID(), "error", err)
		s.emit(EventError, name, Event{Job: job, Err: err})
		return
	}
	if fresh.Disabled {
		if err := s.repo.UnlockJob(ctx, fresh); err != nil {
			s.logger.Warn("unlock disabled job", "job_id", fresh.ID, "error", err)
		}
		return
	}

	job.mu.Lock()
	lockedAt := job.attrs.LockedAt
	fresh.LockedAt = lockedAt
	job.attrs = *fresh
	started := now
	job.attrs.LastRunAt = &started
	var scheduleErr error
	if job.attrs.IsRepeating() {
		// Recompute the recurrence before the handler runs so a crash
		// mid-handler cannot lose the next tick.
		scheduleErr = schedule.ComputeNextRunAt(&job.attrs, now)
	} else {
		job.attrs.NextRunAt = nil
	}
	job.attrs.LastModifiedBy = s.name
	rec := job.attrs.Clone()
	job.mu.Unlock()

	if scheduleErr != nil {
		failErr := fmt.Errorf("compute next run: %w", scheduleErr)
		job.Fail(failErr)
		s.finishRun(ctx, job, def, failErr, true)
		return
	}

	if err := s.repo.SaveJobState(ctx, rec); err != nil {
		if err == domain.ErrJobNotFound {
			s.emit(EventError, name, Event{Job: job, Err: fmt.Errorf("job %s cancelled mid-claim: %w", rec.ID, domain.ErrJobCancelled)})
			return
		}
		s.logger.Error("persist run start", "job_id", rec.ID, "error", err)
		s.emit(EventError, name, Event{Job: job, Err: err})
		return
	}

	if def == nil {
		// Claimed a record no handler is registered for.
		err := domain.ErrUndefinedJob
		job.Fail(err)
		s.finishRun(ctx, job, nil, err, true)
		return
	}

	s.emit(EventStart, name, Event{Job: job})
	s.publishState(ctx, notification.JobStateNotification{
		Type: notification.StateStart, JobID: rec.ID, JobName: name,
	})

	runCtx, cancel := context.WithCancel(ctx)
	var deadline time.Time
	if lockedAt != nil {
		deadline = lockedAt.Add(def.lockLifetime)
	} else {
		deadline = now.Add(def.lockLifetime)
	}
	s.armWatchdog(job, deadline, cancel)

	runStart := time.Now()
	result, runErr := s.invoke(runCtx, def, job)
	cancel()
	s.disarmWatchdog(job)

	// The watchdog wins over a late handler return: past the lock lifetime
	// the record may already have been reclaimed by a peer.
	if cErr := job.cancelled(); cErr != nil {
		runErr = cErr
		result = nil
	}

	outcome := "success"
	if runErr != nil {
		outcome = "fail"
	}
	metrics.JobRunDuration.WithLabelValues(outcome).Observe(time.Since(runStart).Seconds())

	if runErr == nil && def.shouldSaveResult && result != nil {
		job.mu.Lock()
		if job.attrs.Data == nil {
			job.attrs.Data = make(map[string]any)
		}
		job.attrs.Data["result"] = result
		job.mu.Unlock()
	}

	s.finishRun(ctx, job, def, runErr, false)
}

// finishRun records the outcome, honors backoff, and emits
// success|fail → complete (retry in between when scheduled).
func (s *Scheduler) finishRun(ctx context.Context, job *Job, def *definition, runErr error, alreadyFailed bool) {
	name := job.JobName()
	finish := time.Now()

	var retry *RetryInfo
	job.mu.Lock()
	if runErr == nil {
		finished := finish
		job.attrs.LastFinishedAt = &finished
	} else {
		if !alreadyFailed {
			job.attrs.Fail(runErr, finish)
		}
		if def != nil && def.backoff != nil {
			if d := def.backoff(job.attrs.FailCount, runErr, name, job.attrs.Data); d != nil {
				at := finish.Add(*d)
				job.attrs.NextRunAt = &at
				retry = &RetryInfo{Attempt: job.attrs.FailCount, Delay: *d, NextRunAt: at, Err: runErr}
			}
		}
	}
	job.attrs.LockedAt = nil
	rec := job.attrs.Clone()
	job.mu.Unlock()

	if runErr == nil {
		metrics.JobRunsTotal.WithLabelValues("success").Inc()
		s.emit(EventSuccess, name, Event{Job: job})
		s.publishState(ctx, notification.JobStateNotification{
			Type: notification.StateSuccess, JobID: rec.ID, JobName: name,
		})
	} else {
		metrics.JobRunsTotal.WithLabelValues("fail").Inc()
		s.emit(EventFail, name, Event{Job: job, Err: runErr})
		s.publishState(ctx, notification.JobStateNotification{
			Type: notification.StateFail, JobID: rec.ID, JobName: name, Error: runErr.Error(),
		})
		if retry != nil {
			delayMs := retry.Delay.Milliseconds()
			s.emit(EventRetry, name, Event{Job: job, Err: runErr, Retry: retry})
			s.publishState(ctx, notification.JobStateNotification{
				Type: notification.StateRetry, JobID: rec.ID, JobName: name,
				Error: runErr.Error(), Attempt: retry.Attempt, RetryDelay: &delayMs, NextRunAt: &retry.NextRunAt,
			})
		} else if def != nil && def.backoff != nil {
			s.emit(EventRetryExhausted, name, Event{Job: job, Err: runErr})
		}
	}

	if err := s.repo.SaveJobState(ctx, rec); err != nil {
		if err == domain.ErrJobNotFound {
			s.emit(EventError, name, Event{Job: job, Err: fmt.Errorf("job %s cancelled mid-run: %w", rec.ID, domain.ErrJobCancelled)})
			return
		}
		s.logger.Error("persist run outcome", "job_id", rec.ID, "error", err)
		s.emit(EventError, name, Event{Job: job, Err: err})
		return
	}

	s.emit(EventComplete, name, Event{Job: job, Err: runErr})
	s.publishState(ctx, notification.JobStateNotification{
		Type: notification.StateComplete, JobID: rec.ID, JobName: name,
	})

	if runErr == nil && !rec.IsRepeating() && def != nil && def.removeOnComplete {
		if _, err := s.repo.RemoveJobs(ctx, repository.JobQuery{ID: rec.ID, IncludeDisabled: true}); err != nil {
			s.logger.Warn("remove completed job", "job_id", rec.ID, "error", err)
		}
		return
	}

	// New eligibility (recurrence or retry) is announced to peers.
	if rec.NextRunAt != nil {
		s.publishSaved(ctx, rec)
	}
}

func (s *Scheduler) invoke(ctx context.Context, def *definition, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	if def.forkMode {
		return nil, s.runForked(ctx, job)
	}
	return def.fn(ctx, job)
}

// RunJob executes the handler for an already claimed record in this process.
// This is the fork-mode child entry: the parent owns the claim and records
// the outcome from the child's exit code.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	rec, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		return err
	}
	def := s.definition(rec.Name)
	if def == nil {
		return fmt.Errorf("%w: %s", domain.ErrUndefinedJob, rec.Name)
	}
	_, err = def.fn(ctx, s.wrapJob(rec))
	return err
}

func (s *Scheduler) armWatchdog(job *Job, deadline time.Time, cancel context.CancelFunc) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.cancelErr = nil
	job.cancelRun = cancel
	job.watchdog = time.AfterFunc(time.Until(deadline), func() {
		job.markCancelled(domain.ErrJobTimeout)
		cancel()
	})
}

// extendWatchdog pushes the timeout out after a successful Touch.
func (s *Scheduler) extendWatchdog(job *Job, lockedAt time.Time) {
	def := s.definition(job.JobName())
	if def == nil {
		return
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.watchdog != nil && job.cancelErr == nil {
		job.watchdog.Reset(time.Until(lockedAt.Add(def.lockLifetime)))
	}
}

func (s *Scheduler) disarmWatchdog(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.watchdog != nil {
		job.watchdog.Stop()
		job.watchdog = nil
	}
	job.cancelRun = nil
}
