// Package memstore implements the job repository over an in-process map.
// It mirrors the Postgres semantics closely enough to drive engine tests:
// conditional lock updates, unique/single upserts, stale-lock reclaim.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/repository"
)

type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func New() *Store {
	return &Store{jobs: make(map[string]*domain.Job)}
}

// Ping satisfies the health checker's Pinger.
func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) EnsureSchema(_ context.Context) error { return nil }

func (s *Store) SaveJob(_ context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job = job.Clone()

	if job.ID != "" {
		if _, ok := s.jobs[job.ID]; !ok {
			return nil, domain.ErrJobNotFound
		}
		s.jobs[job.ID] = job
		return job.Clone(), nil
	}

	switch {
	case len(job.Unique) > 0:
		var existing *domain.Job
		for _, c := range s.sortedByName(job.Name) {
			if domain.MatchesUnique(c, job.Unique) {
				existing = c
				break
			}
		}
		if existing != nil && job.UniqueOpts.InsertOnly {
			return existing.Clone(), nil
		}
		domain.ApplyDebounce(existing, job, now)
		if existing != nil {
			job.ID = existing.ID
		}
	case job.Type == domain.TypeSingle:
		for _, c := range s.sortedByName(job.Name) {
			if c.Type != domain.TypeSingle {
				continue
			}
			if c.NextRunAt != nil && !c.NextRunAt.After(now) {
				job.NextRunAt = cloneTime(c.NextRunAt)
			}
			job.ID = c.ID
			break
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *Store) GetJobByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) QueryJobs(_ context.Context, q repository.JobQuery) (repository.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.match(q, time.Now())
	total := len(matched)

	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	records := make([]*domain.Job, len(matched))
	for i, j := range matched {
		records[i] = j.Clone()
	}
	return repository.QueryResult{Records: records, Total: total}, nil
}

func (s *Store) RemoveJobs(_ context.Context, q repository.JobQuery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, j := range s.match(q, time.Now()) {
		delete(s.jobs, j.ID)
		removed++
	}
	return removed, nil
}

func (s *Store) SetDisabled(_ context.Context, q repository.JobQuery, disabled bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, j := range s.match(q, time.Now()) {
		j.Disabled = disabled
		changed++
	}
	return changed, nil
}

func (s *Store) GetDistinctJobNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var names []string
	for _, j := range s.jobs {
		if !seen[j.Name] {
			seen[j.Name] = true
			names = append(names, j.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) GetQueueSize(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.NextRunAt != nil && !j.NextRunAt.After(now) && j.LockedAt == nil && !j.Disabled {
			n++
		}
	}
	return n, nil
}

func (s *Store) LockJob(_ context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok || stored.Name != job.Name || stored.LockedAt != nil || stored.Disabled {
		return nil, nil
	}
	if !timesEqual(stored.NextRunAt, job.NextRunAt) {
		return nil, nil
	}
	lockedAt := now
	stored.LockedAt = &lockedAt
	return stored.Clone(), nil
}

func (s *Store) UnlockJob(ctx context.Context, job *domain.Job) error {
	return s.UnlockJobs(ctx, []string{job.ID})
}

func (s *Store) UnlockJobs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			j.LockedAt = nil
		}
	}
	return nil
}

func (s *Store) GetNextJobToRun(_ context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Job
	for _, j := range s.jobs {
		if j.Name != name || j.Disabled || j.NextRunAt == nil {
			continue
		}
		unlockedDue := j.LockedAt == nil && !j.NextRunAt.After(nextScanAt)
		staleLock := j.LockedAt != nil && !j.LockedAt.After(lockDeadline)
		if unlockedDue || staleLock {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if !candidates[a].NextRunAt.Equal(*candidates[b].NextRunAt) {
			return candidates[a].NextRunAt.Before(*candidates[b].NextRunAt)
		}
		return candidates[a].Priority > candidates[b].Priority
	})

	job := candidates[0]
	lockedAt := now
	job.LockedAt = &lockedAt
	return job.Clone(), nil
}

func (s *Store) SaveJobState(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	stored.LastRunAt = cloneTime(job.LastRunAt)
	stored.LastFinishedAt = cloneTime(job.LastFinishedAt)
	stored.LockedAt = cloneTime(job.LockedAt)
	stored.FailCount = job.FailCount
	stored.FailedAt = cloneTime(job.FailedAt)
	stored.NextRunAt = cloneTime(job.NextRunAt)
	stored.DebounceStartedAt = cloneTime(job.DebounceStartedAt)
	stored.LastModifiedBy = job.LastModifiedBy
	if job.FailReason != nil {
		r := *job.FailReason
		stored.FailReason = &r
	} else {
		stored.FailReason = nil
	}
	if job.Progress != nil {
		p := *job.Progress
		stored.Progress = &p
	}
	if job.Data != nil {
		stored.Data = make(map[string]any, len(job.Data))
		for k, v := range job.Data {
			stored.Data[k] = v
		}
	}
	return nil
}

// match returns live (not cloned) records ordered per the query sort.
func (s *Store) match(q repository.JobQuery, now time.Time) []*domain.Job {
	var out []*domain.Job
	for _, j := range s.jobs {
		if q.ID != "" && j.ID != q.ID {
			continue
		}
		if len(q.IDs) > 0 && !contains(q.IDs, j.ID) {
			continue
		}
		if q.Name != "" && j.Name != q.Name {
			continue
		}
		if len(q.Names) > 0 && !contains(q.Names, j.Name) {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(j.Name), strings.ToLower(q.Search)) {
			continue
		}
		if len(q.DataSubset) > 0 && !dataContains(j.Data, q.DataSubset) {
			continue
		}
		if !q.IncludeDisabled && j.Disabled {
			continue
		}
		if q.State != "" && j.ComputedState(now) != q.State {
			continue
		}
		out = append(out, j)
	}

	sort.SliceStable(out, func(a, b int) bool {
		less := func(x, y *domain.Job) bool {
			switch q.SortBy {
			case "priority":
				return x.Priority < y.Priority
			case "name":
				return x.Name < y.Name
			default:
				xt, yt := x.NextRunAt, y.NextRunAt
				if xt == nil {
					return false
				}
				if yt == nil {
					return true
				}
				return xt.Before(*yt)
			}
		}
		if q.SortDesc {
			return less(out[b], out[a])
		}
		return less(out[a], out[b])
	})
	return out
}

func (s *Store) sortedByName(name string) []*domain.Job {
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dataContains(data, subset map[string]any) bool {
	if data == nil {
		return false
	}
	for k, want := range subset {
		got, ok := data[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
