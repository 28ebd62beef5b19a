package repository

import (
	"context"
	"time"

	"github.com/askarbek/pulse/internal/domain"
)

// The engine depends on this interface, not on a concrete store. This way we
// get: 1) the backing store can be swapped without touching the processor
// 2) tests run against the in-memory implementation.
//
// Every method must be atomic with respect to concurrent worker processes;
// conditional updates are the only cross-process mutex the engine has.

// JobQuery selects records for QueryJobs / RemoveJobs / SetDisabled.
// Zero-value fields are ignored.
type JobQuery struct {
	ID    string
	IDs   []string
	Name  string
	Names []string

	// Search is a case-insensitive substring match on name.
	Search string

	// DataSubset matches records whose payload contains every given entry.
	DataSubset map[string]any

	// State filters on the derived lifecycle state.
	State domain.State

	IncludeDisabled bool

	// SortBy is "nextRunAt", "priority" or "name"; empty means nextRunAt.
	SortBy   string
	SortDesc bool

	Skip  int
	Limit int
}

// QueryResult carries one page of records plus the unpaginated total.
type QueryResult struct {
	Records []*domain.Job
	Total   int
}

type JobRepository interface {
	// EnsureSchema bootstraps tables/indexes, covering
	// (name, next_run_at, priority, locked_at, disabled) for the hot lookup.
	EnsureSchema(ctx context.Context) error

	// SaveJob inserts or updates. TypeSingle upserts keyed by name; a
	// Unique predicate upserts keyed by (name, predicate) and wins over
	// TypeSingle when both are set. With UniqueOpts.InsertOnly a matching
	// row is returned untouched. A TypeSingle upsert never reschedules an
	// already-due record backwards. Debounce rules are applied inside the
	// upsert via domain.ApplyDebounce.
	SaveJob(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error)

	GetJobByID(ctx context.Context, id string) (*domain.Job, error)

	QueryJobs(ctx context.Context, q JobQuery) (QueryResult, error)

	RemoveJobs(ctx context.Context, q JobQuery) (int64, error)

	// SetDisabled flips the disabled flag on every matching record.
	SetDisabled(ctx context.Context, q JobQuery, disabled bool) (int64, error)

	GetDistinctJobNames(ctx context.Context) ([]string, error)

	// GetQueueSize counts records due at now and not locked.
	GetQueueSize(ctx context.Context, now time.Time) (int64, error)

	// LockJob claims the record iff the stored row still matches
	// (id, name, lockedAt null, nextRunAt, not disabled). Returns nil, nil
	// when the conditional update misses.
	LockJob(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error)

	UnlockJob(ctx context.Context, job *domain.Job) error
	UnlockJobs(ctx context.Context, ids []string) error

	// GetNextJobToRun atomically finds and locks one non-disabled record of
	// the given name that is either unlocked and due before nextScanAt, or
	// whose lock is older than lockDeadline (stale claim, reclaimable).
	// Candidates are taken in (nextRunAt ASC, priority DESC) order.
	// Returns nil, nil when no eligible record exists.
	GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error)

	// SaveJobState writes back only the execution-state fields: lastRunAt,
	// lastFinishedAt, lockedAt, progress, failCount, failReason, failedAt,
	// nextRunAt, debounceStartedAt, data (so a saved handler result
	// persists) and lastModifiedBy. Returns domain.ErrJobNotFound when the
	// record was deleted concurrently.
	SaveJobState(ctx context.Context, job *domain.Job) error
}
