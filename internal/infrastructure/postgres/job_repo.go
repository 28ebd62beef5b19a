package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/repository"
)

// JobRepository persists job records in a single pulse_jobs table.
// Cross-process safety comes from conditional updates and
// FOR UPDATE SKIP LOCKED; single/unique upserts serialize per name through a
// transaction-scoped advisory lock.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, name, type, data, priority, next_run_at, last_run_at,
	last_finished_at, failed_at, fail_reason, fail_count, locked_at,
	repeat_interval, repeat_timezone, repeat_at, start_date, end_date,
	skip_days, disabled, unique_key, unique_insert_only, debounce,
	debounce_started_at, progress, last_modified_by`

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pulse_jobs (
			id                  UUID PRIMARY KEY,
			name                TEXT NOT NULL,
			type                TEXT NOT NULL DEFAULT 'normal',
			data                JSONB,
			priority            INT NOT NULL DEFAULT 0,
			next_run_at         TIMESTAMPTZ,
			last_run_at         TIMESTAMPTZ,
			last_finished_at    TIMESTAMPTZ,
			failed_at           TIMESTAMPTZ,
			fail_reason         TEXT,
			fail_count          INT NOT NULL DEFAULT 0,
			locked_at           TIMESTAMPTZ,
			repeat_interval     TEXT NOT NULL DEFAULT '',
			repeat_timezone     TEXT NOT NULL DEFAULT '',
			repeat_at           TEXT NOT NULL DEFAULT '',
			start_date          TIMESTAMPTZ,
			end_date            TIMESTAMPTZ,
			skip_days           JSONB,
			disabled            BOOLEAN NOT NULL DEFAULT FALSE,
			unique_key          JSONB,
			unique_insert_only  BOOLEAN NOT NULL DEFAULT FALSE,
			debounce            JSONB,
			debounce_started_at TIMESTAMPTZ,
			progress            DOUBLE PRECISION,
			last_modified_by    TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}

	// Covers the hot find-and-lock scan.
	_, err = r.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS pulse_jobs_claim_idx
		ON pulse_jobs (name, next_run_at ASC, priority DESC, locked_at, disabled)`)
	if err != nil {
		return fmt.Errorf("create claim index: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS pulse_jobs_single_idx
		ON pulse_jobs (name) WHERE type = 'single'`)
	if err != nil {
		return fmt.Errorf("create single index: %w", err)
	}
	return nil
}

func (r *JobRepository) SaveJob(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	if job.ID != "" {
		return r.updateByID(ctx, job)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var saved *domain.Job
	switch {
	case len(job.Unique) > 0:
		saved, err = r.saveUnique(ctx, tx, job, now)
	case job.Type == domain.TypeSingle:
		saved, err = r.saveSingle(ctx, tx, job, now)
	default:
		saved, err = r.insert(ctx, tx, job)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit save tx: %w", err)
	}
	return saved, nil
}

// saveUnique upserts keyed by (name, unique predicate). The predicate wins
// over TypeSingle when both are set.
func (r *JobRepository) saveUnique(ctx context.Context, tx pgx.Tx, job *domain.Job, now time.Time) (*domain.Job, error) {
	if err := r.lockName(ctx, tx, job.Name); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+jobColumns+` FROM pulse_jobs WHERE name = $1 FOR UPDATE`, job.Name)
	if err != nil {
		return nil, fmt.Errorf("select unique candidates: %w", err)
	}
	candidates, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	var existing *domain.Job
	for _, c := range candidates {
		if domain.MatchesUnique(c, job.Unique) {
			existing = c
			break
		}
	}

	if existing != nil && job.UniqueOpts.InsertOnly {
		return existing, nil
	}

	domain.ApplyDebounce(existing, job, now)
	if existing == nil {
		return r.insert(ctx, tx, job)
	}
	job.ID = existing.ID
	return r.update(ctx, tx, job)
}

// saveSingle keeps at most one row per name. An already-due nextRunAt on the
// existing row is preserved so a re-save cannot push execution back.
func (r *JobRepository) saveSingle(ctx context.Context, tx pgx.Tx, job *domain.Job, now time.Time) (*domain.Job, error) {
	if err := r.lockName(ctx, tx, job.Name); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pulse_jobs WHERE name = $1 AND type = 'single' FOR UPDATE`,
		job.Name)
	existing, err := scanJob(row)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, err
	}

	if existing == nil {
		return r.insert(ctx, tx, job)
	}
	if existing.NextRunAt != nil && !existing.NextRunAt.After(now) {
		job.NextRunAt = existing.NextRunAt
	}
	job.ID = existing.ID
	return r.update(ctx, tx, job)
}

func (r *JobRepository) lockName(ctx context.Context, tx pgx.Tx, name string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return fmt.Errorf("advisory lock %q: %w", name, err)
	}
	return nil
}

func (r *JobRepository) insert(ctx context.Context, q queryer, job *domain.Job) (*domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx, `
		INSERT INTO pulse_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		RETURNING `+jobColumns, args...)
	return scanJob(row)
}

func (r *JobRepository) updateByID(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return r.update(ctx, r.pool, job)
}

func (r *JobRepository) update(ctx context.Context, q queryer, job *domain.Job) (*domain.Job, error) {
	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx, `
		UPDATE pulse_jobs SET
			name = $2, type = $3, data = $4, priority = $5, next_run_at = $6,
			last_run_at = $7, last_finished_at = $8, failed_at = $9,
			fail_reason = $10, fail_count = $11, locked_at = $12,
			repeat_interval = $13, repeat_timezone = $14, repeat_at = $15,
			start_date = $16, end_date = $17, skip_days = $18, disabled = $19,
			unique_key = $20, unique_insert_only = $21, debounce = $22,
			debounce_started_at = $23, progress = $24, last_modified_by = $25,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, args...)
	return scanJob(row)
}

func (r *JobRepository) GetJobByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pulse_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepository) QueryJobs(ctx context.Context, q repository.JobQuery) (repository.QueryResult, error) {
	where, args := buildWhere(q, time.Now())

	var total int
	countQuery := `SELECT COUNT(*) FROM pulse_jobs WHERE ` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return repository.QueryResult{}, fmt.Errorf("count jobs: %w", err)
	}

	order := orderClause(q)
	query := fmt.Sprintf(`SELECT %s FROM pulse_jobs WHERE %s ORDER BY %s`, jobColumns, where, order)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Skip > 0 {
		args = append(args, q.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("query jobs: %w", err)
	}
	records, err := collectJobs(rows)
	if err != nil {
		return repository.QueryResult{}, err
	}
	return repository.QueryResult{Records: records, Total: total}, nil
}

func (r *JobRepository) RemoveJobs(ctx context.Context, q repository.JobQuery) (int64, error) {
	where, args := buildWhere(q, time.Now())
	tag, err := r.pool.Exec(ctx, `DELETE FROM pulse_jobs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("remove jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) SetDisabled(ctx context.Context, q repository.JobQuery, disabled bool) (int64, error) {
	where, args := buildWhere(q, time.Now())
	args = append(args, disabled)
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE pulse_jobs SET disabled = $%d, updated_at = NOW() WHERE %s`, len(args), where),
		args...)
	if err != nil {
		return 0, fmt.Errorf("set disabled: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) GetDistinctJobNames(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT name FROM pulse_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("distinct names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *JobRepository) GetQueueSize(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM pulse_jobs
		WHERE next_run_at IS NOT NULL AND next_run_at <= $1
		  AND locked_at IS NULL AND disabled = FALSE`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func (r *JobRepository) LockJob(ctx context.Context, job *domain.Job, now time.Time) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE pulse_jobs
		SET locked_at = $1, updated_at = NOW()
		WHERE id = $2 AND name = $3 AND locked_at IS NULL
		  AND next_run_at = $4 AND disabled = FALSE
		RETURNING `+jobColumns,
		now, job.ID, job.Name, job.NextRunAt)
	locked, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		// Conditional update missed: someone else got there first.
		return nil, nil
	}
	return locked, err
}

func (r *JobRepository) UnlockJob(ctx context.Context, job *domain.Job) error {
	return r.UnlockJobs(ctx, []string{job.ID})
}

func (r *JobRepository) UnlockJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE pulse_jobs SET locked_at = NULL, updated_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("unlock jobs: %w", err)
	}
	return nil
}

func (r *JobRepository) GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*domain.Job, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent workers off the same row;
	// the lockDeadline arm reclaims stale claims from crashed peers.
	row := r.pool.QueryRow(ctx, `
		UPDATE pulse_jobs
		SET locked_at = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM pulse_jobs
			WHERE name = $2 AND disabled = FALSE AND next_run_at IS NOT NULL
			  AND ((locked_at IS NULL AND next_run_at <= $3) OR locked_at <= $4)
			ORDER BY next_run_at ASC, priority DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, name, nextScanAt, lockDeadline)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) SaveJobState(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pulse_jobs SET
			last_run_at = $2, last_finished_at = $3, locked_at = $4,
			progress = $5, fail_count = $6, fail_reason = $7, failed_at = $8,
			next_run_at = $9, debounce_started_at = $10, data = $11,
			last_modified_by = $12, updated_at = NOW()
		WHERE id = $1`,
		job.ID, job.LastRunAt, job.LastFinishedAt, job.LockedAt,
		job.Progress, job.FailCount, job.FailReason, job.FailedAt,
		job.NextRunAt, job.DebounceStartedAt, mustJSON(job.Data),
		job.LastModifiedBy)
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// queryer is satisfied by *pgxpool.Pool and pgx.Tx.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func jobArgs(j *domain.Job) ([]any, error) {
	data := mustJSON(j.Data)
	uniqueKey := mustJSON(j.Unique)
	var debounce []byte
	if j.Debounce != nil {
		b, err := json.Marshal(j.Debounce)
		if err != nil {
			return nil, fmt.Errorf("marshal debounce: %w", err)
		}
		debounce = b
	}
	var skipDays []byte
	if len(j.SkipDays) > 0 {
		b, err := json.Marshal(j.SkipDays)
		if err != nil {
			return nil, fmt.Errorf("marshal skip days: %w", err)
		}
		skipDays = b
	}

	return []any{
		j.ID, j.Name, string(j.Type), data, j.Priority, j.NextRunAt,
		j.LastRunAt, j.LastFinishedAt, j.FailedAt, j.FailReason, j.FailCount,
		j.LockedAt, j.RepeatInterval, j.RepeatTimezone, j.RepeatAt,
		j.StartDate, j.EndDate, skipDays, j.Disabled, uniqueKey,
		j.UniqueOpts.InsertOnly, debounce, j.DebounceStartedAt, j.Progress,
		j.LastModifiedBy,
	}, nil
}

func mustJSON(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		// Payloads come from JSON-serializable maps; this indicates a
		// programming error worth surfacing loudly.
		panic(fmt.Sprintf("marshal job payload: %v", err))
	}
	return b
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j         domain.Job
		jobType   string
		data      []byte
		skipDays  []byte
		uniqueKey []byte
		debounce  []byte
	)
	err := row.Scan(
		&j.ID, &j.Name, &jobType, &data, &j.Priority, &j.NextRunAt,
		&j.LastRunAt, &j.LastFinishedAt, &j.FailedAt, &j.FailReason,
		&j.FailCount, &j.LockedAt, &j.RepeatInterval, &j.RepeatTimezone,
		&j.RepeatAt, &j.StartDate, &j.EndDate, &skipDays, &j.Disabled,
		&uniqueKey, &j.UniqueOpts.InsertOnly, &debounce,
		&j.DebounceStartedAt, &j.Progress, &j.LastModifiedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Type = domain.JobType(jobType)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j.Data); err != nil {
			return nil, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	if len(uniqueKey) > 0 {
		if err := json.Unmarshal(uniqueKey, &j.Unique); err != nil {
			return nil, fmt.Errorf("unmarshal unique key: %w", err)
		}
	}
	if len(debounce) > 0 {
		j.Debounce = &domain.Debounce{}
		if err := json.Unmarshal(debounce, j.Debounce); err != nil {
			return nil, fmt.Errorf("unmarshal debounce: %w", err)
		}
	}
	if len(skipDays) > 0 {
		if err := json.Unmarshal(skipDays, &j.SkipDays); err != nil {
			return nil, fmt.Errorf("unmarshal skip days: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func buildWhere(q repository.JobQuery, now time.Time) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		where = append(where, clause)
	}

	if q.ID != "" {
		add("id = ?", q.ID)
	}
	if len(q.IDs) > 0 {
		add("id = ANY(?)", q.IDs)
	}
	if q.Name != "" {
		add("name = ?", q.Name)
	}
	if len(q.Names) > 0 {
		add("name = ANY(?)", q.Names)
	}
	if q.Search != "" {
		add("name ILIKE ?", "%"+q.Search+"%")
	}
	if len(q.DataSubset) > 0 {
		add("data @> ?", mustJSON(q.DataSubset))
	}
	if !q.IncludeDisabled {
		where = append(where, "disabled = FALSE")
	}

	switch q.State {
	case domain.StateRunning:
		where = append(where, `((last_run_at IS NOT NULL AND last_finished_at IS NULL)
			OR (locked_at IS NOT NULL AND (last_finished_at IS NULL OR locked_at > last_finished_at)))`)
	case domain.StateScheduled:
		add("next_run_at > ?", now)
	case domain.StateQueued:
		add("next_run_at <= ? AND locked_at IS NULL", now)
	case domain.StateCompleted:
		where = append(where, "last_finished_at IS NOT NULL AND fail_reason IS NULL AND next_run_at IS NULL")
	case domain.StateFailed:
		where = append(where, "fail_reason IS NOT NULL")
	case domain.StateRepeating:
		where = append(where, "(repeat_interval <> '' OR repeat_at <> '')")
	}

	if len(where) == 0 {
		return "TRUE", nil
	}
	return strings.Join(where, " AND "), args
}

func orderClause(q repository.JobQuery) string {
	col := "next_run_at"
	switch q.SortBy {
	case "priority":
		col = "priority"
	case "name":
		col = "name"
	}
	if q.SortDesc {
		return col + " DESC NULLS LAST"
	}
	return col + " ASC NULLS LAST"
}
