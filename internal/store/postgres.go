package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duron-io/duron/internal/domain"
)

// PostgresStore implements Store against PostgreSQL via pgxpool:
// hand-written SQL executed through a pooled *pgx.Conn rather than
// generated queries, so the locking behaviour of each statement stays
// visible at the call site.
type PostgresStore struct {
	pool *pgxpool.Pool
	pub  Publisher
}

// NewPostgresStore wires a PostgresStore to an already-migrated pool. Pass
// nil for pub to disable change notifications (tests only).
func NewPostgresStore(pool *pgxpool.Pool, pub Publisher) *PostgresStore {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &PostgresStore{pool: pool, pub: pub}
}

func (s *PostgresStore) Close() { s.pool.Close() }

// === creation / terminal transitions ===

func (s *PostgresStore) CreateJob(ctx context.Context, actionName, groupKey string, input json.RawMessage, timeoutMs int64, checksum string, concurrencyLimit int) (string, bool, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, action_name, group_key, status, checksum, input, timeout_ms, concurrency_limit)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7)`,
		id, actionName, groupKey, checksum, input, timeoutMs, concurrencyLimit)
	if err != nil {
		return "", false, fmt.Errorf("createJob: %w", err)
	}
	s.notify(ctx, "job-available", map[string]string{"jobId": id})
	return id, true, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, clientID string, output json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', output = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'active' AND client_id = $2 AND (expires_at IS NULL OR expires_at > now())`,
		jobID, clientID, output)
	if err != nil {
		return false, domain.NewTransientStore("completeJob", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notify(ctx, "job-status-changed", map[string]any{"jobId": jobID, "status": domain.JobCompleted, "clientId": clientID})
	}
	return ok, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, clientID string, jobErr *domain.SerialisedError) (bool, error) {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, fmt.Errorf("failJob: marshal error: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'active' AND client_id = $2`,
		jobID, clientID, errJSON)
	if err != nil {
		return false, domain.NewTransientStore("failJob", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notify(ctx, "job-status-changed", map[string]any{"jobId": jobID, "status": domain.JobFailed, "clientId": clientID})
	}
	return ok, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('active', 'created')`, jobID)
	if err != nil {
		return false, domain.NewTransientStore("cancelJob", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notify(ctx, "job-status-changed", map[string]any{"jobId": jobID, "status": domain.JobCancelled})
	}
	return ok, nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, jobID string) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, domain.NewTransientStore("retryJob.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var actionName, groupKey, checksum string
	var input json.RawMessage
	var timeoutMs int64
	var status string
	err = tx.QueryRow(ctx, `
		SELECT action_name, group_key, checksum, input, timeout_ms, status
		FROM jobs WHERE id = $1 FOR UPDATE`, jobID).
		Scan(&actionName, &groupKey, &checksum, &input, &timeoutMs, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.NewTransientStore("retryJob.lock", err)
	}
	if !domain.JobStatus(status).Terminal() {
		return "", false, nil
	}

	var siblingExists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM jobs
			WHERE action_name = $1 AND group_key = $2 AND checksum = $3 AND input = $4
			  AND status NOT IN ('completed', 'failed', 'cancelled')
		)`, actionName, groupKey, checksum, input).Scan(&siblingExists)
	if err != nil {
		return "", false, domain.NewTransientStore("retryJob.sibling", err)
	}
	if siblingExists {
		return "", false, nil
	}

	concurrencyLimit := 0
	err = tx.QueryRow(ctx, `
		SELECT concurrency_limit FROM jobs
		WHERE action_name = $1 AND group_key = $2 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC, id DESC LIMIT 1`, actionName, groupKey).Scan(&concurrencyLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `SELECT concurrency_limit FROM jobs WHERE id = $1`, jobID).Scan(&concurrencyLimit)
	}
	if err != nil {
		return "", false, domain.NewTransientStore("retryJob.limit", err)
	}

	newID := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, action_name, group_key, status, checksum, input, timeout_ms, concurrency_limit)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7)`,
		newID, actionName, groupKey, checksum, input, timeoutMs, concurrencyLimit)
	if err != nil {
		return "", false, domain.NewTransientStore("retryJob.insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, domain.NewTransientStore("retryJob.commit", err)
	}
	s.notify(ctx, "job-available", map[string]string{"jobId": newID})
	return newID, true, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status != 'active'`, jobID)
	if err != nil {
		return false, domain.NewTransientStore("deleteJob", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteJobs(ctx context.Context, filter JobFilter) (int64, error) {
	q, args := buildFilterQuery(`DELETE FROM jobs`, filter, true)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, domain.NewTransientStore("deleteJobs", err)
	}
	return tag.RowsAffected(), nil
}

// === fetch-and-admit ===

type candidateJob struct {
	id               string
	actionName       string
	groupKey         string
	concurrencyLimit int
	createdAt        time.Time
}

// Fetch implements the fetch-and-admit algorithm: admit created jobs into
// group-scoped concurrency slots under SKIP LOCKED, re-verifying capacity
// before committing each claim.
func (s *PostgresStore) Fetch(ctx context.Context, clientID string, batch int) ([]*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.NewTransientStore("fetch.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Step 1-3: effective limit and headroom per (action_name, group_key).
	rows, err := tx.Query(ctx, `
		WITH pair_limits AS (
			SELECT DISTINCT ON (action_name, group_key) action_name, group_key, concurrency_limit
			FROM jobs
			WHERE expires_at IS NULL OR expires_at > now()
			ORDER BY action_name, group_key, created_at DESC, id DESC
		),
		active_counts AS (
			SELECT action_name, group_key, count(*) AS active_count
			FROM jobs WHERE status = 'active'
			GROUP BY action_name, group_key
		)
		SELECT pl.action_name, pl.group_key, pl.concurrency_limit - COALESCE(ac.active_count, 0) AS headroom
		FROM pair_limits pl
		LEFT JOIN active_counts ac ON ac.action_name = pl.action_name AND ac.group_key = pl.group_key
		WHERE pl.concurrency_limit - COALESCE(ac.active_count, 0) > 0`)
	if err != nil {
		return nil, domain.NewTransientStore("fetch.eligible", err)
	}
	type headroomRow struct {
		actionName, groupKey string
		headroom             int
	}
	var eligible []headroomRow
	for rows.Next() {
		var hr headroomRow
		if err := rows.Scan(&hr.actionName, &hr.groupKey, &hr.headroom); err != nil {
			rows.Close()
			return nil, domain.NewTransientStore("fetch.eligible.scan", err)
		}
		eligible = append(eligible, hr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.NewTransientStore("fetch.eligible.iter", err)
	}

	// Step 4-5: per-pair candidate selection with SKIP LOCKED, capped to
	// headroom; merge globally ordered by (createdAt, id), cap to batch.
	var candidates []candidateJob
	for _, hr := range eligible {
		pairRows, err := tx.Query(ctx, `
			SELECT id, action_name, group_key, concurrency_limit, created_at
			FROM jobs
			WHERE action_name = $1 AND group_key = $2 AND status = 'created'
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED`, hr.actionName, hr.groupKey, hr.headroom)
		if err != nil {
			return nil, domain.NewTransientStore("fetch.candidates", err)
		}
		for pairRows.Next() {
			var c candidateJob
			if err := pairRows.Scan(&c.id, &c.actionName, &c.groupKey, &c.concurrencyLimit, &c.createdAt); err != nil {
				pairRows.Close()
				return nil, domain.NewTransientStore("fetch.candidates.scan", err)
			}
			candidates = append(candidates, c)
		}
		pairRows.Close()
		if err := pairRows.Err(); err != nil {
			return nil, domain.NewTransientStore("fetch.candidates.iter", err)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].createdAt.Equal(candidates[j].createdAt) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}

	// Step 6: re-verify active_count < limit for each candidate's own pair,
	// using the candidate's own stored concurrency_limit as L.
	var admitted []string
	for _, c := range candidates {
		var activeCount int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM jobs WHERE action_name = $1 AND group_key = $2 AND status = 'active'`,
			c.actionName, c.groupKey).Scan(&activeCount); err != nil {
			return nil, domain.NewTransientStore("fetch.reverify", err)
		}
		if activeCount < c.concurrencyLimit {
			admitted = append(admitted, c.id)
		}
	}

	if len(admitted) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, domain.NewTransientStore("fetch.commit", err)
		}
		return nil, nil
	}

	// Step 7: admit survivors.
	claimedRows, err := tx.Query(ctx, `
		UPDATE jobs
		SET status = 'active', started_at = now(), expires_at = now() + (timeout_ms || ' milliseconds')::interval,
		    client_id = $2, updated_at = now()
		WHERE id = ANY($1)
		RETURNING id, action_name, group_key, status, checksum, input, output, error, timeout_ms,
		          expires_at, started_at, finished_at, client_id, concurrency_limit, created_at, updated_at`,
		admitted, clientID)
	if err != nil {
		return nil, domain.NewTransientStore("fetch.admit", err)
	}
	jobs, err := scanJobs(claimedRows)
	claimedRows.Close()
	if err != nil {
		return nil, domain.NewTransientStore("fetch.admit.scan", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.NewTransientStore("fetch.commit", err)
	}
	return jobs, nil
}

// === recovery ===

func (s *PostgresStore) DistinctActiveClientIDs(ctx context.Context, excludeClientID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT client_id FROM jobs
		WHERE status = 'active' AND client_id IS NOT NULL AND client_id != $1`, excludeClientID)
	if err != nil {
		return nil, domain.NewTransientStore("distinctActiveClientIDs", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewTransientStore("distinctActiveClientIDs.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RecoverJobs(ctx context.Context, suspectClientIDs []string, knownChecksums []string) (int64, error) {
	if len(suspectClientIDs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, domain.NewTransientStore("recoverJobs.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, checksum FROM jobs
		WHERE status = 'active' AND client_id = ANY($1)
		FOR UPDATE SKIP LOCKED`, suspectClientIDs)
	if err != nil {
		return 0, domain.NewTransientStore("recoverJobs.select", err)
	}
	type row struct {
		id, checksum string
	}
	var locked []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.checksum); err != nil {
			rows.Close()
			return 0, domain.NewTransientStore("recoverJobs.scan", err)
		}
		locked = append(locked, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, domain.NewTransientStore("recoverJobs.iter", err)
	}
	if len(locked) == 0 {
		return 0, tx.Commit(ctx)
	}

	known := make(map[string]bool, len(knownChecksums))
	for _, c := range knownChecksums {
		known[c] = true
	}

	var ids, staleIDs []string
	for _, r := range locked {
		ids = append(ids, r.id)
		if !known[r.checksum] {
			staleIDs = append(staleIDs, r.id)
		}
	}

	if len(staleIDs) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM job_steps WHERE job_id = ANY($1)`, staleIDs); err != nil {
			return 0, domain.NewTransientStore("recoverJobs.deleteSteps", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'created', started_at = NULL, expires_at = NULL, finished_at = NULL,
		    output = NULL, error = NULL, client_id = NULL, updated_at = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, domain.NewTransientStore("recoverJobs.reset", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, domain.NewTransientStore("recoverJobs.commit", err)
	}
	for _, id := range ids {
		s.notify(ctx, "job-available", map[string]string{"jobId": id})
	}
	return tag.RowsAffected(), nil
}

// === steps ===

func (s *PostgresStore) CreateOrRecoverJobStep(ctx context.Context, req StepCreation) (*domain.StepLease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.NewTransientStore("createOrRecoverJobStep.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobStatus string
	var jobExpiresAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, expires_at FROM jobs WHERE id = $1 FOR UPDATE`, req.JobID).
		Scan(&jobStatus, &jobExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransientStore("createOrRecoverJobStep.lockJob", err)
	}
	if jobStatus != string(domain.JobActive) || (jobExpiresAt != nil && jobExpiresAt.Before(time.Now())) {
		return nil, nil
	}

	existing, err := scanStepRow(tx.QueryRow(ctx, `
		SELECT id, job_id, name, status, output, error, started_at, finished_at, timeout_ms, expires_at,
		       retries_limit, retries_count, delayed_ms, history_failed_attempts, created_at, updated_at
		FROM job_steps WHERE job_id = $1 AND name = $2 FOR UPDATE`, req.JobID, req.Name))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewTransientStore("createOrRecoverJobStep.lockStep", err)
	}

	if existing != nil {
		if domain.StepStatus(existing.Status).Terminal() {
			if err := tx.Commit(ctx); err != nil {
				return nil, domain.NewTransientStore("createOrRecoverJobStep.commit", err)
			}
			return &domain.StepLease{JobStep: *existing, IsNew: false}, nil
		}
		// In-flight before a crash: reset it.
		_, err = tx.Exec(ctx, `
			UPDATE job_steps
			SET expires_at = now() + ($1 || ' milliseconds')::interval, retries_count = 0,
			    delayed_ms = NULL, history_failed_attempts = '[]'::jsonb, started_at = now(),
			    updated_at = now()
			WHERE id = $2`, req.TimeoutMs, existing.ID)
		if err != nil {
			return nil, domain.NewTransientStore("createOrRecoverJobStep.reset", err)
		}
		existing.ExpiresAt = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
		existing.RetriesCount = 0
		existing.DelayedMs = nil
		existing.HistoryFailedAttempts = nil
		if err := tx.Commit(ctx); err != nil {
			return nil, domain.NewTransientStore("createOrRecoverJobStep.commit", err)
		}
		return &domain.StepLease{JobStep: *existing, IsNew: false}, nil
	}

	id := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO job_steps (id, job_id, name, status, timeout_ms, expires_at, retries_limit)
		VALUES ($1, $2, $3, 'active', $4, now() + ($4 || ' milliseconds')::interval, $5)`,
		id, req.JobID, req.Name, req.TimeoutMs, req.RetriesLimit)
	if err != nil {
		return nil, domain.NewTransientStore("createOrRecoverJobStep.insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domain.NewTransientStore("createOrRecoverJobStep.commit", err)
	}

	return &domain.StepLease{
		JobStep: domain.JobStep{
			ID: id, JobID: req.JobID, Name: req.Name, Status: domain.StepActive,
			TimeoutMs: req.TimeoutMs, RetriesLimit: req.RetriesLimit,
			ExpiresAt: time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond),
		},
		IsNew: true,
	}, nil
}

func (s *PostgresStore) CompleteJobStep(ctx context.Context, stepID string, output json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps s
		SET status = 'completed', output = $2, finished_at = now(), updated_at = now()
		FROM jobs j
		WHERE s.id = $1 AND s.job_id = j.id AND s.status = 'active' AND j.status = 'active'`, stepID, output)
	if err != nil {
		return false, domain.NewTransientStore("completeJobStep", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notifyStep(ctx, stepID, domain.StepCompleted, nil)
	}
	return ok, nil
}

func (s *PostgresStore) FailJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError) (bool, error) {
	errJSON, err := json.Marshal(stepErr)
	if err != nil {
		return false, fmt.Errorf("failJobStep: marshal error: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps s
		SET status = 'failed', error = $2, finished_at = now(), updated_at = now()
		FROM jobs j
		WHERE s.id = $1 AND s.job_id = j.id AND s.status = 'active' AND j.status = 'active'`, stepID, errJSON)
	if err != nil {
		return false, domain.NewTransientStore("failJobStep", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notifyStep(ctx, stepID, domain.StepFailed, stepErr)
	}
	return ok, nil
}

func (s *PostgresStore) CancelJobStep(ctx context.Context, stepID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps s
		SET status = 'cancelled', finished_at = now(), updated_at = now()
		FROM jobs j
		WHERE s.id = $1 AND s.job_id = j.id AND s.status = 'active'
		  AND (j.status = 'active' OR j.status = 'cancelled')`, stepID)
	if err != nil {
		return false, domain.NewTransientStore("cancelJobStep", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notifyStep(ctx, stepID, domain.StepCancelled, nil)
	}
	return ok, nil
}

func (s *PostgresStore) DelayJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError, delayMs int64) (bool, error) {
	attempt, err := json.Marshal(domain.FailedAttempt{FailedAt: time.Now(), Error: stepErr, DelayedMs: delayMs})
	if err != nil {
		return false, fmt.Errorf("delayJobStep: marshal attempt: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps s
		SET retries_count = retries_count + 1,
		    delayed_ms = $2,
		    history_failed_attempts = history_failed_attempts || $3::jsonb,
		    expires_at = expires_at + ((s.timeout_ms + $2) || ' milliseconds')::interval,
		    updated_at = now()
		FROM jobs j
		WHERE s.id = $1 AND s.job_id = j.id AND s.status = 'active' AND j.status = 'active'`,
		stepID, delayMs, attempt)
	if err != nil {
		return false, domain.NewTransientStore("delayJobStep", err)
	}
	ok := tag.RowsAffected() == 1
	if ok {
		s.notify(ctx, "step-delayed", map[string]any{"stepId": stepID, "delayedMs": delayMs, "error": stepErr})
	}
	return ok, nil
}

// === queries ===

func (s *PostgresStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, action_name, group_key, status, checksum, input, output, error, timeout_ms,
		       expires_at, started_at, finished_at, client_id, concurrency_limit, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID)
	job, err := scanJobRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, domain.NewTransientStore("getJobById", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJobs(ctx context.Context, filter JobFilter, p Pagination, sortBy Sort) ([]*domain.Job, error) {
	base := `SELECT id, action_name, group_key, status, checksum, input, output, error, timeout_ms,
	       expires_at, started_at, finished_at, client_id, concurrency_limit, created_at, updated_at FROM jobs`
	q, args := buildFilterQuery(base, filter, false)

	field := "created_at"
	if sortBy.Field == "updatedAt" {
		field = "updated_at"
	}
	dir := "ASC"
	if sortBy.Descending {
		dir = "DESC"
	}
	q += fmt.Sprintf(" ORDER BY %s %s, id %s", field, dir, dir)

	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.NewTransientStore("getJobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) GetJobSteps(ctx context.Context, jobID string, p Pagination, search string) ([]*domain.JobStep, error) {
	q := `
		SELECT id, job_id, name, status, NULL::jsonb AS output, error, started_at, finished_at, timeout_ms,
		       expires_at, retries_limit, retries_count, delayed_ms, history_failed_attempts, created_at, updated_at
		FROM job_steps WHERE job_id = $1`
	args := []any{jobID}
	if search != "" {
		args = append(args, "%"+search+"%")
		q += fmt.Sprintf(" AND name ILIKE $%d", len(args))
	}
	q += " ORDER BY created_at, id"
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.NewTransientStore("getJobSteps", err)
	}
	defer rows.Close()

	var steps []*domain.JobStep
	for rows.Next() {
		step, err := scanStepRow(rows)
		if err != nil {
			return nil, domain.NewTransientStore("getJobSteps.scan", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, name, status, output, error, started_at, finished_at, timeout_ms,
		       expires_at, retries_limit, retries_count, delayed_ms, history_failed_attempts, created_at, updated_at
		FROM job_steps WHERE id = $1`, stepID)
	step, err := scanStepRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStepNotFound
	}
	if err != nil {
		return nil, domain.NewTransientStore("getJobStepById", err)
	}
	return step, nil
}

func (s *PostgresStore) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", domain.NewTransientStore("getJobStatus", err)
	}
	return domain.JobStatus(status), nil
}

func (s *PostgresStore) GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM job_steps WHERE id = $1`, stepID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrStepNotFound
	}
	if err != nil {
		return "", domain.NewTransientStore("getJobStepStatus", err)
	}
	return domain.StepStatus(status), nil
}

func (s *PostgresStore) GetActions(ctx context.Context) ([]ActionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_name, status, count(*), max(created_at)
		FROM jobs GROUP BY action_name, status`)
	if err != nil {
		return nil, domain.NewTransientStore("getActions", err)
	}
	defer rows.Close()

	byAction := map[string]*ActionSummary{}
	for rows.Next() {
		var actionName, status string
		var count int64
		var lastCreated time.Time
		if err := rows.Scan(&actionName, &status, &count, &lastCreated); err != nil {
			return nil, domain.NewTransientStore("getActions.scan", err)
		}
		summary, ok := byAction[actionName]
		if !ok {
			summary = &ActionSummary{ActionName: actionName, CountByStatus: map[domain.JobStatus]int64{}}
			byAction[actionName] = summary
		}
		summary.CountByStatus[domain.JobStatus(status)] = count
		if lastCreated.After(summary.LastCreatedAt) {
			summary.LastCreatedAt = lastCreated
		}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewTransientStore("getActions.iter", err)
	}

	out := make([]ActionSummary, 0, len(byAction))
	for _, summary := range byAction {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionName < out[j].ActionName })
	return out, nil
}

// === helpers ===

func (s *PostgresStore) notify(ctx context.Context, topic string, payload any) {
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish notification", "topic", topic, "error", err)
	}
}

func (s *PostgresStore) notifyStep(ctx context.Context, stepID string, status domain.StepStatus, stepErr *domain.SerialisedError) {
	s.notify(ctx, "step-status-changed", map[string]any{"stepId": stepID, "status": status, "error": stepErr})
}

func buildFilterQuery(base string, filter JobFilter, isDelete bool) (string, []any) {
	var clauses []string
	var args []any
	if filter.ActionName != "" {
		args = append(args, filter.ActionName)
		clauses = append(clauses, fmt.Sprintf("action_name = $%d", len(args)))
	}
	if filter.GroupKey != "" {
		args = append(args, filter.GroupKey)
		clauses = append(clauses, fmt.Sprintf("group_key = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if isDelete {
		clauses = append(clauses, "status != 'active'")
	}
	if len(clauses) == 0 {
		return base, args
	}
	q := base + " WHERE "
	for i, c := range clauses {
		if i > 0 {
			q += " AND "
		}
		q += c
	}
	return q, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(r rowScanner) (*domain.Job, error) {
	var j domain.Job
	var errJSON []byte
	if err := r.Scan(&j.ID, &j.ActionName, &j.GroupKey, &j.Status, &j.Checksum, &j.Input, &j.Output,
		&errJSON, &j.TimeoutMs, &j.ExpiresAt, &j.StartedAt, &j.FinishedAt, &j.ClientID, &j.ConcurrencyLimit,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		var se domain.SerialisedError
		if err := json.Unmarshal(errJSON, &se); err != nil {
			return nil, err
		}
		j.Error = &se
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanStepRow(r rowScanner) (*domain.JobStep, error) {
	var st domain.JobStep
	var errJSON, historyJSON []byte
	if err := r.Scan(&st.ID, &st.JobID, &st.Name, &st.Status, &st.Output, &errJSON, &st.StartedAt,
		&st.FinishedAt, &st.TimeoutMs, &st.ExpiresAt, &st.RetriesLimit, &st.RetriesCount, &st.DelayedMs,
		&historyJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		var se domain.SerialisedError
		if err := json.Unmarshal(errJSON, &se); err != nil {
			return nil, err
		}
		st.Error = &se
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &st.HistoryFailedAttempts); err != nil {
			return nil, err
		}
	}
	return &st, nil
}
