package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skyfleet-io/skyfleet/errors"
)

// Store persists jobs in SQLite. All mutations are guarded by the
// lease token where one is held, so a worker whose lease expired cannot
// clobber a redelivered job.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle and ensures the
// schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, errors.Wrap(err, "failed to ensure jobs schema")
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		queue           TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		job_type        TEXT NOT NULL,
		parent_id       TEXT,
		priority        INTEGER NOT NULL DEFAULT 0,
		state           TEXT NOT NULL,
		progress        INTEGER NOT NULL DEFAULT 0,
		attempts        INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 5,
		stalled_count   INTEGER NOT NULL DEFAULT 0,
		lock_token      TEXT,
		lock_expires_at TIMESTAMP,
		delay_until     TIMESTAMP,
		payload         TEXT,
		result          TEXT,
		error           TEXT,
		created_at      TIMESTAMP NOT NULL,
		processed_at    TIMESTAMP,
		finished_at     TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue, state);
	CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_lock_expires ON jobs(state, lock_expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new waiting job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, tenant_id, job_type, parent_id, priority, state, progress,
			attempts, max_attempts, stalled_count, lock_token, lock_expires_at, delay_until,
			payload, result, error, created_at, processed_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.TenantID, string(job.JobType), nullStr(job.ParentID),
		job.Priority, string(job.State), job.Progress, job.Attempts, job.MaxAttempts,
		job.StalledCount, nullStr(job.lockToken), nullTime(job.lockExpiresAt),
		nullTime(job.delayUntil), nullJSON(job.Payload), nullJSON(job.Result),
		nullStr(job.Error), job.CreatedAt, nullTime(job.ProcessedAt),
		nullTime(job.FinishedAt), job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %s", job.ID)
	}
	return nil
}

// CreateJobs inserts a batch of jobs in a single transaction. Either
// the whole batch lands or none of it does.
func (s *Store) CreateJobs(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin batch insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, queue, tenant_id, job_type, parent_id, priority, state, progress,
			attempts, max_attempts, stalled_count, lock_token, lock_expires_at, delay_until,
			payload, result, error, created_at, processed_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch insert")
	}
	defer stmt.Close()

	for _, job := range jobs {
		_, err := stmt.ExecContext(ctx,
			job.ID, job.Queue, job.TenantID, string(job.JobType), nullStr(job.ParentID),
			job.Priority, string(job.State), job.Progress, job.Attempts, job.MaxAttempts,
			job.StalledCount, nullStr(job.lockToken), nullTime(job.lockExpiresAt),
			nullTime(job.delayUntil), nullJSON(job.Payload), nullJSON(job.Result),
			nullStr(job.Error), job.CreatedAt, nullTime(job.ProcessedAt),
			nullTime(job.FinishedAt), job.UpdatedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert job %s", job.ID)
		}
	}
	return tx.Commit()
}

// GetJob loads a single job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	var r jobRow
	if err := row.Scan(r.scanDest()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return r.toJob(), nil
}

// Claim atomically moves the oldest eligible waiting job in queueName
// to active and leases it for lockDuration. Returns (nil, nil) when no
// job is eligible. Eligibility: state waiting and delay_until elapsed;
// ordering: priority DESC, created_at ASC.
func (s *Store) Claim(ctx context.Context, queueName string, lockDuration time.Duration) (*Job, error) {
	now := time.Now()
	token := uuid.NewString()
	expires := now.Add(lockDuration)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE queue = ? AND state = ? AND (delay_until IS NULL OR delay_until <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		queueName, string(StateWaiting), now,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to select claimable job")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, lock_token = ?, lock_expires_at = ?, attempts = attempts + 1,
			processed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(StateActive), token, expires, now, now, id, string(StateWaiting),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to activate job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another claimer; caller retries on its tick.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return s.GetJob(ctx, id)
}

// RenewLease extends the lease on an active job. Fails when the token
// no longer matches, meaning the job stalled and was handed elsewhere.
func (s *Store) RenewLease(ctx context.Context, jobID, lockToken string, lockDuration time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND lock_token = ? AND state = ?`,
		now.Add(lockDuration), now, jobID, lockToken, string(StateActive),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to renew lease on job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrStalled, "lease lost on job %s", jobID)
	}
	return nil
}

// UpdateProgress sets a job's progress, keeping it monotonic within the
// current active span: lower values are ignored.
func (s *Store) UpdateProgress(ctx context.Context, jobID, lockToken string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND lock_token = ? AND state = ? AND progress < ?`,
		progress, time.Now(), jobID, lockToken, string(StateActive), progress,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress on job %s", jobID)
	}
	return nil
}

// Complete finishes a job successfully, recording its result.
func (s *Store) Complete(ctx context.Context, jobID, lockToken string, result json.RawMessage) (*Job, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, progress = 100, result = ?, lock_token = NULL,
			lock_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND lock_token = ? AND state = ?`,
		string(StateCompleted), nullJSON(result), now, now,
		jobID, lockToken, string(StateActive),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to complete job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.Wrapf(errors.ErrStalled, "lease lost completing job %s", jobID)
	}
	return s.GetJob(ctx, jobID)
}

// Fail records a failed attempt. Retriable failures with attempts left
// return the job to waiting with an exponential redelivery delay;
// otherwise the job fails permanently. The returned job reflects the
// post-transition state.
func (s *Store) Fail(ctx context.Context, jobID, lockToken string, failure error) (*Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.lockToken != lockToken || job.State != StateActive {
		return nil, errors.Wrapf(errors.ErrStalled, "lease lost failing job %s", jobID)
	}

	now := time.Now()
	msg := "unknown error"
	if failure != nil {
		msg = failure.Error()
	}

	retriable := errors.IsRetriable(failure) && job.Attempts < job.MaxAttempts
	if retriable {
		delay := now.Add(RetryBackoff(job.Attempts, true))
		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, error = ?, lock_token = NULL, lock_expires_at = NULL,
				delay_until = ?, updated_at = ?
			WHERE id = ? AND lock_token = ?`,
			string(StateWaiting), msg, delay, now, jobID, lockToken,
		)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, error = ?, lock_token = NULL, lock_expires_at = NULL,
				finished_at = ?, updated_at = ?
			WHERE id = ? AND lock_token = ?`,
			string(StateFailed), msg, now, now, jobID, lockToken,
		)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record failure on job %s", jobID)
	}
	return s.GetJob(ctx, jobID)
}

// RecoverStalled scans for active jobs whose lease expired. Each one is
// either returned to waiting (stall survived) or failed permanently
// after more than maxStalled detections. Both lists are returned so the
// caller can emit the matching events.
func (s *Store) RecoverStalled(ctx context.Context, maxStalled int) (requeued, failed []*Job, err error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		string(StateActive), now,
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to scan for stalled jobs")
	}
	defer rows.Close()

	var stalled []*Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(r.scanDest()...); err != nil {
			return nil, nil, errors.Wrap(err, "failed to scan stalled job")
		}
		stalled = append(stalled, r.toJob())
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "failed iterating stalled jobs")
	}

	for _, job := range stalled {
		count := job.StalledCount + 1
		if count > maxStalled {
			_, err := s.db.ExecContext(ctx, `
				UPDATE jobs
				SET state = ?, stalled_count = ?, error = ?, lock_token = NULL,
					lock_expires_at = NULL, finished_at = ?, updated_at = ?
				WHERE id = ? AND state = ?`,
				string(StateFailed), count, "job stalled more than allowable limit",
				now, now, job.ID, string(StateActive),
			)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "failed to fail stalled job %s", job.ID)
			}
			job.State = StateFailed
			job.StalledCount = count
			job.Error = "job stalled more than allowable limit"
			failed = append(failed, job)
			continue
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, stalled_count = ?, lock_token = NULL,
				lock_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(StateWaiting), count, now, job.ID, string(StateActive),
		)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to requeue stalled job %s", job.ID)
		}
		job.State = StateWaiting
		job.StalledCount = count
		requeued = append(requeued, job)
	}
	return requeued, failed, nil
}

// RequeueOrphans returns every active job to waiting, clearing leases.
// Called once at process start: with a single orchestrator process, any
// job active at boot was abandoned by a previous run.
func (s *Store) RequeueOrphans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, lock_token = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE state = ?`,
		string(StateWaiting), time.Now(), string(StateActive),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListByState returns jobs in a queue with the given state,
// newest-first, capped at limit (0 = no cap).
func (s *Store) ListByState(ctx context.Context, queueName string, state State, limit int) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? AND state = ? ORDER BY created_at DESC`
	args := []interface{}{queueName, string(state)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, q, args...)
}

// ListByParent returns all jobs spawned from a bulk parent, in creation
// order.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE parent_id = ? ORDER BY created_at ASC`,
		parentID,
	)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(r.scanDest()...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, r.toJob())
	}
	return jobs, rows.Err()
}

// CountsByState returns the per-state job counts for one queue.
func (s *Store) CountsByState(ctx context.Context, queueName string) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, queueName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// RetentionPolicy bounds how long terminal jobs are kept.
type RetentionPolicy struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
	FailedCount    int
}

// DefaultRetention keeps completed jobs 1 day / 1000 rows and failed
// jobs 7 days / 3000 rows.
var DefaultRetention = RetentionPolicy{
	CompletedAge:   24 * time.Hour,
	CompletedCount: 1000,
	FailedAge:      7 * 24 * time.Hour,
	FailedCount:    3000,
}

// Cleanup deletes terminal jobs older than the policy's age bounds and
// trims each terminal state down to its count bound, oldest-first.
// Returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	now := time.Now()
	var total int64

	for _, p := range []struct {
		state State
		age   time.Duration
		count int
	}{
		{StateCompleted, policy.CompletedAge, policy.CompletedCount},
		{StateFailed, policy.FailedAge, policy.FailedCount},
	} {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE state = ? AND finished_at < ?`,
			string(p.state), now.Add(-p.age),
		)
		if err != nil {
			return total, errors.Wrapf(err, "failed to expire %s jobs", p.state)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE state = ? AND id NOT IN (
				SELECT id FROM jobs WHERE state = ? ORDER BY finished_at DESC LIMIT ?
			)`,
			string(p.state), string(p.state), p.count,
		)
		if err != nil {
			return total, errors.Wrapf(err, "failed to trim %s jobs", p.state)
		}
		n, _ = res.RowsAffected()
		total += n
	}
	return total, nil
}
