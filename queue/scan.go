package queue

import (
	"database/sql"
	"encoding/json"
	"time"
)

// jobRow is the scan target for a jobs row. Nullable columns go through
// sql.Null* and are folded into the Job afterwards.
type jobRow struct {
	id            string
	queue         string
	tenantID      string
	jobType       string
	parentID      sql.NullString
	priority      int
	state         string
	progress      int
	attempts      int
	maxAttempts   int
	stalledCount  int
	lockToken     sql.NullString
	lockExpiresAt sql.NullTime
	delayUntil    sql.NullTime
	payload       sql.NullString
	result        sql.NullString
	errMsg        sql.NullString
	createdAt     time.Time
	processedAt   sql.NullTime
	finishedAt    sql.NullTime
	updatedAt     time.Time
}

// jobColumns is the canonical column list; keep in sync with scanDest.
const jobColumns = `id, queue, tenant_id, job_type, parent_id, priority, state, progress,
	attempts, max_attempts, stalled_count, lock_token, lock_expires_at, delay_until,
	payload, result, error, created_at, processed_at, finished_at, updated_at`

func (r *jobRow) scanDest() []interface{} {
	return []interface{}{
		&r.id, &r.queue, &r.tenantID, &r.jobType, &r.parentID, &r.priority,
		&r.state, &r.progress, &r.attempts, &r.maxAttempts, &r.stalledCount,
		&r.lockToken, &r.lockExpiresAt, &r.delayUntil, &r.payload, &r.result,
		&r.errMsg, &r.createdAt, &r.processedAt, &r.finishedAt, &r.updatedAt,
	}
}

func (r *jobRow) toJob() *Job {
	j := &Job{
		ID:           r.id,
		Queue:        r.queue,
		TenantID:     r.tenantID,
		JobType:      JobType(r.jobType),
		Priority:     r.priority,
		State:        State(r.state),
		Progress:     r.progress,
		Attempts:     r.attempts,
		MaxAttempts:  r.maxAttempts,
		StalledCount: r.stalledCount,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
	if r.parentID.Valid {
		j.ParentID = r.parentID.String
	}
	if r.lockToken.Valid {
		j.lockToken = r.lockToken.String
	}
	if r.lockExpiresAt.Valid {
		t := r.lockExpiresAt.Time
		j.lockExpiresAt = &t
	}
	if r.delayUntil.Valid {
		t := r.delayUntil.Time
		j.delayUntil = &t
	}
	if r.payload.Valid && r.payload.String != "" {
		j.Payload = json.RawMessage(r.payload.String)
	}
	if r.result.Valid && r.result.String != "" {
		j.Result = json.RawMessage(r.result.String)
	}
	if r.errMsg.Valid {
		j.Error = r.errMsg.String
	}
	if r.processedAt.Valid {
		t := r.processedAt.Time
		j.ProcessedAt = &t
	}
	if r.finishedAt.Valid {
		t := r.finishedAt.Time
		j.FinishedAt = &t
	}
	return j
}

// nullStr maps "" to NULL for writes.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil to NULL for writes.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullJSON maps empty raw messages to NULL for writes.
func nullJSON(m json.RawMessage) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(m), Valid: true}
}
