package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// JobsRepository archives terminal publish jobs in MySQL.
type JobsRepository interface {
	Save(ctx context.Context, job model.PublishJob) error
	GetByEventID(ctx context.Context, eventID string) (model.PublishJob, bool, error)
	List(ctx context.Context, status model.JobStatus, limit, offset int) ([]model.PublishJob, error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

type JobsRepositoryImpl struct {
	db *sqlx.DB
}

func NewJobsRepository(db *sqlx.DB) *JobsRepositoryImpl {
	return &JobsRepositoryImpl{db: db}
}

// jobRow is the publish_jobs row; nested values are stored as JSON.
type jobRow struct {
	ID          string       `db:"id"`
	EventID     string       `db:"event_id"`
	Status      string       `db:"status"`
	Reason      string       `db:"reason"`
	Event       []byte       `db:"event"`
	Channels    []byte       `db:"channels"`
	CreatedAt   time.Time    `db:"created_at"`
	ReviewedAt  sql.NullTime `db:"reviewed_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r *JobsRepositoryImpl) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// Save upserts the job and replaces its per-channel results in one
// transaction.
func (r *JobsRepositoryImpl) Save(ctx context.Context, job model.PublishJob) error {
	ev, err := json.Marshal(job.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	chs, err := json.Marshal(job.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	const upsert = `
		INSERT INTO publish_jobs
		    (id, event_id, status, reason, event, channels, created_at, reviewed_at, completed_at)
		VALUES
		    (?,  ?,        ?,      ?,      ?,     ?,        ?,          ?,           ?)
		ON DUPLICATE KEY UPDATE
		    status = VALUES(status), reason = VALUES(reason),
		    reviewed_at = VALUES(reviewed_at), completed_at = VALUES(completed_at)
	`
	const delResults = `DELETE FROM publish_job_results WHERE job_id = ?`
	const insResult = `
		INSERT INTO publish_job_results
		    (job_id, channel, success, external_ref, error_kind, error, attempts, rate_limited)
		VALUES
		    (?,      ?,       ?,       ?,            ?,          ?,     ?,        ?)
	`

	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert,
			job.ID, job.EventID, job.Status.String(), job.Reason, ev, chs,
			job.CreatedAt.UTC(), nullTime(job.ReviewedAt), nullTime(job.CompletedAt),
		); err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, delResults, job.ID); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
		for _, res := range job.Results {
			if _, err := tx.ExecContext(ctx, insResult,
				job.ID, res.Channel, res.Success, res.ExternalReference,
				res.ErrorKind.String(), res.Error, res.Attempts, res.RateLimited,
			); err != nil {
				return fmt.Errorf("insert result %s: %w", res.Channel, err)
			}
		}
		return nil
	})
}

func (r *JobsRepositoryImpl) GetByEventID(ctx context.Context, eventID string) (model.PublishJob, bool, error) {
	const q = `
		SELECT id, event_id, status, reason, event, channels, created_at, reviewed_at, completed_at
		FROM publish_jobs
		WHERE event_id = ?
	`
	var row jobRow
	if err := r.db.GetContext(ctx, &row, q, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PublishJob{}, false, nil
		}
		return model.PublishJob{}, false, err
	}
	jobs, err := r.hydrate(ctx, []jobRow{row})
	if err != nil {
		return model.PublishJob{}, false, err
	}
	return jobs[0], true, nil
}

// List returns archived jobs newest first, optionally filtered by status.
func (r *JobsRepositoryImpl) List(ctx context.Context, status model.JobStatus, limit, offset int) ([]model.PublishJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, event_id, status, reason, event, channels, created_at, reviewed_at, completed_at
		FROM publish_jobs
	`
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status.String())
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return r.hydrate(ctx, rows)
}

// DeleteCompletedBefore prunes archived jobs; results go with them through
// the foreign key.
func (r *JobsRepositoryImpl) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM publish_jobs WHERE completed_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// hydrate decodes rows and attaches their results with a single IN query.
func (r *JobsRepositoryImpl) hydrate(ctx context.Context, rows []jobRow) ([]model.PublishJob, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	jobs := make([]model.PublishJob, 0, len(rows))
	byID := make(map[string]int, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		job := model.PublishJob{
			ID:          row.ID,
			EventID:     row.EventID,
			Status:      model.JobStatus(row.Status),
			Reason:      row.Reason,
			CreatedAt:   row.CreatedAt,
			ReviewedAt:  timePtr(row.ReviewedAt),
			CompletedAt: timePtr(row.CompletedAt),
			Results:     make(map[string]model.ChannelResult),
		}
		if err := json.Unmarshal(row.Event, &job.Event); err != nil {
			return nil, fmt.Errorf("decode event of job %s: %w", row.ID, err)
		}
		if err := json.Unmarshal(row.Channels, &job.Channels); err != nil {
			return nil, fmt.Errorf("decode channels of job %s: %w", row.ID, err)
		}
		byID[row.ID] = len(jobs)
		ids = append(ids, row.ID)
		jobs = append(jobs, job)
	}

	query, args, err := sqlx.In(`
		SELECT job_id, channel, success, external_ref, error_kind, error, attempts, rate_limited
		FROM publish_job_results
		WHERE job_id IN (?)
	`, ids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var results []struct {
		JobID string `db:"job_id"`
		model.ChannelResult
	}
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, err
	}
	for _, res := range results {
		if i, ok := byID[res.JobID]; ok {
			jobs[i].Results[res.Channel] = res.ChannelResult
		}
	}
	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
