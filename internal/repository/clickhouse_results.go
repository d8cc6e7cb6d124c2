package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// ResultRow is one channel outcome as stored in ClickHouse.
type ResultRow struct {
	JobID       string    `db:"job_id" json:"job_id"`
	EventID     string    `db:"event_id" json:"event_id"`
	Channel     string    `db:"channel" json:"channel"`
	JobStatus   string    `db:"job_status" json:"job_status"`
	Success     uint8     `db:"success" json:"success"`
	ErrorKind   string    `db:"error_kind" json:"error_kind"`
	Attempts    uint32    `db:"attempts" json:"attempts"`
	RateLimited uint8     `db:"rate_limited" json:"rate_limited"`
	Magnitude   float64   `db:"magnitude" json:"magnitude"`
	Category    string    `db:"category" json:"category"`
	Chain       string    `db:"chain" json:"chain"`
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
}

// ChannelSummary aggregates outcomes per channel over a time range.
type ChannelSummary struct {
	Channel     string  `db:"channel" json:"channel"`
	Total       uint64  `db:"total" json:"total"`
	Succeeded   uint64  `db:"succeeded" json:"succeeded"`
	RateLimited uint64  `db:"rate_limited" json:"rate_limited"`
	AvgAttempts float64 `db:"avg_attempts" json:"avg_attempts"`
}

// CHResultsRepository appends per-channel outcomes for reporting.
type CHResultsRepository interface {
	Record(ctx context.Context, job model.PublishJob) error
	Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error)
	ListByChannel(ctx context.Context, channel string, limit, offset int) ([]ResultRow, error)
}

type chResultsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHResultsRepository(ch *sqlx.DB) CHResultsRepository {
	return &chResultsRepository{ch: ch}
}

// Record writes one row per channel as a single ClickHouse batch.
func (r *chResultsRepository) Record(ctx context.Context, job model.PublishJob) error {
	if len(job.Results) == 0 {
		return nil
	}
	completed := job.CreatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relay.publish_results
		    (job_id, event_id, channel, job_status, success, error_kind, attempts, rate_limited, magnitude, category, chain, completed_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, res := range job.Results {
		if _, err := stmt.ExecContext(ctx,
			job.ID, job.EventID, res.Channel, job.Status.String(),
			boolToUint8(res.Success), res.ErrorKind.String(), uint32(res.Attempts), boolToUint8(res.RateLimited),
			job.Event.Magnitude, job.Event.Category, job.Event.Chain, completed.UTC(),
		); err != nil {
			return fmt.Errorf("append %s: %w", res.Channel, err)
		}
	}
	return tx.Commit()
}

func (r *chResultsRepository) Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error) {
	const q = `
		SELECT
		    channel,
		    count()                AS total,
		    countIf(success = 1)   AS succeeded,
		    countIf(rate_limited = 1) AS rate_limited,
		    avg(attempts)          AS avg_attempts
		FROM relay.publish_results
		WHERE completed_at >= ?
		GROUP BY channel
		ORDER BY channel
	`
	var rows []ChannelSummary
	if err := r.ch.SelectContext(ctx, &rows, q, since.UTC()); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chResultsRepository) ListByChannel(ctx context.Context, channel string, limit, offset int) ([]ResultRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT job_id, event_id, channel, job_status, success, error_kind, attempts, rate_limited, magnitude, category, chain, completed_at
		FROM relay.publish_results
	`
	var args []any
	if channel != "" {
		q += " WHERE channel = ?"
		args = append(args, channel)
	}
	q += " ORDER BY completed_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []ResultRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
