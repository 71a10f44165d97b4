package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lunchpool/lunchpool/internal/models"
)

// ClaimDueJob atomically takes one due job off the queue, or returns nil if
// none is due. The row is locked with SKIP LOCKED so each job is claimed by
// exactly one worker, and deleted before the claim commits so redelivery is
// impossible.
func (db *DB) ClaimDueJob(ctx context.Context) (*models.Job, error) {
	var job *models.Job
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, job_type, order_id, due_at, created_at
			FROM jobs
			WHERE due_at <= NOW()
			ORDER BY due_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)

		claimed := &models.Job{}
		err := row.Scan(&claimed.ID, &claimed.Type, &claimed.OrderID, &claimed.DueAt, &claimed.CreatedAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		_, err = tx.Exec(ctx, "DELETE FROM jobs WHERE id = $1", claimed.ID)
		if err != nil {
			return fmt.Errorf("failed to remove claimed job: %w", err)
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PendingJobs lists the still-queued jobs for an order
func (db *DB) PendingJobs(ctx context.Context, orderID int) ([]models.Job, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, job_type, order_id, due_at, created_at FROM jobs WHERE order_id = $1 ORDER BY due_at ASC",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		if err := rows.Scan(&job.ID, &job.Type, &job.OrderID, &job.DueAt, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
