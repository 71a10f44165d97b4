package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lunchpool/lunchpool/internal/db"
	"github.com/lunchpool/lunchpool/internal/orders"
)

var (
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_processed_total",
			Help: "Total number of scheduled jobs executed",
		},
		[]string{"job_type"},
	)

	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_failed_total",
			Help: "Total number of scheduled jobs that returned an error",
		},
		[]string{"job_type"},
	)
)

// Worker polls the persisted job queue and executes due order transitions.
// Claims are exclusive, so running several workers is safe; the state
// machine's own preconditions make late or duplicate execution a no-op.
type Worker struct {
	DB       *db.DB
	Orders   *orders.Service
	Interval time.Duration
	Logger   *slog.Logger
}

func NewWorker(database *db.DB, orderService *orders.Service, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{DB: database, Orders: orderService, Interval: interval, Logger: logger}
}

// Run polls until ctx is cancelled. Each tick drains every job that is due.
func (w *Worker) Run(ctx context.Context) {
	w.Logger.Info("scheduler started", "poll_interval", w.Interval)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs due jobs until the queue has none left
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.DB.ClaimDueJob(ctx)
		if err != nil {
			w.Logger.Error("failed to claim job", "error", err)
			return
		}
		if job == nil {
			return
		}

		w.Logger.Info("running job", "job_id", job.ID, "job_type", job.Type, "order_id", job.OrderID)
		if err := w.Orders.RunDueJob(ctx, job); err != nil {
			jobsFailed.WithLabelValues(string(job.Type)).Inc()
			w.Logger.Error("job failed",
				"job_id", job.ID, "job_type", job.Type, "order_id", job.OrderID, "error", err)
			continue
		}
		jobsProcessed.WithLabelValues(string(job.Type)).Inc()
	}
}
