package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/portasms/dispatch/internal/dispatch/domain"
	"github.com/portasms/dispatch/internal/dispatch/repository"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_claimed_total",
		Help: "Scheduled jobs exclusively claimed for processing.",
	})
	jobFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_job_failures_total",
		Help: "Claimed jobs whose processing returned an error.",
	})
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_pass_duration_seconds",
		Help:    "Wall time of one polling pass including provider calls.",
		Buckets: prometheus.DefBuckets,
	})
)

// JobProcessor runs one claimed job to a terminal state. Implemented by the
// dispatch service.
type JobProcessor interface {
	ProcessScheduled(ctx context.Context, job *domain.ScheduledMessage) error
}

// Config bounds one polling pass.
type Config struct {
	Interval time.Duration
	// DueBuffer pulls in jobs due within the next tick so they fire on time
	// rather than one interval late.
	DueBuffer time.Duration
	// RecoveryWindow is how far behind a pending job may be and still get
	// claimed. Anything older is left alone for operator inspection.
	RecoveryWindow time.Duration
	BatchSize      int
}

// Poller periodically claims due scheduled messages and hands each to the
// processor. Job failures are isolated: one bad job never aborts the pass.
type Poller struct {
	db        repository.Querier
	scheduled repository.ScheduledMessageRepository
	processor JobProcessor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewPoller(db repository.Querier, scheduled repository.ScheduledMessageRepository, processor JobProcessor, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DueBuffer <= 0 {
		cfg.DueBuffer = 5 * time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Poller{
		db:        db,
		scheduled: scheduled,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Scheduler started",
		"interval", p.cfg.Interval, "batch_size", p.cfg.BatchSize, "recovery_window", p.cfg.RecoveryWindow)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

func (p *Poller) runPass(ctx context.Context) {
	start := time.Now()
	defer func() { passDuration.Observe(time.Since(start).Seconds()) }()

	now := p.now()
	claimed, err := p.scheduled.ClaimDue(ctx, p.db, now, p.cfg.DueBuffer, p.cfg.RecoveryWindow, p.cfg.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to claim due jobs", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	jobsClaimed.Add(float64(len(claimed)))
	p.logger.InfoContext(ctx, "Claimed due jobs", "count", len(claimed))

	for _, job := range claimed {
		if lag := now.Sub(job.ScheduledAt); lag > p.cfg.Interval {
			p.logger.WarnContext(ctx, "Job claimed late",
				"scheduled_id", job.ID, "scheduled_at", job.ScheduledAt, "lag", lag)
		}
		if err := p.processor.ProcessScheduled(ctx, job); err != nil {
			jobFailures.Inc()
			p.logger.ErrorContext(ctx, "Job processing failed",
				"scheduled_id", job.ID, "user_id", job.UserID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
