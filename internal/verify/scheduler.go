package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/idgen"
	"github.com/middlemark/escrowd/internal/retry"
)

var jobsExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "verify",
	Name:      "jobs_exhausted_total",
	Help:      "Verification jobs that ran out of retries.",
})

func init() {
	prometheus.MustRegister(jobsExhaustedTotal)
}

// ErrNoJob is returned when an escrow has no pending verification job.
var ErrNoJob = errors.New("verify: no pending job")

// JobState is the lifecycle state of a verification job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobDone      JobState = "done"
	JobExhausted JobState = "exhausted"
	JobAbandoned JobState = "abandoned"
)

// Job is one escrow's persisted retry schedule. Attempt counts
// verification attempts performed so far, the inline attempt included,
// so schedules survive process restarts without resetting the backoff.
type Job struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Attempt   int       `json:"attempt"`
	NextRunAt time.Time `json:"nextRunAt"`
	State     JobState  `json:"state"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobStore persists verification jobs.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	PendingByEscrow(ctx context.Context, escrowID string) (*Job, error)
}

// SchedulerConfig tunes the retry schedule.
type SchedulerConfig struct {
	BaseDelay    time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff ceiling
	MaxAttempts  int           // total attempts, inline included
	PollInterval time.Duration // due-job poll cadence
	BatchSize    int
}

// DefaultSchedulerConfig returns the production schedule: 10s floor,
// 1.5x growth, 60s ceiling, 10 attempts.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BaseDelay:    10 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  10,
		PollInterval: 2 * time.Second,
		BatchSize:    50,
	}
}

// Scheduler drains due verification jobs. Restart-safe: schedules live
// in the job store, so a restarted process resumes where the old one
// left off.
type Scheduler struct {
	jobs     JobStore
	engine   *Engine
	store    escrow.Store
	notifier escrow.Notifier
	cfg      SchedulerConfig
	logger   *slog.Logger
}

// NewScheduler creates a retry scheduler.
func NewScheduler(jobs JobStore, engine *Engine, store escrow.Store, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.BaseDelay <= 0 {
		cfg = DefaultSchedulerConfig()
	}
	return &Scheduler{
		jobs:   jobs,
		engine: engine,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// WithNotifier adds operator alert delivery.
func (s *Scheduler) WithNotifier(n escrow.Notifier) *Scheduler {
	s.notifier = n
	return s
}

// Schedule enqueues retries for an escrow after a transient inline
// verification. Idempotent: an existing pending job is left alone.
func (s *Scheduler) Schedule(ctx context.Context, escrowID string) error {
	if _, err := s.jobs.PendingByEscrow(ctx, escrowID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNoJob) {
		return err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        idgen.WithPrefix("vjob_"),
		EscrowID:  escrowID,
		Attempt:   1, // the inline attempt already happened
		NextRunAt: now.Add(retry.Backoff(0, s.cfg.BaseDelay, s.cfg.MaxDelay)),
		State:     JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.jobs.Create(ctx, job)
}

// Run polls for due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once. Exported so tests and a manual admin
// trigger can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.jobs.Due(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("listing due verification jobs failed", "error", err)
		return
	}
	for _, job := range due {
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	e, err := s.store.Get(ctx, job.EscrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			s.finish(ctx, job, JobAbandoned, err.Error())
			return
		}
		// A store blip must not eat the retry schedule.
		s.reschedule(ctx, job, err.Error())
		return
	}
	if e.Status != escrow.StatusDepositPending {
		// The escrow moved on without us.
		if e.DepositVerified {
			s.finish(ctx, job, JobDone, "")
		} else {
			s.finish(ctx, job, JobAbandoned, "escrow left deposit_pending")
		}
		return
	}

	result, err := s.engine.Verify(ctx, job.EscrowID)
	switch {
	case err == nil && result.Verified:
		s.finish(ctx, job, JobDone, "")
		return
	case err == nil && !result.Pending:
		// Terminal negative verdict; retrying cannot change it.
		s.finish(ctx, job, JobDone, result.Reason)
		return
	}

	job.Attempt++
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = result.Reason
	}

	if job.Attempt >= s.cfg.MaxAttempts {
		// Out of retries. The escrow stays deposit_pending for a manual
		// re-verification; the operator gets an alert instead of the
		// escrow getting auto-failed.
		jobsExhaustedTotal.Inc()
		s.logger.Warn("verification retries exhausted", "escrow", job.EscrowID, "attempts", job.Attempt, "lastError", job.LastError)
		if s.notifier != nil {
			s.notifier.EscrowEvent(ctx, escrow.EventVerifyExhausted, e)
		}
		s.finish(ctx, job, JobExhausted, job.LastError)
		return
	}

	job.NextRunAt = time.Now().UTC().Add(retry.Backoff(job.Attempt-1, s.cfg.BaseDelay, s.cfg.MaxDelay))
	job.UpdatedAt = time.Now().UTC()
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("rescheduling verification job failed", "job", job.ID, "error", err)
	}
}

// reschedule pushes the job out one base delay without consuming a
// verification attempt. Used when the job could not run at all.
func (s *Scheduler) reschedule(ctx context.Context, job *Job, lastError string) {
	job.LastError = lastError
	job.NextRunAt = time.Now().UTC().Add(s.cfg.BaseDelay)
	job.UpdatedAt = time.Now().UTC()
	s.logger.Warn("verification job deferred", "job", job.ID, "escrow", job.EscrowID, "error", lastError)
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("rescheduling verification job failed", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) finish(ctx context.Context, job *Job, state JobState, lastError string) {
	job.State = state
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("finishing verification job failed", "job", job.ID, "state", state, "error", err)
	}
}
