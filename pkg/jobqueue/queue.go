// Package jobqueue is the durable work table that feeds the conversation engine.
//
// Jobs live in the store. A claim flips queued jobs to running under the
// store's write lock, so concurrent claimers never receive the same job, and
// a job is skipped while another job for the same conversation is in flight.
//
// Every claim carries a fresh lease id. Settling a job needs the lease it was
// claimed under, so a worker whose job was reclaimed by SweepStale cannot
// complete or requeue it afterwards.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookingbot/pkg/store"
)

// ErrNotRunning is returned when completing or retrying a job that is not running.
var ErrNotRunning = errors.New("jobqueue: job is not running")

// ErrLeaseLost is returned when a running job is held under a different lease.
var ErrLeaseLost = store.ErrLeaseLost

const staleLockError = "stale lock reclaimed"

// Queue claims and settles jobs.
type Queue struct {
	store       *store.Store
	log         *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts moves a job to failed once reached. Zero retries forever.
	MaxAttempts int
	Logger      *slog.Logger
}

// New creates a queue over st.
func New(st *store.Store, opts Options) *Queue {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Queue{
		store:       st,
		log:         log.With("component", "jobqueue.queue"),
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds job to tx as queued and runnable now unless RunAfter is set.
func (q *Queue) Enqueue(tx *store.Tx, job store.Job) (store.Job, error) {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = store.JobTypeProcessInbound
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	job.Status = store.JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := tx.PutJob(job); err != nil {
		return store.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Claim marks up to limit runnable jobs as running for workerID, oldest
// run_after first. At most one job per conversation key is handed out, and
// none for a key that already has a running job.
func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]store.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []store.Job
	err := q.store.Exclusive(ctx, func(tx *store.Tx) error {
		claimed = claimed[:0]
		now := q.now()

		ready, err := tx.ReadyJobs(now)
		if err != nil {
			return err
		}

		taken := make(map[string]struct{})
		for _, job := range ready {
			if len(claimed) >= limit {
				break
			}

			if key := job.ConversationKey; key != "" {
				if _, dup := taken[key]; dup {
					continue
				}
				_, busy, err := tx.ConversationInFlight(key)
				if err != nil {
					return err
				}
				if busy {
					continue
				}
				taken[key] = struct{}{}
			}

			lockedAt := now
			job.Status = store.JobRunning
			job.LockedBy = workerID
			job.LockedAt = &lockedAt
			job.LeaseID = uuid.NewString()
			job.UpdatedAt = now
			if err := tx.PutJob(job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	if len(claimed) > 0 {
		q.log.Debug("Jobs claimed", "worker_id", workerID, "count", len(claimed))
	}
	return claimed, nil
}

// CompleteTx marks the claimed job done inside tx so it commits atomically
// with the writes the job produced. The commit fails with ErrLeaseLost if the
// job is reclaimed in the meantime.
func (q *Queue) CompleteTx(tx *store.Tx, claimed store.Job) error {
	job, err := leased(tx, claimed, "complete")
	if err != nil {
		return err
	}
	tx.GuardJobLease(job.ID, claimed.LeaseID)

	job.Status = store.JobDone
	job.LockedBy = ""
	job.LockedAt = nil
	job.LeaseID = ""
	job.LastError = ""
	job.UpdatedAt = q.now()
	return tx.PutJob(job)
}

// MarkDone completes a claimed job in its own transaction.
func (q *Queue) MarkDone(ctx context.Context, claimed store.Job) error {
	return q.store.Exclusive(ctx, func(tx *store.Tx) error {
		return q.CompleteTx(tx, claimed)
	})
}

// MarkRetry requeues a claimed job after delay with attempts incremented, or
// fails it for good once max attempts is reached.
func (q *Queue) MarkRetry(ctx context.Context, claimed store.Job, delay time.Duration, errMsg string) error {
	var job store.Job
	err := q.store.Exclusive(ctx, func(tx *store.Tx) error {
		var err error
		job, err = leased(tx, claimed, "retry")
		if err != nil {
			return err
		}
		job = q.retried(job, delay, errMsg)
		return tx.PutJob(job)
	})
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}

	if job.Status == store.JobFailed {
		q.log.Warn("Job failed permanently", "job_id", job.ID, "trace_id", job.TraceID, "attempts", job.Attempts, "error", errMsg)
	} else {
		q.log.Info("Job scheduled for retry", "job_id", job.ID, "trace_id", job.TraceID, "attempts", job.Attempts, "run_after", job.RunAfter)
	}
	return nil
}

// Release requeues claimed jobs that were never started, runnable now and
// without counting an attempt. reason is kept as the job's last error. Jobs
// no longer held under their lease are skipped.
func (q *Queue) Release(ctx context.Context, claimed []store.Job, reason string) (int, error) {
	released := 0
	err := q.store.Exclusive(ctx, func(tx *store.Tx) error {
		released = 0
		now := q.now()
		for _, c := range claimed {
			job, err := leased(tx, c, "release")
			if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrLeaseLost) {
				continue
			}
			if err != nil {
				return err
			}
			job.Status = store.JobQueued
			job.RunAfter = now
			job.LockedBy = ""
			job.LockedAt = nil
			job.LeaseID = ""
			job.LastError = reason
			job.UpdatedAt = now
			if err := tx.PutJob(job); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release jobs: %w", err)
	}
	return released, nil
}

// leased loads the job behind claimed and checks it is still running under
// the same lease.
func leased(tx *store.Tx, claimed store.Job, op string) (store.Job, error) {
	job, err := tx.GetJob(claimed.ID)
	if err != nil {
		return store.Job{}, err
	}
	if job.Status != store.JobRunning {
		return store.Job{}, fmt.Errorf("%s job %s in status %s: %w", op, job.ID, job.Status, ErrNotRunning)
	}
	if job.LeaseID != claimed.LeaseID {
		return store.Job{}, fmt.Errorf("%s job %s: %w", op, job.ID, ErrLeaseLost)
	}
	return job, nil
}

func (q *Queue) retried(job store.Job, delay time.Duration, errMsg string) store.Job {
	now := q.now()
	job.Attempts++
	job.LastError = errMsg
	job.LockedBy = ""
	job.LockedAt = nil
	job.LeaseID = ""
	job.UpdatedAt = now

	if q.maxAttempts > 0 && job.Attempts >= q.maxAttempts {
		job.Status = store.JobFailed
		return job
	}
	job.Status = store.JobQueued
	job.RunAfter = now.Add(delay)
	return job
}

// SweepStale requeues jobs that have been running longer than olderThan,
// through the same path as a failed attempt. It returns how many were reclaimed.
func (q *Queue) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	reclaimed := 0
	err := q.store.Exclusive(ctx, func(tx *store.Tx) error {
		reclaimed = 0
		stale, err := tx.RunningJobsLockedBefore(q.now().Add(-olderThan))
		if err != nil {
			return err
		}
		for _, job := range stale {
			if err := tx.PutJob(q.retried(job, 0, staleLockError)); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}

	if reclaimed > 0 {
		q.log.Warn("Stale jobs reclaimed", "count", reclaimed, "older_than", olderThan)
	}
	return reclaimed, nil
}
