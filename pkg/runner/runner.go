// Package runner drives the inbound job loop, the outbound delivery loop and
// the stale-lock sweeper until its context is cancelled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/conversation"
	"bookingbot/pkg/jobqueue"
	"bookingbot/pkg/sender"
	"bookingbot/pkg/store"
)

const (
	defaultBatchSize  = 50
	defaultRetryDelay = 30 * time.Second
	defaultStaleAfter = 10 * time.Minute

	releasedError = "worker stopped before processing"
)

// Processor turns one claimed job into writes on tx.
type Processor interface {
	Process(ctx context.Context, tx *store.Tx, job store.Job) (conversation.Result, error)
	Notify(ctx context.Context, res conversation.Result)
}

// Outbox delivers pending outbound messages.
type Outbox interface {
	SendPending(ctx context.Context, limit int) (sender.Stats, error)
}

// Options tunes the loops. Zero values take the defaults.
type Options struct {
	WorkerID   string
	BatchSize  int
	PollMin    time.Duration
	PollMax    time.Duration
	RetryDelay time.Duration

	SendBatchSize int
	SendPollMin   time.Duration
	SendPollMax   time.Duration

	SweepCron  string
	StaleAfter time.Duration
	// JobTimeout bounds one Process call. It is kept below StaleAfter so a
	// live job is not swept. Defaults to half of StaleAfter.
	JobTimeout time.Duration

	// Events receives job outcomes. Wakeups, when set, cuts the inbound
	// poll short whenever an inbound event is queued.
	Events  bus.Publisher
	Wakeups <-chan bus.Event
	Logger  *slog.Logger
}

// LoopState is the last observed state of one loop.
type LoopState struct {
	Running   bool      `json:"running"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Counters accumulate over the runner's lifetime.
type Counters struct {
	Claimed    int64 `json:"claimed"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Sent       int64 `json:"sent"`
	SendFailed int64 `json:"send_failed"`
	DryRun     int64 `json:"dry_run"`
}

// Status is a point-in-time view for health endpoints.
type Status struct {
	Inbound  LoopState `json:"inbound"`
	Outbound LoopState `json:"outbound"`
	Sweeper  LoopState `json:"sweeper"`
	Counters Counters  `json:"counters"`
}

// BatchStats counts one inbound pass.
type BatchStats struct {
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Runner owns the worker loops.
type Runner struct {
	store     *store.Store
	queue     *jobqueue.Queue
	processor Processor
	outbox    Outbox
	opts      Options
	log       *slog.Logger

	inboundWake chan struct{}
	sendWake    chan struct{}

	mu     sync.RWMutex
	status Status
}

// New creates a Runner.
func New(st *store.Store, queue *jobqueue.Queue, processor Processor, outbox Outbox, opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + randomSuffix()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SendBatchSize <= 0 {
		opts.SendBatchSize = defaultBatchSize
	}
	if opts.PollMax <= 0 {
		opts.PollMin, opts.PollMax = 500*time.Millisecond, 2*time.Second
	}
	if opts.SendPollMax <= 0 {
		opts.SendPollMin, opts.SendPollMax = 300*time.Millisecond, 1500*time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.JobTimeout <= 0 || opts.JobTimeout >= opts.StaleAfter {
		opts.JobTimeout = opts.StaleAfter / 2
	}
	if opts.Events == nil {
		opts.Events = bus.Discard{}
	}

	return &Runner{
		store:       st,
		queue:       queue,
		processor:   processor,
		outbox:      outbox,
		opts:        opts,
		log:         log.With("component", "runner", "worker_id", opts.WorkerID),
		inboundWake: make(chan struct{}, 1),
		sendWake:    make(chan struct{}, 1),
	}
}

// Run starts the inbound loop, the outbound loop and the sweeper, and blocks
// until ctx is cancelled or the sweeper cannot start.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		sweepErr error
	)
	wg.Go(func() { r.RunInbound(ctx) })
	wg.Go(func() { r.RunOutbound(ctx) })
	wg.Go(func() {
		r.setState(func(s *Status) { s.Sweeper = LoopState{Running: true} })
		sweepErr = r.queue.RunSweeper(ctx, r.opts.SweepCron, r.opts.StaleAfter)
		r.setState(func(s *Status) { s.Sweeper = LoopState{Error: errorString(sweepErr)} })
		if sweepErr != nil {
			cancel()
		}
	})
	wg.Wait()

	if sweepErr != nil {
		return fmt.Errorf("run sweeper: %w", sweepErr)
	}
	return nil
}

// RunInbound claims and processes job batches until ctx is cancelled.
func (r *Runner) RunInbound(ctx context.Context) {
	r.log.Info("Inbound loop started", "batch_size", r.opts.BatchSize)
	r.setState(func(s *Status) { s.Inbound.Running = true })
	defer r.setState(func(s *Status) { s.Inbound.Running = false })

	if r.opts.Wakeups != nil {
		go r.forwardWakeups(ctx)
	}

	for ctx.Err() == nil {
		_, err := r.InboundOnce(ctx)
		r.setState(func(s *Status) {
			s.Inbound.LastRunAt = time.Now().UTC()
			s.Inbound.Error = errorString(err)
		})
		if err != nil && ctx.Err() == nil {
			r.log.Error("Inbound batch failed", "error", err)
		}
		r.wait(ctx, r.opts.PollMin, r.opts.PollMax, r.inboundWake)
	}
	r.log.Info("Inbound loop stopped")
}

// InboundOnce claims one batch and processes every job in it.
func (r *Runner) InboundOnce(ctx context.Context) (BatchStats, error) {
	jobs, err := r.queue.Claim(ctx, r.opts.BatchSize, r.opts.WorkerID)
	if err != nil {
		return BatchStats{}, err
	}

	stats := BatchStats{Claimed: len(jobs)}
	for i, job := range jobs {
		if ctx.Err() != nil {
			r.release(ctx, jobs[i:])
			break
		}
		if err := r.processJob(ctx, job); err != nil {
			stats.Failed++
			continue
		}
		stats.Processed++
	}

	r.setState(func(s *Status) {
		s.Counters.Claimed += int64(stats.Claimed)
		s.Counters.Processed += int64(stats.Processed)
		s.Counters.Failed += int64(stats.Failed)
	})
	if stats.Claimed > 0 {
		r.log.Info("Inbound batch processed",
			"claimed", stats.Claimed,
			"processed", stats.Processed,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

// processJob runs job in its own transaction and completes it in the same commit.
func (r *Runner) processJob(ctx context.Context, job store.Job) error {
	started := time.Now()

	pctx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	tx := r.store.Begin()
	res, err := r.processor.Process(pctx, tx, job)
	if err == nil {
		err = r.queue.CompleteTx(tx, job)
	}
	// Process may have booked already, so from here on cancellation is ignored.
	settled := context.WithoutCancel(ctx)
	if err == nil {
		err = tx.Commit(settled)
	}
	if err != nil {
		tx.Rollback()
		if errors.Is(err, jobqueue.ErrLeaseLost) || errors.Is(err, jobqueue.ErrNotRunning) {
			r.log.Warn("Job reclaimed while processing",
				"job_id", job.ID,
				"trace_id", job.TraceID,
				"duration_ms", time.Since(started).Milliseconds(),
			)
			return err
		}
		r.retry(ctx, job, err)
		return err
	}

	r.processor.Notify(settled, res)
	r.opts.Events.PublishEvent(settled, bus.Event{
		Type:           bus.EventJobProcessed,
		TenantID:       res.TenantID,
		ConversationID: res.ConversationID,
		JobID:          job.ID,
		MessageID:      res.OutboundMessageID,
		TraceID:        job.TraceID,
		Route:          res.Route,
	})
	if res.OutboundMessageID != "" {
		signal(r.sendWake)
	}

	r.log.Info("Job processed",
		"job_id", job.ID,
		"trace_id", job.TraceID,
		"route", res.Route,
		"skipped", res.Skipped,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (r *Runner) retry(ctx context.Context, job store.Job, cause error) {
	r.log.Warn("Job processing failed",
		"job_id", job.ID,
		"trace_id", job.TraceID,
		"attempts", job.Attempts+1,
		"error", cause,
	)
	r.opts.Events.PublishEvent(ctx, bus.Event{
		Type:     bus.EventJobFailed,
		TenantID: job.TenantID,
		JobID:    job.ID,
		TraceID:  job.TraceID,
		Error:    cause.Error(),
	})

	err := r.queue.MarkRetry(context.WithoutCancel(ctx), job, r.opts.RetryDelay, cause.Error())
	switch {
	case errors.Is(err, jobqueue.ErrLeaseLost):
		r.log.Warn("Job reclaimed before retry", "job_id", job.ID, "trace_id", job.TraceID)
	case err != nil:
		r.log.Error("Failed to schedule job retry", "job_id", job.ID, "error", err)
	}
}

// release hands claimed but unprocessed jobs back to the queue on shutdown.
func (r *Runner) release(ctx context.Context, jobs []store.Job) {
	n, err := r.queue.Release(context.WithoutCancel(ctx), jobs, releasedError)
	if err != nil {
		r.log.Warn("Failed to release jobs", "count", len(jobs), "error", err)
		return
	}
	r.log.Info("Released unprocessed jobs", "count", n)
}

// RunOutbound delivers pending messages until ctx is cancelled.
func (r *Runner) RunOutbound(ctx context.Context) {
	r.log.Info("Outbound loop started", "batch_size", r.opts.SendBatchSize)
	r.setState(func(s *Status) { s.Outbound.Running = true })
	defer r.setState(func(s *Status) { s.Outbound.Running = false })

	for ctx.Err() == nil {
		_, err := r.OutboundOnce(ctx)
		r.setState(func(s *Status) {
			s.Outbound.LastRunAt = time.Now().UTC()
			s.Outbound.Error = errorString(err)
		})
		if err != nil && ctx.Err() == nil {
			r.log.Error("Outbound batch failed", "error", err)
		}
		r.wait(ctx, r.opts.SendPollMin, r.opts.SendPollMax, r.sendWake)
	}
	r.log.Info("Outbound loop stopped")
}

// OutboundOnce runs one delivery pass.
func (r *Runner) OutboundOnce(ctx context.Context) (sender.Stats, error) {
	stats, err := r.outbox.SendPending(ctx, r.opts.SendBatchSize)
	r.setState(func(s *Status) {
		s.Counters.Sent += int64(stats.Sent)
		s.Counters.SendFailed += int64(stats.Failed)
		s.Counters.DryRun += int64(stats.DryRun)
	})
	if stats.Selected > 0 {
		r.log.Info("Outbound batch processed",
			"selected", stats.Selected,
			"sent", stats.Sent,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
			"dry_run_count", stats.DryRun,
		)
	}
	return stats, err
}

// Status returns a copy of the loop states and counters.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner) setState(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

// forwardWakeups turns inbound-queued events into wake signals for the inbound loop.
func (r *Runner) forwardWakeups(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.opts.Wakeups:
			if !ok {
				return
			}
			if evt.Type == bus.EventInboundQueued {
				signal(r.inboundWake)
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait sleeps for a jittered interval in [lo, hi], returning early on wake or cancel.
func (r *Runner) wait(ctx context.Context, lo, hi time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(jitter(lo, hi))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func randomSuffix() string {
	return fmt.Sprintf("%06x", rand.N(1<<24))
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
