// Package scheduler runs extraction jobs: a fixed worker pool pulls the
// highest-priority eligible job from a shared priority queue, rate limited
// per provider, with exponential retry and bounded terminal-job retention.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stefanogebara/twin-connector/extractor"
	"github.com/stefanogebara/twin-connector/models"
)

// CredentialSource supplies ready-to-use access tokens and receives sync
// outcomes. Implemented by the vault.
type CredentialSource interface {
	GetValidAccessToken(ctx context.Context, userID, provider string) (string, error)
	MarkSyncResult(ctx context.Context, userID, provider string, status models.SyncStatus) error
	MarkNeedsReauth(ctx context.Context, userID, provider string) error
}

// Journal is the optional durable backend. Record persists a job before it is
// admitted locally; Ack removes it once terminal. A Record failure surfaces
// as models.ErrQueueUnavailable from Enqueue.
type Journal interface {
	Record(ctx context.Context, job *Job) error
	Ack(ctx context.Context, jobID string) error
	Healthy(ctx context.Context) bool
}

// Config holds scheduler tunables.
type Config struct {
	Workers            int
	MaxAttempts        int
	BackoffBase        time.Duration
	RateLimit          float64 // job admissions per second per provider
	JobTimeout         time.Duration
	CompletedRetention int
	FailedRetention    int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 100
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 200
	}
}

// Scheduler owns all ExtractionJob state. Jobs are mutated only by its
// worker loop.
type Scheduler struct {
	cfg      Config
	registry *extractor.Registry
	creds    CredentialSource
	journal  Journal
	logger   *zap.Logger

	credentialFree map[string]bool

	mu       sync.Mutex
	pending  jobHeap
	jobs     map[string]*Job
	paused   map[string]bool
	limiters map[string]*rate.Limiter

	completed      map[string][]*Job // bounded per provider
	failed         map[string][]*Job // bounded per provider
	totalCompleted map[string]int
	totalFailed    map[string]int

	seq    uint64
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJournal attaches a durable journal.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithCredentialFree names providers whose jobs run without a vault lookup.
// Used for internal follow-up work such as the synthesis refresh, which acts
// on already-stored data rather than a provider API.
func WithCredentialFree(providers ...string) Option {
	return func(s *Scheduler) {
		for _, p := range providers {
			s.credentialFree[p] = true
		}
	}
}

// New creates a Scheduler and starts its worker pool.
func New(cfg Config, registry *extractor.Registry, creds CredentialSource, opts ...Option) *Scheduler {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:            cfg,
		registry:       registry,
		creds:          creds,
		credentialFree: make(map[string]bool),
		logger:         zap.NewNop(),
		jobs:           make(map[string]*Job),
		paused:         make(map[string]bool),
		limiters:       make(map[string]*rate.Limiter),
		completed:      make(map[string][]*Job),
		failed:         make(map[string][]*Job),
		totalCompleted: make(map[string]int),
		totalFailed:    make(map[string]int),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// Close stops the worker pool. Active jobs finish their current attempt via
// context cancellation; pending jobs stay in the journal for replay.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Enqueue schedules a new extraction job and returns its ID.
func (s *Scheduler) Enqueue(ctx context.Context, userID, provider string, opts EnqueueOptions) (string, error) {
	job := s.buildJob(userID, provider, opts)

	if s.journal != nil {
		if err := s.journal.Record(ctx, job); err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
		}
	}

	s.admit(job)

	return job.ID, nil
}

// Resubmit re-admits a journaled job after a restart. Jobs the scheduler
// already tracks are ignored, so replay is idempotent.
func (s *Scheduler) Resubmit(job *Job) bool {
	s.mu.Lock()
	if _, known := s.jobs[job.ID]; known || s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.admit(job)
	return true
}

func (s *Scheduler) buildJob(userID, provider string, opts EnqueueOptions) *Job {
	now := time.Now()

	job := &Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Provider:    provider,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		NextRunAt:   now.Add(opts.Delay),
		CreatedAt:   now,
		State:       StateWaiting,
		Dependent:   opts.Dependent,
	}

	if job.Priority <= 0 {
		job.Priority = DefaultPriority
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.cfg.MaxAttempts
	}
	if job.Timeout <= 0 {
		job.Timeout = s.cfg.JobTimeout
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	return job
}

func (s *Scheduler) admit(job *Job) {
	s.mu.Lock()
	s.seq++
	job.seq = s.seq
	if s.paused[job.Provider] {
		job.State = StatePaused
	}
	s.jobs[job.ID] = job
	heap.Push(&s.pending, job)
	s.mu.Unlock()

	s.signal()

	s.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.Int("priority", job.Priority),
		zap.Time("next_run_at", job.NextRunAt))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the externally visible view of a job.
func (s *Scheduler) Status(jobID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}

	progress := 0
	switch job.State {
	case StateActive:
		progress = 50
	case StateCompleted:
		progress = 100
	}

	return &Snapshot{
		ID:           job.ID,
		Provider:     job.Provider,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		Progress:     progress,
		Result:       job.Result,
		FailedReason: job.FailedReason,
	}, nil
}

// Stats summarizes one provider's queue. Completed and Failed are cumulative
// counts, not just the retained window.
func (s *Scheduler) Stats(provider string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Completed: s.totalCompleted[provider],
		Failed:    s.totalFailed[provider],
	}

	for _, job := range s.jobs {
		if job.Provider != provider {
			continue
		}
		switch job.State {
		case StateWaiting, StateDelayed, StatePaused:
			stats.Waiting++
		case StateActive:
			stats.Active++
		}
	}

	return stats
}

// Pause holds back all pending jobs for a provider. Active jobs drain.
func (s *Scheduler) Pause(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused[provider] = true
	for _, job := range s.pending {
		if job.Provider == provider {
			job.State = StatePaused
		}
	}

	s.logger.Info("provider paused", zap.String("provider", provider))
}

// Resume lifts a provider pause.
func (s *Scheduler) Resume(provider string) {
	s.mu.Lock()
	delete(s.paused, provider)
	now := time.Now()
	for _, job := range s.pending {
		if job.Provider != provider || job.State != StatePaused {
			continue
		}
		if job.NextRunAt.After(now) {
			job.State = StateDelayed
		} else {
			job.State = StateWaiting
		}
	}
	s.mu.Unlock()

	s.signal()

	s.logger.Info("provider resumed", zap.String("provider", provider))
}

// CancelUser marks pending jobs for (userID, provider) cancelled. The flag is
// honored at the next pickup check; an already-active extraction drains.
func (s *Scheduler) CancelUser(userID, provider string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, job := range s.jobs {
		if job.UserID != userID || job.Provider != provider {
			continue
		}
		switch job.State {
		case StateWaiting, StateDelayed, StatePaused:
			job.cancelRequested = true
			cancelled++
		}
	}

	return cancelled
}

// Healthy reports whether the durable queue backend is configured and
// reachable. Without a journal there is no durability to offer, so the
// dispatcher treats the scheduler as unavailable and runs work inline in
// degraded mode.
func (s *Scheduler) Healthy(ctx context.Context) bool {
	if s.journal == nil {
		return false
	}
	return s.journal.Healthy(ctx)
}

func (s *Scheduler) limiter(provider string) *rate.Limiter {
	if l, ok := s.limiters[provider]; ok {
		return l
	}
	// Burst of one: admissions stay within the configured rate over any
	// rolling one-second window instead of doubling up after idle periods.
	l := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), 1)
	s.limiters[provider] = l
	return l
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		job := s.acquire()
		if job == nil {
			return
		}
		s.execute(job)
	}
}

func (s *Scheduler) acquire() *Job {
	for {
		if s.ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		job, wait := s.nextLocked(time.Now())
		s.mu.Unlock()

		if job != nil {
			return job
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextLocked pops jobs in priority order until it finds one that is eligible:
// NextRunAt reached, provider not paused, bucket token available. Skipped
// jobs are pushed back; ties in priority stay FIFO because the heap ordering
// includes creation time.
func (s *Scheduler) nextLocked(now time.Time) (*Job, time.Duration) {
	var (
		chosen  *Job
		skipped []*Job
	)

	wait := time.Second

	for s.pending.Len() > 0 {
		job := heap.Pop(&s.pending).(*Job)

		if job.cancelRequested {
			job.State = StateCancelled
			// Cancelled jobs carry no result worth retaining; drop them
			// immediately so connect/disconnect churn cannot grow the map.
			delete(s.jobs, job.ID)
			s.ackAsync(job.ID)
			continue
		}

		if s.paused[job.Provider] {
			job.State = StatePaused
			skipped = append(skipped, job)
			continue
		}

		if job.NextRunAt.After(now) {
			if d := job.NextRunAt.Sub(now); d < wait {
				wait = d
			}
			skipped = append(skipped, job)
			continue
		}

		if !s.limiter(job.Provider).Allow() {
			if wait > 100*time.Millisecond {
				wait = 100 * time.Millisecond
			}
			skipped = append(skipped, job)
			continue
		}

		chosen = job
		break
	}

	for _, job := range skipped {
		heap.Push(&s.pending, job)
	}

	if chosen != nil {
		chosen.State = StateActive
		chosen.AttemptsMade++
	}

	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}

	return chosen, wait
}

func (s *Scheduler) execute(job *Job) {
	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()

	var (
		result *extractor.Result
		err    error
	)

	var token string
	if !s.credentialFree[job.Provider] {
		token, err = s.creds.GetValidAccessToken(ctx, job.UserID, job.Provider)
	}
	if err == nil {
		result, err = s.registry.Run(ctx, extractor.Credentials{
			UserID:      job.UserID,
			Provider:    job.Provider,
			AccessToken: token,
		})
	}

	if err == nil {
		s.complete(job, result)
		return
	}

	s.fail(job, err)
}

func (s *Scheduler) complete(job *Job, result *extractor.Result) {
	s.mu.Lock()
	job.State = StateCompleted
	job.Result = result
	s.retainLocked(job)
	s.mu.Unlock()

	s.ackAsync(job.ID)
	s.markSync(job, models.SyncSucceeded)

	s.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.Int("attempts", job.AttemptsMade))

	if job.Dependent != nil {
		s.enqueueDependent(job)
	}
}

func (s *Scheduler) fail(job *Job, cause error) {
	reason := cause.Error()
	terminal := false

	switch {
	case errors.Is(cause, models.ErrNeedsReauth) || errors.Is(cause, models.ErrTampered):
		// No automatic attempt can succeed until the user reconnects.
		terminal = true
		if err := s.creds.MarkNeedsReauth(s.ctx, job.UserID, job.Provider); err != nil && s.ctx.Err() == nil {
			s.logger.Error("failed to flag connector for reauth", zap.Error(err))
		}
	case job.AttemptsMade >= job.MaxAttempts:
		terminal = true
	}

	if terminal {
		s.mu.Lock()
		job.State = StateFailed
		job.FailedReason = reason
		s.retainLocked(job)
		s.mu.Unlock()

		s.ackAsync(job.ID)
		s.markSync(job, models.SyncFailed)

		s.logger.Warn("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("provider", job.Provider),
			zap.Int("attempts", job.AttemptsMade),
			zap.String("reason", reason))
		return
	}

	delay := s.cfg.BackoffBase << uint(job.AttemptsMade-1)
	if rl, ok := models.AsRateLimited(cause); ok && rl.RetryAfter > 0 {
		delay = rl.RetryAfter
	}

	s.mu.Lock()
	job.State = StateWaiting
	job.FailedReason = reason
	job.NextRunAt = time.Now().Add(delay)
	heap.Push(&s.pending, job)
	s.mu.Unlock()

	s.signal()

	s.logger.Debug("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.Int("attempt", job.AttemptsMade),
		zap.Duration("delay", delay),
		zap.String("reason", reason))
}

// retainLocked moves a terminal job into the bounded per-provider history,
// pruning the oldest entry beyond the retention cap.
func (s *Scheduler) retainLocked(job *Job) {
	var (
		bucket map[string][]*Job
		limit  int
	)

	if job.State == StateCompleted {
		bucket, limit = s.completed, s.cfg.CompletedRetention
		s.totalCompleted[job.Provider]++
	} else {
		bucket, limit = s.failed, s.cfg.FailedRetention
		s.totalFailed[job.Provider]++
	}

	list := append(bucket[job.Provider], job)
	if len(list) > limit {
		evicted := list[0]
		list = list[1:]
		delete(s.jobs, evicted.ID)
	}
	bucket[job.Provider] = list
}

func (s *Scheduler) enqueueDependent(job *Job) {
	dep := job.Dependent

	provider := dep.Provider
	if provider == "" {
		provider = job.Provider
	}
	priority := dep.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}

	id, err := s.Enqueue(s.ctx, job.UserID, provider, EnqueueOptions{
		Priority: priority,
		Delay:    dep.Delay,
	})
	if err != nil {
		// The journal being down must not lose the dependent entirely;
		// schedule it in-process with reduced durability.
		if errors.Is(err, models.ErrQueueUnavailable) {
			fallback := s.buildJob(job.UserID, provider, EnqueueOptions{Priority: priority, Delay: dep.Delay})
			s.admit(fallback)
			s.logger.Warn("dependent job scheduled without journal",
				zap.String("parent_id", job.ID),
				zap.String("job_id", fallback.ID))
			return
		}
		s.logger.Error("failed to enqueue dependent job",
			zap.String("parent_id", job.ID),
			zap.Error(err))
		return
	}

	s.logger.Debug("dependent job enqueued",
		zap.String("parent_id", job.ID),
		zap.String("job_id", id),
		zap.Duration("delay", dep.Delay))
}

func (s *Scheduler) markSync(job *Job, status models.SyncStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.creds.MarkSyncResult(ctx, job.UserID, job.Provider, status); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to record sync result",
			zap.String("provider", job.Provider),
			zap.Error(err))
	}
}

func (s *Scheduler) ackAsync(jobID string) {
	if s.journal == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.journal.Ack(ctx, jobID); err != nil {
			s.logger.Warn("journal ack failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
}
