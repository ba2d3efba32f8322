// Package dispatch fronts the job scheduler with a synchronous fallback:
// when the durable queue backend is unreachable, the unit of work runs
// inline with reduced guarantees and the caller is told so explicitly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stefanogebara/twin-connector/extractor"
	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/scheduler"
)

// Request describes one extraction to schedule or run.
type Request struct {
	UserID    string
	Provider  string
	Priority  int
	Delay     time.Duration
	Dependent *scheduler.DependentSpec
}

// Outcome reports how the request was handled. Degraded is true when the work
// ran inline without persistence or automatic retry; the UI uses it to set
// expectations.
type Outcome struct {
	JobID    string            `json:"job_id,omitempty"`
	Degraded bool              `json:"degraded"`
	Result   *extractor.Result `json:"result,omitempty"`
	Err      error             `json:"-"`
}

// Executor implements the run-or-enqueue policy.
type Executor struct {
	sched         *scheduler.Scheduler
	registry      *extractor.Registry
	creds         scheduler.CredentialSource
	inlineGuard   *rate.Limiter
	inlineTimeout time.Duration
	logger        *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithInlineGuard overrides the degraded-mode per-call limiter.
func WithInlineGuard(l *rate.Limiter) Option {
	return func(e *Executor) { e.inlineGuard = l }
}

// WithInlineTimeout bounds a degraded-mode run.
func WithInlineTimeout(d time.Duration) Option {
	return func(e *Executor) { e.inlineTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an Executor. sched may be nil when no queue backend is
// configured; every request then runs inline.
func New(sched *scheduler.Scheduler, registry *extractor.Registry, creds scheduler.CredentialSource, opts ...Option) *Executor {
	e := &Executor{
		sched:         sched,
		registry:      registry,
		creds:         creds,
		inlineGuard:   rate.NewLimiter(rate.Limit(2), 2),
		inlineTimeout: scheduler.DefaultJobTimeout,
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RunOrEnqueue delegates to the scheduler when the queue backend is
// reachable, otherwise runs the extraction inline.
func (e *Executor) RunOrEnqueue(ctx context.Context, req Request) Outcome {
	if e.sched != nil && e.sched.Healthy(ctx) {
		jobID, err := e.sched.Enqueue(ctx, req.UserID, req.Provider, scheduler.EnqueueOptions{
			Priority:  req.Priority,
			Delay:     req.Delay,
			Dependent: req.Dependent,
		})
		if err == nil {
			return Outcome{JobID: jobID}
		}
		if !errors.Is(err, models.ErrQueueUnavailable) {
			return Outcome{Err: err}
		}
		// Backend went away between the health probe and the enqueue.
	}

	return e.runInline(ctx, req)
}

func (e *Executor) runInline(ctx context.Context, req Request) Outcome {
	if !e.inlineGuard.Allow() {
		return Outcome{
			Degraded: true,
			Err:      fmt.Errorf("degraded mode throttled: %w", models.ErrQueueUnavailable),
		}
	}

	e.logger.Warn("queue backend unavailable, running extraction inline",
		zap.String("provider", req.Provider))

	runCtx, cancel := context.WithTimeout(ctx, e.inlineTimeout)
	defer cancel()

	token, err := e.creds.GetValidAccessToken(runCtx, req.UserID, req.Provider)
	if err != nil {
		return Outcome{Degraded: true, Err: err}
	}

	result, err := e.registry.Run(runCtx, extractor.Credentials{
		UserID:      req.UserID,
		Provider:    req.Provider,
		AccessToken: token,
	})
	if err != nil {
		if markErr := e.markInlineFailure(req, err); markErr != nil {
			e.logger.Error("failed to record inline failure", zap.Error(markErr))
		}
		return Outcome{Degraded: true, Err: err}
	}

	if err := e.creds.MarkSyncResult(context.WithoutCancel(ctx), req.UserID, req.Provider, models.SyncSucceeded); err != nil && !errors.Is(err, models.ErrNotFound) {
		e.logger.Error("failed to record inline sync result", zap.Error(err))
	}

	return Outcome{Degraded: true, Result: result}
}

func (e *Executor) markInlineFailure(req Request, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if errors.Is(cause, models.ErrNeedsReauth) || errors.Is(cause, models.ErrTampered) {
		return e.creds.MarkNeedsReauth(ctx, req.UserID, req.Provider)
	}
	return e.creds.MarkSyncResult(ctx, req.UserID, req.Provider, models.SyncFailed)
}
