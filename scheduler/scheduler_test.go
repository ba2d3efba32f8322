package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanogebara/twin-connector/extractor"
	"github.com/stefanogebara/twin-connector/models"
)

type fakeCreds struct {
	mu          sync.Mutex
	token       string
	tokenErr    error
	reauthCalls int
	syncResults []models.SyncStatus
}

func (f *fakeCreds) GetValidAccessToken(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	if f.token == "" {
		return "test-token", nil
	}
	return f.token, nil
}

func (f *fakeCreds) MarkSyncResult(_ context.Context, _, _ string, status models.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncResults = append(f.syncResults, status)
	return nil
}

func (f *fakeCreds) MarkNeedsReauth(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauthCalls++
	return nil
}

func (f *fakeCreds) reauthCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reauthCalls
}

func (f *fakeCreds) lastSync() models.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.syncResults) == 0 {
		return ""
	}
	return f.syncResults[len(f.syncResults)-1]
}

type fakeJournal struct {
	mu       sync.Mutex
	recorded map[string]*Job
	acked    []string
	failWith error
	healthy  bool
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{recorded: make(map[string]*Job), healthy: true}
}

func (j *fakeJournal) Record(_ context.Context, job *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWith != nil {
		return j.failWith
	}
	clone := *job
	j.recorded[job.ID] = &clone
	return nil
}

func (j *fakeJournal) Ack(_ context.Context, jobID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.acked = append(j.acked, jobID)
	delete(j.recorded, jobID)
	return nil
}

func (j *fakeJournal) Healthy(context.Context) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.healthy
}

func waitForState(t *testing.T, s *Scheduler, jobID string, want JobState, timeout time.Duration) *Snapshot {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := s.Status(jobID)
		if err == nil && snap.State == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := s.Status(jobID)
	require.NoError(t, err)
	t.Fatalf("job %s never reached %s, stuck at %s (attempts=%d, reason=%q)",
		jobID, want, snap.State, snap.AttemptsMade, snap.FailedReason)
	return nil
}

func TestEnqueueSuccessfulJob(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(_ context.Context, creds extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{Provider: creds.Provider, ItemsExtracted: 7, ExtractedAt: time.Now()}, nil
	}))

	creds := &fakeCreds{}
	s := New(Config{Workers: 2}, registry, creds)
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	snap := waitForState(t, s, jobID, StateCompleted, 2*time.Second)
	assert.Equal(t, 1, snap.AttemptsMade)
	assert.Equal(t, 100, snap.Progress)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 7, snap.Result.ItemsExtracted)
	assert.Eventually(t, func() bool { return creds.lastSync() == models.SyncSucceeded }, time.Second, 10*time.Millisecond)
}

func TestRetryBoundAndBackoff(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []time.Time
	)

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, errors.New("provider 500")
	}))

	base := 100 * time.Millisecond
	s := New(Config{Workers: 1, MaxAttempts: 3, BackoffBase: base, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{})
	require.NoError(t, err)

	snap := waitForState(t, s, jobID, StateFailed, 5*time.Second)
	assert.Equal(t, 3, snap.AttemptsMade)
	assert.Contains(t, snap.FailedReason, "provider 500")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3, "extractor must run exactly maxAttempts times")

	// Delays double from the base: ~1x then ~2x, allowing scheduler jitter.
	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	assert.GreaterOrEqual(t, first, base)
	assert.GreaterOrEqual(t, second, 2*base)
	assert.Less(t, first, 2*base)
	assert.Less(t, second, 4*base)
}

func TestNeedsReauthIsTerminalImmediately(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("spotify", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return nil, models.ErrNeedsReauth
	}))

	creds := &fakeCreds{}
	s := New(Config{Workers: 1}, registry, creds)
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "spotify", EnqueueOptions{})
	require.NoError(t, err)

	snap := waitForState(t, s, jobID, StateFailed, 2*time.Second)
	assert.Equal(t, 1, snap.AttemptsMade, "auth failures must not burn retries")
	assert.Eventually(t, func() bool { return creds.reauthCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRateLimitedRetryHonorsRetryAfter(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []time.Time
	)

	retryAfter := 300 * time.Millisecond

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("reddit", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return nil, &models.RateLimitedError{Provider: "reddit", RetryAfter: retryAfter}
		}
		return &extractor.Result{Provider: "reddit"}, nil
	}))

	s := New(Config{Workers: 1, BackoffBase: 10 * time.Millisecond, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "reddit", EnqueueOptions{})
	require.NoError(t, err)

	snap := waitForState(t, s, jobID, StateCompleted, 3*time.Second)
	assert.Equal(t, 2, snap.AttemptsMade)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), retryAfter,
		"retry must wait at least the provider's retry-after hint")
}

func TestPriorityOrdering(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(_ context.Context, creds extractor.Credentials) (*extractor.Result, error) {
		mu.Lock()
		order = append(order, creds.UserID)
		mu.Unlock()
		return &extractor.Result{Provider: creds.Provider}, nil
	}))

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	// Hold the queue so both jobs are eligible before any pickup.
	s.Pause("github")

	ctx := context.Background()
	idB, err := s.Enqueue(ctx, "user-b", "github", EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	idA, err := s.Enqueue(ctx, "user-a", "github", EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	s.Resume("github")

	waitForState(t, s, idA, StateCompleted, 2*time.Second)
	waitForState(t, s, idB, StateCompleted, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user-a", "user-b"}, order,
		"priority 1 must run before priority 5 despite being enqueued later")
}

func TestFIFOWithinPriority(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(_ context.Context, creds extractor.Credentials) (*extractor.Result, error) {
		mu.Lock()
		order = append(order, creds.UserID)
		mu.Unlock()
		return &extractor.Result{}, nil
	}))

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	s.Pause("github")

	ctx := context.Background()
	ids := make([]string, 0, 3)
	for _, user := range []string{"first", "second", "third"} {
		id, err := s.Enqueue(ctx, user, "github", EnqueueOptions{Priority: 3})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	s.Resume("github")

	for _, id := range ids {
		waitForState(t, s, id, StateCompleted, 2*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRateLimitRollingWindow(t *testing.T) {
	var (
		mu     sync.Mutex
		starts []time.Time
	)

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("spotify", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return &extractor.Result{}, nil
	}))

	const limit = 10

	s := New(Config{Workers: 4, RateLimit: limit}, registry, &fakeCreds{})
	defer s.Close()

	ctx := context.Background()
	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id, err := s.Enqueue(ctx, "u1", "spotify", EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForState(t, s, id, StateCompleted, 10*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 25)

	for i := range starts {
		count := 0
		for j := range starts {
			d := starts[j].Sub(starts[i])
			if d >= 0 && d < time.Second {
				count++
			}
		}
		assert.LessOrEqual(t, count, limit,
			"more than %d job starts inside a rolling one-second window", limit)
	}
}

func TestDependentJobEnqueuedAfterDelay(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))
	require.NoError(t, registry.Register("synthesis", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))

	delay := 150 * time.Millisecond

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{
		Priority:  1,
		Dependent: &DependentSpec{Provider: "synthesis", Priority: 7, Delay: delay},
	})
	require.NoError(t, err)

	waitForState(t, s, jobID, StateCompleted, 2*time.Second)
	parentDone := time.Now()

	// The dependent job shows up waiting or delayed, then completes, but
	// never before its delay elapsed.
	var depID string
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, job := range s.jobs {
			if job.Provider == "synthesis" {
				depID = id
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	depState := s.jobs[depID].State
	s.mu.Unlock()
	assert.Contains(t, []JobState{StateWaiting, StateDelayed}, depState)

	waitForState(t, s, depID, StateCompleted, 2*time.Second)
	assert.GreaterOrEqual(t, time.Since(parentDone), delay)
}

func TestPauseHoldsJobs(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("discord", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))

	s := New(Config{Workers: 2, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	s.Pause("discord")

	jobID, err := s.Enqueue(context.Background(), "u1", "discord", EnqueueOptions{})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	snap, err := s.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)

	stats := s.Stats("discord")
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 0, stats.Completed)

	s.Resume("discord")
	waitForState(t, s, jobID, StateCompleted, 2*time.Second)
}

func TestCancelUserDropsPendingJobs(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("spotify", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	s.Pause("spotify")

	jobID, err := s.Enqueue(context.Background(), "u1", "spotify", EnqueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.CancelUser("u1", "spotify"))

	s.Resume("spotify")

	// Cancellation is observed at the next pickup, which also drops the job
	// from tracking so disconnect churn cannot accumulate state.
	require.Eventually(t, func() bool {
		_, err := s.Status(jobID)
		return errors.Is(err, models.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	stats := s.Stats("spotify")
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 0, stats.Waiting)
}

func TestEnqueueJournalDown(t *testing.T) {
	registry := extractor.NewRegistry()
	journal := newFakeJournal()
	journal.failWith = errors.New("dial tcp: connection refused")

	s := New(Config{Workers: 1}, registry, &fakeCreds{}, WithJournal(journal))
	defer s.Close()

	_, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{})
	assert.ErrorIs(t, err, models.ErrQueueUnavailable)
}

func TestJournalRecordAndAck(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))

	journal := newFakeJournal()
	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{}, WithJournal(journal))
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{})
	require.NoError(t, err)

	waitForState(t, s, jobID, StateCompleted, 2*time.Second)

	require.Eventually(t, func() bool {
		journal.mu.Lock()
		defer journal.mu.Unlock()
		return len(journal.recorded) == 0 && len(journal.acked) == 1
	}, time.Second, 10*time.Millisecond, "terminal job must be acked out of the journal")
}

func TestResubmitIsIdempotent(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return &extractor.Result{}, nil
	}))

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, &fakeCreds{})
	defer s.Close()

	job := &Job{
		ID:          "replayed-1",
		UserID:      "u1",
		Provider:    "github",
		Priority:    3,
		MaxAttempts: 3,
		Timeout:     time.Second,
		State:       StateWaiting,
		NextRunAt:   time.Now(),
		CreatedAt:   time.Now(),
	}

	assert.True(t, s.Resubmit(job))

	clone := *job
	assert.False(t, s.Resubmit(&clone), "a job ID already tracked must not be re-admitted")

	require.Eventually(t, func() bool {
		snap, err := s.Status("replayed-1")
		return err == nil && snap.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, s.Stats("github").Completed)
}

func TestFailedHistoryRetentionBound(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(context.Context, extractor.Credentials) (*extractor.Result, error) {
		return nil, errors.New("always broken")
	}))

	s := New(Config{
		Workers:         1,
		MaxAttempts:     1,
		RateLimit:       1000,
		FailedRetention: 2,
	}, registry, &fakeCreds{})
	defer s.Close()

	ctx := context.Background()
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Enqueue(ctx, "u1", "github", EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
		waitForState(t, s, id, StateFailed, 2*time.Second)
	}

	// Oldest failure was pruned past the retention cap; totals survive.
	_, err := s.Status(ids[0])
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.Status(ids[2])
	assert.NoError(t, err)
	assert.Equal(t, 3, s.Stats("github").Failed)
}

func TestStatusUnknownJob(t *testing.T) {
	s := New(Config{Workers: 1}, extractor.NewRegistry(), &fakeCreds{})
	defer s.Close()

	_, err := s.Status("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobTimeoutCountsAsFailedAttempt(t *testing.T) {
	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("github", func(ctx context.Context, _ extractor.Credentials) (*extractor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	s := New(Config{
		Workers:     1,
		MaxAttempts: 2,
		BackoffBase: 20 * time.Millisecond,
		RateLimit:   1000,
		JobTimeout:  50 * time.Millisecond,
	}, registry, &fakeCreds{})
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "github", EnqueueOptions{})
	require.NoError(t, err)

	snap := waitForState(t, s, jobID, StateFailed, 3*time.Second)
	assert.Equal(t, 2, snap.AttemptsMade)
	assert.Contains(t, snap.FailedReason, "context deadline exceeded")
}

func TestCredentialFreeProviderSkipsVault(t *testing.T) {
	creds := &fakeCreds{tokenErr: models.ErrNeedsReauth}

	registry := extractor.NewRegistry()
	require.NoError(t, registry.Register("synthesis", func(_ context.Context, c extractor.Credentials) (*extractor.Result, error) {
		assert.Empty(t, c.AccessToken)
		return &extractor.Result{Provider: "synthesis"}, nil
	}))

	s := New(Config{Workers: 1, RateLimit: 1000}, registry, creds, WithCredentialFree("synthesis"))
	defer s.Close()

	jobID, err := s.Enqueue(context.Background(), "u1", "synthesis", EnqueueOptions{})
	require.NoError(t, err)

	waitForState(t, s, jobID, StateCompleted, 2*time.Second)
	assert.Zero(t, creds.reauthCount())
}
