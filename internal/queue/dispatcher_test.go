package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeExecutor scripts per-request outcomes by request ID.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	// failCount fails a request id the given number of times before
	// letting it succeed.
	failCount map[string]int
	delay     time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		failures:  make(map[string]error),
		failCount: make(map[string]int),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, provider, model string, req *types.AIRequest) (*types.AIResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.ID)
	if n, ok := f.failCount[req.ID]; ok && n > 0 {
		f.failCount[req.ID] = n - 1
		f.mu.Unlock()
		return nil, &types.ProviderError{Provider: provider, StatusCode: 503, Message: "upstream overloaded", Retryable: true}
	}
	err := f.failures[req.ID]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &types.AIResponse{
		ID:       "resp-" + req.ID,
		Provider: provider,
		Model:    model,
		Content:  "ok",
		Usage:    &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		Created:  time.Now(),
	}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func requests(ids ...string) []*types.AIRequest {
	out := make([]*types.AIRequest, len(ids))
	for i, id := range ids {
		out[i] = &types.AIRequest{ID: id, Prompt: "p-" + id}
	}
	return out
}

func startDispatcher(t *testing.T, executor Executor, config Config) *Dispatcher {
	t.Helper()
	if config.Concurrency == nil {
		config.Concurrency = map[string]int{"openai": 1}
	}
	if config.Backoff.BaseDelay == 0 {
		config.Backoff = BackoffConfig{Strategy: "fixed", BaseDelay: 5 * time.Millisecond}
	}
	d := NewDispatcher(config, executor, testLogger())
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

func waitRunning(t *testing.T, d *Dispatcher, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := d.GetStatus(jobID)
		require.NoError(t, err)
		if status.State == StateRunning {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in state %s", status.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcher_CompletesJob(t *testing.T) {
	executor := newFakeExecutor()
	d := startDispatcher(t, executor, Config{})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a", "b", "c"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	status, err := d.GetStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	require.Len(t, status.Results, 3)
	for _, res := range status.Results {
		assert.True(t, res.Success)
		assert.NotNil(t, res.Response)
	}
}

func TestDispatcher_EnqueueValidation(t *testing.T) {
	d := startDispatcher(t, newFakeExecutor(), Config{})

	_, _, err := d.Enqueue("openai", "gpt-4", nil, PriorityNormal)
	var ve *types.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, _, err = d.Enqueue("unknown", "m", requests("a"), PriorityNormal)
	var re *types.RoutingError
	assert.ErrorAs(t, err, &re)
}

// A non-transient failure records an error result for that request and
// the siblings still run.
func TestDispatcher_PartialSuccess(t *testing.T) {
	executor := newFakeExecutor()
	executor.failures["b"] = &types.ProviderError{Provider: "openai", StatusCode: 400, Message: "prompt rejected"}
	d := startDispatcher(t, executor, Config{})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a", "b", "c"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	status, err := d.GetStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State, "partial failure still completes")
	require.Len(t, status.Results, 3)

	byID := make(map[string]RequestResult)
	for _, res := range status.Results {
		byID[res.RequestID] = res
	}
	assert.True(t, byID["a"].Success)
	assert.False(t, byID["b"].Success)
	assert.Contains(t, byID["b"].Error, "prompt rejected")
	assert.True(t, byID["c"].Success)
}

// Transient failures retry the job from where it stopped; completed
// sub-requests are not re-executed.
func TestDispatcher_TransientRetryResumes(t *testing.T) {
	executor := newFakeExecutor()
	executor.failCount["b"] = 1
	d := startDispatcher(t, executor, Config{MaxAttempts: 3})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a", "b"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	status, err := d.GetStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 2, status.Attempts)

	// a once, b twice.
	assert.Equal(t, 3, executor.callCount())
}

func TestDispatcher_RetriesExhaustedFailsJob(t *testing.T) {
	executor := newFakeExecutor()
	executor.failures["b"] = &types.ProviderError{Provider: "openai", StatusCode: 503, Message: "down", Retryable: true}
	d := startDispatcher(t, executor, Config{MaxAttempts: 2})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a", "b", "c"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	status, err := d.GetStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	require.Len(t, status.Results, 3)

	byID := make(map[string]RequestResult)
	for _, res := range status.Results {
		byID[res.RequestID] = res
	}
	assert.True(t, byID["a"].Success, "completed sub-requests keep their results")
	assert.Contains(t, byID["b"].Error, "retries exhausted")
	assert.Contains(t, byID["c"].Error, "retries exhausted")
}

func TestDispatcher_CancelPendingJobNeverRuns(t *testing.T) {
	executor := newFakeExecutor()
	executor.delay = 100 * time.Millisecond
	d := startDispatcher(t, executor, Config{})

	// First job occupies the single worker.
	_, running, err := d.Enqueue("openai", "gpt-4", requests("r1"), PriorityNormal)
	require.NoError(t, err)

	pendingID, pendingDone, err := d.Enqueue("openai", "gpt-4", requests("p1", "p2"), PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, d.Cancel(pendingID))

	waitDone(t, running)
	waitDone(t, pendingDone)

	status, err := d.GetStatus(pendingID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.State)
	for _, res := range status.Results {
		assert.True(t, res.Cancelled)
	}

	assert.Equal(t, 1, executor.callCount(), "cancelled job must not execute")
}

func TestDispatcher_CancelUnknownJob(t *testing.T) {
	d := startDispatcher(t, newFakeExecutor(), Config{})
	var nf *types.NotFoundError
	assert.ErrorAs(t, d.Cancel("ghost"), &nf)
	_, err := d.GetStatus("ghost")
	assert.ErrorAs(t, err, &nf)
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	executor := newFakeExecutor()
	executor.delay = 30 * time.Millisecond
	d := startDispatcher(t, executor, Config{})

	// Occupy the worker, then enqueue low before high. Waiting for the
	// warm job to actually start keeps low and high out of its dequeue.
	warmID, first, err := d.Enqueue("openai", "gpt-4", requests("warm"), PriorityNormal)
	require.NoError(t, err)
	waitRunning(t, d, warmID)

	_, lowDone, err := d.Enqueue("openai", "gpt-4", requests("low"), PriorityLow)
	require.NoError(t, err)
	_, highDone, err := d.Enqueue("openai", "gpt-4", requests("high"), PriorityHigh)
	require.NoError(t, err)

	waitDone(t, first)
	waitDone(t, lowDone)
	waitDone(t, highDone)

	executor.mu.Lock()
	order := append([]string(nil), executor.calls...)
	executor.mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "high", order[1], "high priority drains before low")
	assert.Equal(t, "low", order[2])
}

func TestDispatcher_QueueDepth(t *testing.T) {
	executor := newFakeExecutor()
	executor.delay = 50 * time.Millisecond
	d := startDispatcher(t, executor, Config{})

	_, done, err := d.Enqueue("openai", "gpt-4", requests("a"), PriorityNormal)
	require.NoError(t, err)
	_, done2, err := d.Enqueue("openai", "gpt-4", requests("b"), PriorityNormal)
	require.NoError(t, err)

	waitDone(t, done)
	waitDone(t, done2)

	depths := d.QueueDepth()
	assert.Equal(t, 0, depths["openai"])
}

func TestDispatcher_SweepExpiredResults(t *testing.T) {
	executor := newFakeExecutor()
	d := startDispatcher(t, executor, Config{ResultTTL: time.Minute})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	assert.Equal(t, 0, d.sweepExpired(time.Now()), "fresh results survive the sweep")
	_, err = d.GetStatus(jobID)
	require.NoError(t, err)

	assert.Equal(t, 1, d.sweepExpired(time.Now().Add(2*time.Minute)))
	_, err = d.GetStatus(jobID)
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDispatcher_SweepKeepsLiveJobs(t *testing.T) {
	executor := newFakeExecutor()
	executor.delay = 100 * time.Millisecond
	d := startDispatcher(t, executor, Config{ResultTTL: time.Minute})

	jobID, done, err := d.Enqueue("openai", "gpt-4", requests("a"), PriorityNormal)
	require.NoError(t, err)
	waitRunning(t, d, jobID)

	assert.Equal(t, 0, d.sweepExpired(time.Now().Add(time.Hour)), "running jobs are never swept")
	waitDone(t, done)
}

func TestDispatcher_TerminalObserver(t *testing.T) {
	executor := newFakeExecutor()
	d := NewDispatcher(Config{
		Concurrency: map[string]int{"openai": 1},
		Backoff:     BackoffConfig{Strategy: "fixed", BaseDelay: 5 * time.Millisecond},
	}, executor, testLogger())

	var mu sync.Mutex
	observed := make(map[string]int)
	d.OnJobTerminal(func(provider string, state JobState) {
		mu.Lock()
		observed[provider+"/"+string(state)]++
		mu.Unlock()
	})
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	_, done, err := d.Enqueue("openai", "gpt-4", requests("a"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	_, done, err = d.Enqueue("openai", "gpt-4", requests("b"), PriorityNormal)
	require.NoError(t, err)
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, observed["openai/completed"], "observer fires once per terminal job")
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&types.ProviderError{StatusCode: 502}))
	assert.True(t, isTransient(&types.ProviderError{StatusCode: 429, Retryable: true}))
	assert.False(t, isTransient(&types.ProviderError{StatusCode: 400}))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(fmt.Errorf("some app error")))
}

func TestCalculateBackoffDelay(t *testing.T) {
	linear := BackoffConfig{Strategy: "linear", BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, calculateBackoffDelay(linear, 2))

	fixed := BackoffConfig{Strategy: "fixed", BaseDelay: time.Second}
	assert.Equal(t, time.Second, calculateBackoffDelay(fixed, 5))

	exp := BackoffConfig{Strategy: "exponential", BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 2*time.Second, calculateBackoffDelay(exp, 1))
	assert.Equal(t, 4*time.Second, calculateBackoffDelay(exp, 2))
	assert.Equal(t, 5*time.Second, calculateBackoffDelay(exp, 3), "capped at max delay")
}
