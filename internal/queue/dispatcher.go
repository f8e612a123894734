package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Executor performs one provider call for a queued request.
type Executor interface {
	Execute(ctx context.Context, provider, model string, req *types.AIRequest) (*types.AIResponse, error)
}

// BackoffConfig controls retry delay growth.
type BackoffConfig struct {
	Strategy  string        `json:"strategy" yaml:"strategy"` // "linear", "exponential", "fixed"
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay"`
}

// Config sizes the dispatcher's per-provider worker pools. ResultTTL
// bounds how long terminal job results stay queryable.
type Config struct {
	Concurrency map[string]int `json:"concurrency" yaml:"concurrency"`
	MaxAttempts int            `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffConfig  `json:"backoff" yaml:"backoff"`
	ResultTTL   time.Duration  `json:"result_ttl" yaml:"result_ttl"`
}

// providerQueue is the priority queue plus wake signal for one provider's
// worker pool.
type providerQueue struct {
	mu   sync.Mutex
	jobs jobHeap
	wake chan struct{}
}

func (pq *providerQueue) push(j *Job) {
	pq.mu.Lock()
	heap.Push(&pq.jobs, j)
	pq.mu.Unlock()
	select {
	case pq.wake <- struct{}{}:
	default:
	}
}

func (pq *providerQueue) pop() *Job {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.jobs.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.jobs).(*Job)
}

// Dispatcher runs one bounded worker pool per provider, draining a
// priority queue ordered by tier then FIFO within a tier.
type Dispatcher struct {
	config   Config
	executor Executor
	logger   *logrus.Logger

	mu     sync.RWMutex
	queues map[string]*providerQueue
	jobs   map[string]*Job
	seq    uint64

	onTerminal func(provider string, state JobState)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Workers start on Start.
func NewDispatcher(config Config, executor Executor, logger *logrus.Logger) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff.BaseDelay <= 0 {
		config.Backoff.BaseDelay = time.Second
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = 15 * time.Minute
	}
	return &Dispatcher{
		config:   config,
		executor: executor,
		logger:   logger,
		queues:   make(map[string]*providerQueue),
		jobs:     make(map[string]*Job),
	}
}

// OnJobTerminal registers a callback fired once per job when it reaches
// a terminal state. Set before Start.
func (d *Dispatcher) OnJobTerminal(fn func(provider string, state JobState)) {
	d.onTerminal = fn
}

// Start launches the per-provider worker pools and the result sweeper.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	for provider, n := range d.config.Concurrency {
		if n <= 0 {
			n = 1
		}
		pq := d.queueFor(provider)
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go d.worker(provider, pq)
		}
		d.logger.WithFields(logrus.Fields{
			"provider": provider,
			"workers":  n,
		}).Info("Dispatcher worker pool started")
	}

	d.wg.Add(1)
	go d.sweeper()
}

// Stop cancels all workers and waits for in-flight sub-requests to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Enqueue registers a job for the provider's pool and returns its id plus
// a channel closed on terminal completion.
func (d *Dispatcher) Enqueue(provider, model string, requests []*types.AIRequest, priority Priority) (string, <-chan struct{}, error) {
	if len(requests) == 0 {
		return "", nil, &types.ValidationError{Message: "job requires at least one request", Field: "requests", Required: true}
	}
	if _, ok := d.config.Concurrency[provider]; !ok {
		return "", nil, &types.RoutingError{Message: fmt.Sprintf("no worker pool configured for provider %s", provider)}
	}

	job := &Job{
		ID:          uuid.New().String(),
		Provider:    provider,
		Model:       model,
		Requests:    requests,
		Priority:    priority,
		MaxAttempts: d.config.MaxAttempts,
		state:       StatePending,
		results:     make([]RequestResult, 0, len(requests)),
		done:        make(chan struct{}),
	}

	d.mu.Lock()
	d.seq++
	job.seq = d.seq
	d.jobs[job.ID] = job
	d.mu.Unlock()

	d.queueFor(provider).push(job)

	d.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"provider": provider,
		"model":    model,
		"priority": priority.String(),
		"requests": len(requests),
	}).Info("Job enqueued")
	return job.ID, job.done, nil
}

// GetStatus returns the current snapshot for a job.
func (d *Dispatcher) GetStatus(jobID string) (JobStatus, error) {
	d.mu.RLock()
	job, ok := d.jobs[jobID]
	d.mu.RUnlock()
	if !ok {
		return JobStatus{}, &types.NotFoundError{Resource: "job", ID: jobID}
	}
	return job.Status(), nil
}

// Cancel stops a job. A pending job never runs; a running job finishes
// its current sub-request and marks the remainder cancelled.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.RLock()
	job, ok := d.jobs[jobID]
	d.mu.RUnlock()
	if !ok {
		return &types.NotFoundError{Resource: "job", ID: jobID}
	}

	job.mu.Lock()
	job.cancelled = true
	pending := job.state == StatePending
	job.mu.Unlock()

	if pending {
		d.finishJob(job, StateCancelled)
	}
	d.logger.WithField("job_id", jobID).Info("Job cancelled")
	return nil
}

// finishJob settles a terminal transition: notify the observer, then
// release waiters. Only the call that wins the transition does either.
func (d *Dispatcher) finishJob(job *Job, state JobState) {
	if !job.finish(state) {
		return
	}
	if d.onTerminal != nil {
		d.onTerminal(job.Provider, state)
	}
	close(job.done)
}

// sweeper drops terminal jobs once their results outlive ResultTTL.
func (d *Dispatcher) sweeper() {
	defer d.wg.Done()
	interval := d.config.ResultTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := d.sweepExpired(time.Now()); removed > 0 {
				d.logger.WithField("removed_jobs", removed).Debug("Expired job results swept")
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) sweepExpired(now time.Time) int {
	cutoff := now.Add(-d.config.ResultTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, job := range d.jobs {
		job.mu.Lock()
		expired := job.terminalLocked() && job.finishedAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			delete(d.jobs, id)
			removed++
		}
	}
	return removed
}

// QueueDepth reports pending jobs per provider for metrics.
func (d *Dispatcher) QueueDepth() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	depths := make(map[string]int, len(d.queues))
	for provider, pq := range d.queues {
		pq.mu.Lock()
		depths[provider] = pq.jobs.Len()
		pq.mu.Unlock()
	}
	return depths
}

func (d *Dispatcher) queueFor(provider string) *providerQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	pq, ok := d.queues[provider]
	if !ok {
		pq = &providerQueue{wake: make(chan struct{}, 1)}
		d.queues[provider] = pq
	}
	return pq
}

func (d *Dispatcher) worker(provider string, pq *providerQueue) {
	defer d.wg.Done()
	for {
		job := pq.pop()
		if job == nil {
			select {
			case <-pq.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		d.runJob(job, pq)
	}
}

// runJob iterates the job's requests from its resume index. Each request
// is independent: non-transient failures record an error result and move
// on, while a transient failure suspends the whole job for a retry.
func (d *Dispatcher) runJob(job *Job, pq *providerQueue) {
	job.mu.Lock()
	if job.state == StateCancelled || job.state == StateCompleted || job.state == StateFailed {
		job.mu.Unlock()
		return
	}
	job.state = StateRunning
	job.attempts++
	attempt := job.attempts
	start := job.resume
	job.mu.Unlock()

	for i := start; i < len(job.Requests); i++ {
		job.mu.Lock()
		if job.cancelled {
			for k := i; k < len(job.Requests); k++ {
				job.results = append(job.results, RequestResult{
					RequestID: job.Requests[k].ID,
					Cancelled: true,
					Error:     "job cancelled",
				})
			}
			job.mu.Unlock()
			d.finishJob(job, StateCancelled)
			return
		}
		job.mu.Unlock()

		req := job.Requests[i]
		resp, err := d.executor.Execute(d.ctx, job.Provider, job.Model, req)
		if err == nil {
			job.mu.Lock()
			job.results = append(job.results, RequestResult{RequestID: req.ID, Success: true, Response: resp})
			job.resume = i + 1
			job.mu.Unlock()
			continue
		}

		if isTransient(err) {
			if attempt >= job.MaxAttempts {
				job.mu.Lock()
				for k := i; k < len(job.Requests); k++ {
					job.results = append(job.results, RequestResult{
						RequestID: job.Requests[k].ID,
						Error:     fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, err),
					})
				}
				job.mu.Unlock()
				d.finishJob(job, StateFailed)
				d.logger.WithFields(logrus.Fields{
					"job_id":   job.ID,
					"attempts": attempt,
				}).WithError(err).Warn("Job failed terminally")
				return
			}

			delay := calculateBackoffDelay(d.config.Backoff, attempt)
			job.setState(StatePending)
			d.logger.WithFields(logrus.Fields{
				"job_id":   job.ID,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).WithError(err).Info("Transient failure, re-enqueueing job")
			time.AfterFunc(delay, func() { pq.push(job) })
			return
		}

		// Non-transient failure records the error and continues with
		// the remaining sibling requests.
		job.mu.Lock()
		job.results = append(job.results, RequestResult{RequestID: req.ID, Error: err.Error()})
		job.resume = i + 1
		job.mu.Unlock()
	}

	d.finishJob(job, StateCompleted)
	d.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"requests": len(job.Requests),
	}).Debug("Job completed")
}

// isTransient reports whether an error warrants a job retry. Provider
// errors carry their own retryability; timeouts and network errors are
// retryable, 4xx validation failures are not.
func isTransient(err error) bool {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable || pe.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// calculateBackoffDelay computes the retry delay for an attempt, capped
// at MaxDelay.
func calculateBackoffDelay(config BackoffConfig, attempt int) time.Duration {
	var delay time.Duration
	switch config.Strategy {
	case "linear":
		delay = time.Duration(int64(config.BaseDelay) * int64(attempt))
	case "fixed":
		delay = config.BaseDelay
	default:
		multiplier := math.Pow(2, float64(attempt))
		delay = time.Duration(float64(config.BaseDelay) * multiplier)
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
