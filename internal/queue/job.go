package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Priority tiers. Lower numeric value dispatches first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ParsePriority maps the wire names to tiers. Unknown names default to
// normal rather than failing the enqueue.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job states.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// RequestResult is the per-request outcome inside a job. Partial success
// is allowed: one request failing does not abort its siblings.
type RequestResult struct {
	RequestID string             `json:"request_id"`
	Success   bool               `json:"success"`
	Response  *types.AIResponse  `json:"response,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancelled bool               `json:"cancelled,omitempty"`
}

// Job is a batch of requests bound to one provider/model pair.
type Job struct {
	ID          string
	Provider    string
	Model       string
	Requests    []*types.AIRequest
	Priority    Priority
	MaxAttempts int

	mu        sync.Mutex
	state     JobState
	attempts  int
	cancelled bool
	results   []RequestResult
	// resume marks the first request index not yet completed, so a retry
	// after a transient failure picks up where the last attempt stopped.
	resume int
	// seq breaks FIFO ties within a priority tier.
	seq        uint64
	finishedAt time.Time
	done       chan struct{}
}

// JobStatus is the caller-visible snapshot of a job.
type JobStatus struct {
	JobID     string          `json:"job_id"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	State     JobState        `json:"state"`
	Priority  string          `json:"priority"`
	Attempts  int             `json:"attempts"`
	Requests  int             `json:"requests"`
	Results   []RequestResult `json:"results,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status snapshots the job under its lock.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	results := append([]RequestResult(nil), j.results...)
	return JobStatus{
		JobID:     j.ID,
		Provider:  j.Provider,
		Model:     j.Model,
		State:     j.state,
		Priority:  j.Priority.String(),
		Attempts:  j.attempts,
		Requests:  len(j.Requests),
		Results:   results,
		UpdatedAt: time.Now().UTC(),
	}
}

// Results returns the per-request outcomes once the job is terminal.
func (j *Job) Results() []RequestResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]RequestResult(nil), j.results...)
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// finish moves the job to a terminal state. It reports whether this
// call made the transition; the done channel is closed by the
// dispatcher after terminal bookkeeping so observers run first.
func (j *Job) finish(s JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminalLocked() {
		return false
	}
	j.state = s
	j.finishedAt = time.Now()
	return true
}

func (j *Job) terminalLocked() bool {
	return j.state == StateCompleted || j.state == StateFailed || j.state == StateCancelled
}

func (j *Job) String() string {
	return fmt.Sprintf("job<%s %s/%s %s>", j.ID, j.Provider, j.Model, j.Priority)
}

// jobHeap orders jobs by priority tier, then FIFO by enqueue sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
