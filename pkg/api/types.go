package api

import (
	"time"
)

// JobShape is one entry of a workflow's estimated complexity: a number of
// jobs expected to run in parallel and the memory each of them asks for.
type JobShape struct {
	Jobs        int64 `json:"jobs"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// WorkflowStartRequest is the message consumed from the workflow start-request
// queue. It is created by the API layer when a user asks for a workflow run
// and is mutated only by incrementing RetryCount on requeue.
type WorkflowStartRequest struct {
	WorkflowId        string     `json:"workflow_id"`
	UserId            string     `json:"user_id"`
	Complexity        []JobShape `json:"complexity"`
	MinJobMemoryBytes int64      `json:"min_job_memory"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	RetryCount        int        `json:"retry_count"`
}

// ComplexityScore is the total number of jobs across all shapes.
// A request with no complexity estimate scores zero.
func (r *WorkflowStartRequest) ComplexityScore() int64 {
	var total int64
	for _, shape := range r.Complexity {
		total += shape.Jobs
	}
	return total
}

// MinJobMemory returns the smallest per-job memory requirement of the request.
// The explicit field wins; otherwise it is derived as the minimum over the
// complexity shapes, zero if there are none.
func (r *WorkflowStartRequest) MinJobMemory() int64 {
	if r.MinJobMemoryBytes > 0 {
		return r.MinJobMemoryBytes
	}
	var min int64
	for i, shape := range r.Complexity {
		if i == 0 || shape.MemoryBytes < min {
			min = shape.MemoryBytes
		}
	}
	return min
}

// WorkflowSubmission is published to the execution backend's ingestion
// channel once a workflow has been admitted. Priority and the memory floor
// are hints for backend-side scheduling.
type WorkflowSubmission struct {
	WorkflowId        string    `json:"workflow_id"`
	UserId            string    `json:"user_id"`
	Priority          float64   `json:"priority"`
	MinJobMemoryBytes int64     `json:"min_job_memory"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// Workflow status values reported back to the API layer.
const (
	StatusQueued    = "queued"
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)
