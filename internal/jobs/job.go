// Package jobs tracks background requests, such as whole-document OCR runs,
// that outlive the HTTP request that started them.
package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("job not found")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("tracker is closed")

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job has stopped.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Func is the work of the job id. Its result is kept on the record.
type Func func(ctx context.Context, id string) (any, error)

// Record is the tracked state of one job.
type Record struct {
	ID          string         `json:"id" yaml:"id"`
	JobType     string         `json:"job_type" yaml:"job_type"`
	Status      Status         `json:"status" yaml:"status"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Result      any            `json:"result,omitempty" yaml:"result,omitempty"`
}

// ListFilter specifies criteria for listing jobs.
type ListFilter struct {
	Status  Status // Filter by status (empty = all)
	JobType string // Filter by job type (empty = all)
	Limit   int    // Max results (0 = all)
}

func (f ListFilter) match(r *Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return f.JobType == "" || r.JobType == f.JobType
}

func (r *Record) clone() Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
