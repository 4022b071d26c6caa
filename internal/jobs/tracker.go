package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetain is how many finished jobs are remembered.
const DefaultRetain = 100

// Tracker runs jobs in the background and keeps their records in memory.
// Records do not survive a restart; the files a job produced do.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // creation order
	retain  int
	now     func() time.Time
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker that remembers up to retain finished jobs.
func NewTracker(retain int, logger *slog.Logger) *Tracker {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		records: make(map[string]*Record),
		retain:  retain,
		now:     time.Now,
		logger:  logger.With("component", "jobs"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit records a new job and runs fn in its own goroutine. The context
// passed to fn is cancelled by Close, not by the caller.
func (t *Tracker) Submit(jobType string, metadata map[string]any, fn Func) (string, error) {
	id := uuid.NewString()
	rec := &Record{
		ID:        id,
		JobType:   jobType,
		Status:    StatusQueued,
		CreatedAt: t.now().UTC(),
		Metadata:  metadata,
	}

	// The closed check and wg.Add happen under mu so Close never waits
	// while a job is still being added.
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return "", ErrClosed
	}
	t.records[id] = rec
	t.order = append(t.order, id)
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Info("job created", "id", id, "type", jobType)

	go func() {
		defer t.wg.Done()
		t.run(id, fn)
	}()
	return id, nil
}

func (t *Tracker) run(id string, fn Func) {
	t.update(id, func(r *Record) {
		now := t.now().UTC()
		r.Status = StatusRunning
		r.StartedAt = &now
	})

	result, err := fn(t.ctx, id)

	t.update(id, func(r *Record) {
		now := t.now().UTC()
		r.CompletedAt = &now
		r.Result = result
		switch {
		case err == nil:
			r.Status = StatusCompleted
		case errors.Is(err, context.Canceled):
			r.Status = StatusCancelled
			r.Error = err.Error()
		default:
			r.Status = StatusFailed
			r.Error = err.Error()
		}
		t.logger.Info("job finished", "id", id, "type", r.JobType, "status", r.Status,
			"duration", now.Sub(r.CreatedAt))
		t.pruneLocked()
	})
}

func (t *Tracker) update(id string, fn func(*Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		fn(r)
	}
}

// pruneLocked forgets the oldest finished jobs beyond the retention limit.
// t.mu must be held.
func (t *Tracker) pruneLocked() {
	finished := 0
	for _, id := range t.order {
		if t.records[id].Status.Terminal() {
			finished++
		}
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if finished > t.retain && t.records[id].Status.Terminal() {
			delete(t.records, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Get returns a copy of the record of id.
func (t *Tracker) Get(id string) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.clone(), nil
}

// List returns matching records, newest first.
func (t *Tracker) List(filter ListFilter) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Record
	for i := len(t.order) - 1; i >= 0; i-- {
		r := t.records[t.order[i]]
		if !filter.match(r) {
			continue
		}
		out = append(out, r.clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// ActiveJobs returns the number of jobs that have not finished.
func (t *Tracker) ActiveJobs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.records {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n
}

// Close cancels running jobs and waits for them to return, or for ctx.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
