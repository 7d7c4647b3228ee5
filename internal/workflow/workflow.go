// Package workflow is the durability substrate for long orchestrations: named
// steps with memoized results, and coarse sleeps that suspend the run instead
// of blocking a worker slot.
//
// A run may be torn down and re-invoked at any step boundary. Completed steps
// replay from their cached results, so re-execution resumes at the first
// incomplete step. Step results round-trip through JSON; steps therefore get
// at-least-once execution with memoized, exactly-once results.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists step results and sleep deadlines per run.
type Store interface {
	GetStep(ctx context.Context, runID, name string) ([]byte, bool, error)
	PutStep(ctx context.Context, runID, name string, result []byte) error
	GetSleep(ctx context.Context, runID, name string) (time.Time, bool, error)
	PutSleep(ctx context.Context, runID, name string, wakeAt time.Time) error
}

// SuspendError signals that the run hit a sleep whose deadline has not
// passed. The caller parks the run and re-invokes it at WakeAt.
type SuspendError struct {
	WakeAt time.Time
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("workflow suspended until %s", e.WakeAt.Format(time.RFC3339))
}

// AsSuspend extracts a SuspendError if err carries one.
func AsSuspend(err error) (*SuspendError, bool) {
	var s *SuspendError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// Run is one durable workflow execution.
type Run struct {
	ID    string
	store Store
	now   func() time.Time
}

func NewRun(id string, store Store) *Run {
	return &Run{ID: id, store: store, now: time.Now}
}

// Step executes fn under the given name, memoizing its JSON-serialized result.
// A re-invocation after an interruption returns the cached result without
// calling fn again. Errors are never cached: a failed step re-runs next time.
func Step[T any](ctx context.Context, r *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cached, ok, err := r.store.GetStep(ctx, r.ID, name)
	if err != nil {
		return zero, fmt.Errorf("workflow: load step %q: %w", name, err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(cached, &v); err != nil {
			return zero, fmt.Errorf("workflow: decode cached step %q: %w", name, err)
		}
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("workflow: encode step %q result: %w", name, err)
	}
	if err := r.store.PutStep(ctx, r.ID, name, raw); err != nil {
		return zero, fmt.Errorf("workflow: save step %q: %w", name, err)
	}
	return v, nil
}

// Sleep records a wake deadline on first encounter and suspends the run while
// the deadline is in the future. Once the deadline has passed the sleep is
// satisfied and returns nil, including on replays.
func (r *Run) Sleep(ctx context.Context, name string, d time.Duration) error {
	wakeAt, ok, err := r.store.GetSleep(ctx, r.ID, name)
	if err != nil {
		return fmt.Errorf("workflow: load sleep %q: %w", name, err)
	}
	if !ok {
		wakeAt = r.now().Add(d)
		if err := r.store.PutSleep(ctx, r.ID, name, wakeAt); err != nil {
			return fmt.Errorf("workflow: save sleep %q: %w", name, err)
		}
	}
	if r.now().Before(wakeAt) {
		return &SuspendError{WakeAt: wakeAt}
	}
	return nil
}
