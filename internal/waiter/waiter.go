package waiter

import (
	"context"
	"time"

	"sdkrouter/internal/model"
)

type outcome int

const (
	outcomePending outcome = iota
	outcomeResolved
	outcomeTimedOut
	outcomeCancelled
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeResolved:
		return "resolved"
	case outcomeTimedOut:
		return "timed_out"
	case outcomeCancelled:
		return "cancelled"
	case outcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Waiter is one predicate-plus-deadline owned by an Engine. It reaches exactly
// one outcome.
type Waiter struct {
	engine    *Engine
	id        uint64
	owner     string
	predicate Predicate
	deadline  time.Time
	timer     *time.Timer
	stopCtx   func() bool
	done      chan struct{}

	// guarded by engine.mu until done is closed
	outcome outcome
	state   model.WorldState
	err     error
}

func (w *Waiter) ID() uint64 { return w.id }

func (w *Waiter) Owner() string { return w.owner }

func (w *Waiter) Deadline() time.Time { return w.deadline }

// Done is closed once the waiter has resolved, timed out, been cancelled or failed.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Result returns the satisfying snapshot, or the error that ended the wait.
// It must only be called after Done is closed.
func (w *Waiter) Result() (model.WorldState, error) {
	select {
	case <-w.done:
	default:
		return model.WorldState{}, model.Errorf(model.CodeProtocolError, "waiter %d is still pending", w.id)
	}
	if w.err != nil {
		return model.WorldState{}, w.err
	}
	return w.state, nil
}

// Outcome reports "pending", "resolved", "timed_out", "cancelled" or "failed".
func (w *Waiter) Outcome() string {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()
	return w.outcome.String()
}

// Cancel removes the waiter without resolving it. It reports false when the
// waiter had already reached an outcome.
func (w *Waiter) Cancel() bool {
	return w.engine.finish(w, outcomeCancelled, model.WorldState{}, model.Errorf(model.CodeCancelled, "wait cancelled"))
}

// Wait blocks until Done or ctx ends. When ctx ends first the waiter is cancelled.
func (w *Waiter) Wait(ctx context.Context) (model.WorldState, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.engine.finish(w, outcomeCancelled, model.WorldState{}, model.WrapError(model.CodeCancelled, ctx.Err(), "wait cancelled"))
		<-w.done
	}
	return w.Result()
}

func (w *Waiter) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
