package waiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sdkrouter/internal/model"
)

// Predicate inspects one snapshot. Returning an error counts as "not yet
// satisfied" unless the error is marked with Fatal.
type Predicate func(state model.WorldState) (bool, error)

// When adapts a plain boolean check.
func When(check func(state model.WorldState) bool) Predicate {
	return func(state model.WorldState) (bool, error) {
		return check(state), nil
	}
}

type fatalError struct {
	err error
}

func (f fatalError) Error() string { return f.err.Error() }

func (f fatalError) Unwrap() error { return f.err }

// Fatal marks a predicate error as terminal for that one wait.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

func IsFatal(err error) bool {
	var target fatalError
	return errors.As(err, &target)
}

type ownerKey struct{}

// WithOwner tags every waiter registered with ctx as belonging to owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

type Stats struct {
	Pending         int   `json:"pending"`
	Registered      int64 `json:"registered"`
	Resolved        int64 `json:"resolved"`
	TimedOut        int64 `json:"timed_out"`
	Cancelled       int64 `json:"cancelled"`
	Failed          int64 `json:"failed"`
	PredicateFaults int64 `json:"predicate_faults"`
	Observed        int64 `json:"observed"`
}

// Engine holds the active waiters of one session and resolves them against
// the snapshots it observes. Snapshots must be fed through Observe in order.
type Engine struct {
	logger *log.Logger

	observeMu sync.Mutex

	mu      sync.Mutex
	current *model.WorldState
	waiters []*Waiter
	nextID  uint64
	closed  error
	stats   Stats
}

func NewEngine(logger *log.Logger) *Engine {
	return &Engine{logger: logger}
}

// Register evaluates predicate against the current snapshot and, when it does
// not already hold, keeps it active until a later snapshot satisfies it, the
// timeout elapses, ctx is done, or the waiter is cancelled.
func (e *Engine) Register(ctx context.Context, predicate Predicate, timeout time.Duration) *Waiter {
	if ctx == nil {
		ctx = context.Background()
	}
	w := &Waiter{
		engine:    e,
		owner:     OwnerFromContext(ctx),
		predicate: predicate,
		done:      make(chan struct{}),
	}
	if timeout > 0 {
		w.deadline = time.Now().Add(timeout)
	}

	e.mu.Lock()
	e.nextID++
	w.id = e.nextID
	e.stats.Registered++
	if e.closed != nil {
		e.finishLocked(w, outcomeFailed, model.WorldState{}, e.closed)
		e.mu.Unlock()
		return w
	}
	if predicate == nil {
		e.finishLocked(w, outcomeFailed, model.WorldState{}, fmt.Errorf("waiter predicate is required"))
		e.mu.Unlock()
		return w
	}
	if e.current != nil {
		state := *e.current
		ok, fault, fatal := evaluate(w, state)
		e.noteFaultLocked(w, fault)
		if fatal != nil {
			e.finishLocked(w, outcomeFailed, state, fatal)
			e.mu.Unlock()
			return w
		}
		if ok {
			e.finishLocked(w, outcomeResolved, state, nil)
			e.mu.Unlock()
			return w
		}
	}
	e.waiters = append(e.waiters, w)
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			e.finish(w, outcomeTimedOut, model.WorldState{}, model.Errorf(model.CodeTimeout, "condition not met within %s", timeout))
		})
	}
	if ctx.Done() != nil {
		w.stopCtx = context.AfterFunc(ctx, func() {
			e.finish(w, outcomeCancelled, model.WorldState{}, model.WrapError(model.CodeCancelled, context.Cause(ctx), "wait cancelled"))
		})
	}
	e.mu.Unlock()
	return w
}

// Await registers predicate and blocks until the waiter reaches an outcome.
func (e *Engine) Await(ctx context.Context, predicate Predicate, timeout time.Duration) (model.WorldState, error) {
	w := e.Register(ctx, predicate, timeout)
	<-w.Done()
	return w.Result()
}

// Observe makes state the current snapshot and evaluates every pending waiter
// against it once, in registration order. It returns how many resolved.
func (e *Engine) Observe(state model.WorldState) int {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()

	e.mu.Lock()
	snapshot := state
	e.current = &snapshot
	e.stats.Observed++
	pending := append([]*Waiter(nil), e.waiters...)
	e.mu.Unlock()

	resolved := 0
	for _, w := range pending {
		if w.finished() {
			continue
		}
		ok, fault, fatal := evaluate(w, state)
		if fault != nil {
			e.mu.Lock()
			e.noteFaultLocked(w, fault)
			e.mu.Unlock()
		}
		switch {
		case fatal != nil:
			e.finish(w, outcomeFailed, state, fatal)
		case ok:
			if e.finish(w, outcomeResolved, state, nil) {
				resolved++
			}
		}
	}
	return resolved
}

// Current returns the most recently observed snapshot.
func (e *Engine) Current() (model.WorldState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return model.WorldState{}, false
	}
	return *e.current, true
}

// Reset forgets the current snapshot without touching pending waiters; used
// when a new tick domain begins.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// FailAll rejects every pending waiter with cause.
func (e *Engine) FailAll(cause error) int {
	return e.failMatching(func(*Waiter) bool { return true }, outcomeFailed, cause)
}

// CancelOwner cancels every pending waiter registered under owner.
func (e *Engine) CancelOwner(owner string, cause error) int {
	if cause == nil {
		cause = model.Errorf(model.CodeCancelled, "run %s cancelled", owner)
	}
	return e.failMatching(func(w *Waiter) bool { return w.owner == owner }, outcomeCancelled, cause)
}

// Close fails all pending waiters and rejects future registrations.
func (e *Engine) Close(cause error) int {
	if cause == nil {
		cause = model.Errorf(model.CodeNotConnected, "session closed")
	}
	e.mu.Lock()
	if e.closed == nil {
		e.closed = cause
	}
	e.mu.Unlock()
	return e.FailAll(cause)
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.Pending = len(e.waiters)
	return stats
}

func (e *Engine) failMatching(match func(*Waiter) bool, outcome outcome, cause error) int {
	e.mu.Lock()
	targets := []*Waiter{}
	for _, w := range e.waiters {
		if match(w) {
			targets = append(targets, w)
		}
	}
	e.mu.Unlock()

	count := 0
	for _, w := range targets {
		if e.finish(w, outcome, model.WorldState{}, cause) {
			count++
		}
	}
	return count
}

// evaluate runs the predicate. Panics and non-fatal errors come back as a
// fault and count as "not yet"; fatal errors end the wait.
func evaluate(w *Waiter, state model.WorldState) (ok bool, fault error, fatal error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok, fault, fatal = false, fmt.Errorf("predicate panic: %v", recovered), nil
		}
	}()
	ok, err := w.predicate(state)
	switch {
	case err == nil:
		return ok, nil, nil
	case IsFatal(err):
		return false, nil, err
	default:
		return false, err, nil
	}
}

func (e *Engine) noteFaultLocked(w *Waiter, fault error) {
	if fault == nil {
		return
	}
	e.stats.PredicateFaults++
	if e.logger != nil {
		e.logger.Printf("waiter: id=%d owner=%s predicate_fault=%q", w.id, w.owner, fault.Error())
	}
}

func (e *Engine) finish(w *Waiter, outcome outcome, state model.WorldState, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishLocked(w, outcome, state, err)
}

func (e *Engine) finishLocked(w *Waiter, outcome outcome, state model.WorldState, err error) bool {
	if w.outcome != outcomePending {
		return false
	}
	w.outcome = outcome
	w.state = state
	w.err = err
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	switch outcome {
	case outcomeResolved:
		e.stats.Resolved++
	case outcomeTimedOut:
		e.stats.TimedOut++
	case outcomeCancelled:
		e.stats.Cancelled++
	case outcomeFailed:
		e.stats.Failed++
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.stopCtx != nil {
		w.stopCtx()
	}
	close(w.done)
	return true
}
