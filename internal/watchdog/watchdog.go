package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"sdkrouter/internal/hsm"
	"sdkrouter/internal/model"
	"sdkrouter/internal/waiter"
)

// Supervised is the session side a run drives: its waiters are cancelled and
// its latest snapshot lands in the report when the run ends.
type Supervised interface {
	CancelOwner(owner string, cause error) int
	State() (model.WorldState, bool)
}

type ReportSink interface {
	PublishReport(report model.RunReport)
}

// Loop is one control-loop execution. It must call heartbeat.Progress as it
// makes forward progress and return when ctx is done.
type Loop func(ctx context.Context, heartbeat *Heartbeat) error

type Options struct {
	RunID         string
	Identity      model.BotIdentity
	Stall         time.Duration
	WallClock     time.Duration
	CheckInterval time.Duration
	Grace         time.Duration
	Session       Supervised
	// Release runs once after the loop has stopped, whatever the outcome.
	Release func(report model.RunReport)
	Reports ReportSink
	Logger  *log.Logger
}

func normalizeOptions(options Options) Options {
	options.RunID = strings.TrimSpace(options.RunID)
	if options.RunID == "" {
		options.RunID = shortuuid.New()
	}
	if options.Stall <= 0 {
		options.Stall = 2 * time.Minute
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = options.Stall / 10
		if options.WallClock > 0 && options.WallClock/10 < options.CheckInterval {
			options.CheckInterval = options.WallClock / 10
		}
	}
	if options.CheckInterval < 10*time.Millisecond {
		options.CheckInterval = 10 * time.Millisecond
	}
	if options.Grace <= 0 {
		options.Grace = 5 * time.Second
	}
	return options
}

// Heartbeat is the progress signal handed to a running loop.
type Heartbeat struct {
	runID string

	mu       sync.Mutex
	last     time.Time
	count    int64
	lastNote string
}

func (h *Heartbeat) RunID() string { return h.runID }

// Progress records forward progress. It is safe to call from any goroutine.
func (h *Heartbeat) Progress(note string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = time.Now()
	h.count++
	h.lastNote = strings.TrimSpace(note)
}

func (h *Heartbeat) sinceLast(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.last)
}

func (h *Heartbeat) fill(report *model.RunReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	report.ProgressCount = h.count
	report.LastNote = h.lastNote
	if h.count > 0 {
		last := h.last.UTC()
		report.LastProgressAt = &last
	}
}

type run struct {
	opts      Options
	logger    *log.Logger
	heartbeat *Heartbeat
	report    model.RunReport
}

func (r *run) transition(next model.RunStatus) {
	if !hsm.CanTransitionRun(r.report.Status, next) {
		r.logf("event=invalid_transition from=%s to=%s", r.report.Status, next)
		return
	}
	r.report.Status = next
}

// Run executes loop under the stall and wall-clock limits in options. The
// returned report is always populated; the error is nil only when the loop
// returned nil on its own.
func Run(ctx context.Context, options Options, loop Loop) (model.RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options = normalizeOptions(options)
	if loop == nil {
		return model.RunReport{RunID: options.RunID, Status: model.RunStatusFailed}, fmt.Errorf("loop is required")
	}
	started := time.Now()
	r := &run{
		opts:      options,
		logger:    options.Logger,
		heartbeat: &Heartbeat{runID: options.RunID, last: started},
		report: model.RunReport{
			RunID:     options.RunID,
			Identity:  options.Identity,
			Status:    model.RunStatusCreated,
			StartedAt: started.UTC(),
		},
	}

	runCtx, cancel := context.WithCancelCause(waiter.WithOwner(ctx, options.RunID))
	defer cancel(nil)

	exited := make(chan error, 1)
	r.transition(model.RunStatusRunning)
	r.logf("event=started stall=%s wall_clock=%s check=%s", options.Stall, options.WallClock, options.CheckInterval)
	go func() {
		exited <- invoke(runCtx, loop, r.heartbeat)
	}()

	ticker := time.NewTicker(options.CheckInterval)
	defer ticker.Stop()
	var wallClock <-chan time.Time
	if options.WallClock > 0 {
		timer := time.NewTimer(options.WallClock)
		defer timer.Stop()
		wallClock = timer.C
	}

	var failure error
	for failure == nil {
		select {
		case err := <-exited:
			return r.finish(ctx, err, true)
		case <-ticker.C:
			if idle := r.heartbeat.sinceLast(time.Now()); idle >= options.Stall {
				failure = model.Errorf(model.CodeStall, "no progress for %s (limit %s)", idle.Round(time.Millisecond), options.Stall)
			}
		case <-wallClock:
			failure = model.Errorf(model.CodeWallClock, "run exceeded wall-clock limit %s", options.WallClock)
		case <-ctx.Done():
			failure = model.WrapError(model.CodeCancelled, context.Cause(ctx), "run cancelled")
		}
	}

	cancel(failure)
	if options.Session != nil {
		cancelled := options.Session.CancelOwner(options.RunID, failure)
		r.logf("event=waiters_cancelled count=%d", cancelled)
	}
	grace := time.NewTimer(options.Grace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		r.logf("event=loop_abandoned grace=%s", options.Grace)
	}
	return r.finish(ctx, failure, false)
}

func invoke(ctx context.Context, loop Loop, heartbeat *Heartbeat) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = model.Errorf(model.CodeScriptFault, "loop panic: %v", recovered)
		}
	}()
	return loop(ctx, heartbeat)
}

// finish classifies the outcome and fills in the report. selfExit is true
// when the loop returned before the watchdog stopped it.
func (r *run) finish(ctx context.Context, err error, selfExit bool) (model.RunReport, error) {
	switch {
	case err == nil:
		r.transition(model.RunStatusCompleted)
	case model.IsCode(err, model.CodeStall):
		r.transition(model.RunStatusStalled)
	case model.IsCode(err, model.CodeWallClock):
		r.transition(model.RunStatusExpired)
	case model.IsCode(err, model.CodeCancelled) || (selfExit && ctx.Err() != nil && errors.Is(err, context.Canceled)):
		r.transition(model.RunStatusCancelled)
	default:
		r.transition(model.RunStatusFailed)
	}
	if err != nil {
		r.report.Code = model.CodeOf(err)
		r.report.Error = err.Error()
	}
	finished := time.Now()
	r.report.FinishedAt = finished.UTC()
	r.report.Elapsed = model.Duration(finished.Sub(r.report.StartedAt))
	r.heartbeat.fill(&r.report)
	if r.opts.Session != nil {
		if state, ok := r.opts.Session.State(); ok {
			r.report.LastState = &state
		}
	}

	if r.opts.Session != nil && selfExit {
		// owned waiters cannot outlive the run
		r.opts.Session.CancelOwner(r.opts.RunID, nil)
	}
	if r.opts.Release != nil {
		r.opts.Release(r.report)
	}
	if r.opts.Reports != nil {
		r.opts.Reports.PublishReport(r.report)
	}
	r.logf("event=finished status=%s code=%s elapsed=%s progress=%d", r.report.Status, r.report.Code, r.report.Elapsed, r.report.ProgressCount)
	return r.report, err
}

func (r *run) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	prefix := []any{r.opts.RunID, r.opts.Identity}
	r.logger.Printf("watchdog: run=%s identity=%s "+format, append(prefix, args...)...)
}
