package actions

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
	"sdkrouter/internal/waiter"
)

// Session is the part of a protocol session the action library drives.
type Session interface {
	Send(ctx context.Context, method string, args map[string]any) (model.ActionResult, error)
	Await(ctx context.Context, predicate waiter.Predicate, timeout time.Duration) (model.WorldState, error)
	State() (model.WorldState, bool)
}

// Progress receives a note each time a verified operation succeeds.
type Progress interface {
	Progress(note string)
}

type Options struct {
	DialogCooldownTicks int64
	Attempts            uint
	RetryDelay          time.Duration
	StepTimeout         time.Duration
	ArriveTolerance     int
	Progress            Progress
	Logger              *log.Logger
}

func normalizeOptions(options Options) Options {
	if options.DialogCooldownTicks <= 0 {
		options.DialogCooldownTicks = 3
	}
	if options.Attempts == 0 {
		options.Attempts = 3
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = 600 * time.Millisecond
	}
	if options.StepTimeout <= 0 {
		options.StepTimeout = 15 * time.Second
	}
	if options.ArriveTolerance < 0 {
		options.ArriveTolerance = 0
	}
	return options
}

// Bot issues actions and confirms each one by waiting for its observable
// effect on later snapshots.
type Bot struct {
	session Session
	opts    Options
	logger  *log.Logger

	mu              sync.Mutex
	lastDismissTick int64
	dismissed       bool
}

func New(session Session, options Options) *Bot {
	options = normalizeOptions(options)
	return &Bot{session: session, opts: options, logger: options.Logger}
}

// WithProgress returns a Bot on the same session reporting to progress.
func (b *Bot) WithProgress(progress Progress) *Bot {
	options := b.opts
	options.Progress = progress
	return New(b.session, options)
}

func (b *Bot) Session() Session { return b.session }

// step is one attempt of a verified operation: issue sends the action given
// the snapshot it was planned against, and effect builds the predicate that
// confirms it.
type step struct {
	name           string
	issue          func(ctx context.Context, before model.WorldState) error
	effect         func(before model.WorldState) waiter.Predicate
	dismissDialogs bool
}

func (b *Bot) run(ctx context.Context, s step) (model.WorldState, error) {
	var confirmed model.WorldState
	var lastErr error
	err := retry.Retry(
		func(attempt uint) error {
			state, err := b.attempt(ctx, s)
			lastErr = err
			if err != nil {
				b.logf("op=%s attempt=%d code=%s error=%q", s.name, attempt+1, model.CodeOf(err), err.Error())
				return err
			}
			confirmed = state
			return nil
		},
		b.retryable(ctx, &lastErr),
		strategy.Limit(b.opts.Attempts),
		b.pause(ctx),
	)
	if err != nil {
		return model.WorldState{}, err
	}
	if b.opts.Progress != nil {
		b.opts.Progress.Progress(s.name)
	}
	return confirmed, nil
}

func (b *Bot) attempt(ctx context.Context, s step) (model.WorldState, error) {
	before, ok := b.session.State()
	if !ok {
		return model.WorldState{}, model.Errorf(model.CodeNotConnected, "%s: no snapshot received yet", s.name)
	}
	if err := s.issue(ctx, before); err != nil {
		return model.WorldState{}, err
	}
	return b.awaitEffect(ctx, s.effect(before), s.dismissDialogs)
}

// retryable stops after errors other than TIMEOUT and ACTION_REJECTED, and
// once ctx is done.
func (b *Bot) retryable(ctx context.Context, lastErr *error) strategy.Strategy {
	return func(attempt uint) bool {
		if attempt == 0 {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		switch model.CodeOf(*lastErr) {
		case model.CodeTimeout, model.CodeActionRejected:
			return true
		default:
			return false
		}
	}
}

func (b *Bot) pause(ctx context.Context) strategy.Strategy {
	return func(attempt uint) bool {
		if attempt == 0 {
			return true
		}
		timer := time.NewTimer(b.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

type awaitOutcome struct {
	state model.WorldState
	err   error
}

// awaitEffect waits for effect. While it waits, a blocking dialog is dismissed
// at most once per cooldown window. The dismiss is sent from here, never from
// inside the predicate, and its result never holds up the effect outcome.
func (b *Bot) awaitEffect(ctx context.Context, effect waiter.Predicate, dismissDialogs bool) (model.WorldState, error) {
	if !dismissDialogs {
		return b.session.Await(ctx, effect, b.opts.StepTimeout)
	}
	dismiss := make(chan int64, 1)
	predicate := func(state model.WorldState) (bool, error) {
		if b.shouldDismiss(state) {
			select {
			case dismiss <- state.Tick:
			default:
			}
		}
		return effect(state)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan awaitOutcome, 1)
	go func() {
		state, err := b.session.Await(waitCtx, predicate, b.opts.StepTimeout)
		done <- awaitOutcome{state: state, err: err}
	}()

	// dismissed is non-nil while a dismiss is in flight.
	var dismissed chan struct{}
	for {
		select {
		case outcome := <-done:
			cancel()
			if dismissed != nil {
				<-dismissed
			}
			return outcome.state, outcome.err
		case <-dismissed:
			dismissed = nil
		case tick := <-dismiss:
			if dismissed != nil {
				b.logf("op=dismiss_dialog tick=%d skipped=in_flight", tick)
				continue
			}
			b.logf("op=dismiss_dialog tick=%d", tick)
			dismissed = make(chan struct{})
			go func(finished chan struct{}) {
				defer close(finished)
				if _, err := b.session.Send(waitCtx, protocol.MethodContinueDialog, nil); err != nil {
					b.logf("op=dismiss_dialog tick=%d error=%q", tick, err.Error())
				}
			}(dismissed)
		}
	}
}

func (b *Bot) shouldDismiss(state model.WorldState) bool {
	if !state.BlockingDialog() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dismissed && state.Tick >= b.lastDismissTick && state.Tick-b.lastDismissTick < b.opts.DialogCooldownTicks {
		return false
	}
	b.dismissed = true
	b.lastDismissTick = state.Tick
	return true
}

func (b *Bot) send(ctx context.Context, method string, args map[string]any) error {
	_, err := b.session.Send(ctx, method, args)
	return err
}

func (b *Bot) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf("actions: "+format, args...)
}
