package session

import (
	"context"
	"errors"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sdkrouter/internal/delta"
	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
	"sdkrouter/internal/waiter"
)

type Options struct {
	// ActionTimeout bounds one Send. It should exceed the router's pending TTL
	// so the router's TIMEOUT normally arrives first.
	ActionTimeout  time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Codec          string
	UpdateBuffer   int
	Dialer         *websocket.Dialer
	Logger         *log.Logger
}

func normalizeOptions(options Options) Options {
	if options.ActionTimeout <= 0 {
		options.ActionTimeout = 35 * time.Second
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 10 * time.Second
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	return options
}

type sendOutcome struct {
	result model.ActionResult
	err    error
}

// Session is a controller's connection to the router for one identity. It
// caches the latest snapshot, serializes actions, and feeds its wait engine.
type Session struct {
	identity     model.BotIdentity
	connectionID string
	opts         Options
	logger       *log.Logger
	codec        protocol.Codec
	ws           *websocket.Conn
	engine       *waiter.Engine
	broker       *updateBroker

	// one action in flight at a time
	slot    chan struct{}
	writeMu sync.Mutex

	mu        sync.RWMutex
	state     *model.WorldState
	previous  *model.WorldState
	lastDelta *model.StateDelta
	epoch     uint64
	online    bool
	closeErr  error

	inflightMu sync.Mutex
	inflight   map[string]chan sendOutcome

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial connects to the router's websocket endpoint and completes the
// controller handshake for identity.
func Dial(ctx context.Context, rawURL string, identity model.BotIdentity, options Options) (*Session, error) {
	options = normalizeOptions(options)
	identity = model.NormalizeIdentity(string(identity))
	if !identity.Valid() {
		return nil, model.Errorf(model.CodeConnectError, "identity is required")
	}
	codec, err := protocol.CodecByName(options.Codec)
	if err != nil {
		return nil, model.WrapError(model.CodeConnectError, err, "select codec")
	}
	target, err := dialURL(rawURL, codec)
	if err != nil {
		return nil, model.WrapError(model.CodeConnectError, err, "parse router url")
	}

	dialCtx, cancel := context.WithTimeout(ctx, options.ConnectTimeout)
	defer cancel()
	ws, _, err := options.Dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return nil, model.WrapError(model.CodeConnectError, err, "dial "+target)
	}

	s := &Session{
		identity: identity,
		opts:     options,
		logger:   options.Logger,
		codec:    codec,
		ws:       ws,
		engine:   waiter.NewEngine(options.Logger),
		broker:   newUpdateBroker(options.UpdateBuffer),
		slot:     make(chan struct{}, 1),
		inflight: make(map[string]chan sendOutcome),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if err := s.handshake(dialCtx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

func dialURL(rawURL string, codec protocol.Codec) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/sdk"
	}
	if codec.Name() != protocol.CodecJSON {
		query := parsed.Query()
		query.Set("codec", codec.Name())
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.write(protocol.HelloFrame(model.ConnRoleController, s.identity)); err != nil {
		return model.WrapError(model.CodeConnectError, err, "send hello")
	}
	deadline := time.Now().Add(s.opts.ConnectTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = s.ws.SetReadDeadline(deadline)
	defer s.ws.SetReadDeadline(time.Time{})

	_, payload, err := s.ws.ReadMessage()
	if err != nil {
		return model.WrapError(model.CodeConnectError, err, "read welcome")
	}
	frame, err := s.codec.Decode(payload)
	if err != nil {
		return model.WrapError(model.CodeConnectError, err, "decode welcome")
	}
	switch frame.Type {
	case protocol.FrameWelcome:
	case protocol.FrameError:
		return model.Errorf(model.CodeConnectError, "router refused handshake: %s", frame.Message)
	default:
		return model.Errorf(model.CodeConnectError, "expected welcome, got %s", frame.Type)
	}

	s.mu.Lock()
	s.connectionID = frame.ConnectionID
	s.epoch = frame.Epoch
	s.online = frame.Online
	s.mu.Unlock()
	if frame.Snapshot != nil {
		s.acceptState(frame.Epoch, *frame.Snapshot, nil)
	}
	s.logf("event=connected connection=%s epoch=%d online=%t codec=%s", frame.ConnectionID, frame.Epoch, frame.Online, s.codec.Name())
	return nil
}

func (s *Session) Identity() model.BotIdentity { return s.identity }

func (s *Session) ConnectionID() string { return s.connectionID }

// Engine exposes the session's wait engine.
func (s *Session) Engine() *waiter.Engine { return s.engine }

// State returns the latest snapshot, if any.
func (s *Session) State() (model.WorldState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return model.WorldState{}, false
	}
	return *s.state, true
}

// PreviousState returns the snapshot before the latest one within the current
// epoch.
func (s *Session) PreviousState() (model.WorldState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.previous == nil {
		return model.WorldState{}, false
	}
	return *s.previous, true
}

func (s *Session) LastDelta() (model.StateDelta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastDelta == nil {
		return model.StateDelta{}, false
	}
	return *s.lastDelta, true
}

func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Online reports whether the router last said a bridge is connected.
func (s *Session) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online && s.closeErr == nil
}

// Subscribe returns a stream of accepted snapshots.
func (s *Session) Subscribe() (<-chan Update, func()) {
	return s.broker.Subscribe()
}

// Await blocks until predicate holds on a snapshot, the timeout elapses, or ctx
// is done. Cached state is left untouched on timeout.
func (s *Session) Await(ctx context.Context, predicate waiter.Predicate, timeout time.Duration) (model.WorldState, error) {
	return s.engine.Await(ctx, predicate, timeout)
}

func (s *Session) CancelOwner(owner string, cause error) int {
	return s.engine.CancelOwner(owner, cause)
}

// Done is closed once the session has been closed or lost its connection.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}

// Send issues one catalogued action and waits for its result. Only one action
// is in flight per session; a second Send waits for the first to finish.
func (s *Session) Send(ctx context.Context, method string, args map[string]any) (model.ActionResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	if err := protocol.CheckArgs(method, args); err != nil {
		return model.ActionResult{}, err
	}
	if err := s.Err(); err != nil {
		return model.ActionResult{}, err
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return model.ActionResult{}, model.WrapError(model.CodeCancelled, ctx.Err(), "waiting for send slot")
	case <-s.done:
		return model.ActionResult{}, s.Err()
	}
	defer func() { <-s.slot }()

	request := model.ActionRequest{
		ID:     protocol.NewCorrelationID(),
		Method: method,
		Args:   args,
	}
	if state, ok := s.State(); ok {
		request.Tick = state.Tick
	}
	outcome := make(chan sendOutcome, 1)
	s.inflightMu.Lock()
	s.inflight[request.ID] = outcome
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, request.ID)
		s.inflightMu.Unlock()
	}()

	if err := s.write(protocol.ActionFrame(request)); err != nil {
		return model.ActionResult{}, model.WrapError(model.CodeNotConnected, err, "send "+method)
	}

	timer := time.NewTimer(s.opts.ActionTimeout)
	defer timer.Stop()
	select {
	case got := <-outcome:
		if got.err != nil {
			return model.ActionResult{}, got.err
		}
		return got.result, got.result.Err()
	case <-timer.C:
		return model.ActionResult{}, model.Errorf(model.CodeTimeout, "%s %s: no result within %s", method, request.ID, s.opts.ActionTimeout)
	case <-ctx.Done():
		return model.ActionResult{}, model.WrapError(model.CodeCancelled, context.Cause(ctx), method+" cancelled")
	case <-s.done:
		return model.ActionResult{}, s.Err()
	}
}

// Close ends the session. Pending sends and waits fail with NOT_CONNECTED.
func (s *Session) Close() error {
	s.shutdown(model.Errorf(model.CodeNotConnected, "session closed"))
	s.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.opts.WriteTimeout))
	s.writeMu.Unlock()
	err := s.ws.Close()
	<-s.readDone
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.online = false
		s.mu.Unlock()
		close(s.done)

		s.inflightMu.Lock()
		for id, outcome := range s.inflight {
			outcome <- sendOutcome{err: cause}
			delete(s.inflight, id)
		}
		s.inflightMu.Unlock()

		failed := s.engine.Close(cause)
		s.broker.Close()
		s.logf("event=closed failed_waiters=%d stale_updates=%d cause=%q", failed, s.broker.Stale(), cause.Error())
	})
}

func (s *Session) write(frame protocol.Frame) error {
	payload, err := s.codec.Encode(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.ws.WriteMessage(s.codec.MessageType(), payload)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			s.shutdown(model.WrapError(model.CodeNotConnected, err, "router connection lost"))
			return
		}
		frame, err := s.codec.Decode(payload)
		if err != nil {
			s.logf("event=frame_rejected error=%q", err.Error())
			continue
		}
		s.handle(frame)
	}
}

func (s *Session) handle(frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameState:
		s.acceptState(frame.Epoch, *frame.Snapshot, frame.Delta)
	case protocol.FrameActionResult:
		s.deliver(frame.ActionResult())
	case protocol.FrameBridgeStatus:
		s.bridgeStatus(frame.Online, frame.Epoch)
	case protocol.FrameError:
		s.logf("event=router_error code=%s message=%q", frame.Code, frame.Message)
	default:
		s.logf("event=frame_ignored type=%s", frame.Type)
	}
}

// acceptState caches state and feeds the engine. A new epoch starts a new tick
// domain, so the previous snapshot is forgotten first.
func (s *Session) acceptState(epoch uint64, state model.WorldState, change *model.StateDelta) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.epoch = epoch
		s.state = nil
		s.engine.Reset()
	}
	s.previous = s.state
	if change == nil {
		computed := delta.Compute(s.previous, state)
		change = &computed
	}
	snapshot := state
	s.state = &snapshot
	s.lastDelta = change
	s.mu.Unlock()

	s.engine.Observe(state)
	s.broker.Publish(Update{Epoch: epoch, State: state, Delta: *change})
}

func (s *Session) bridgeStatus(online bool, epoch uint64) {
	s.mu.Lock()
	s.online = online
	if online && epoch != s.epoch {
		s.epoch = epoch
		s.state = nil
		s.previous = nil
		s.lastDelta = nil
		s.engine.Reset()
	}
	s.mu.Unlock()

	if !online {
		failed := s.engine.FailAll(model.Errorf(model.CodeNotConnected, "bridge for %s went offline", s.identity))
		s.logf("event=bridge_offline failed_waiters=%d", failed)
		return
	}
	s.logf("event=bridge_online epoch=%d", epoch)
}

func (s *Session) deliver(result model.ActionResult) {
	s.inflightMu.Lock()
	outcome, ok := s.inflight[result.ID]
	if ok {
		delete(s.inflight, result.ID)
	}
	s.inflightMu.Unlock()
	if !ok {
		s.logf("event=result_dropped id=%s", result.ID)
		return
	}
	outcome <- sendOutcome{result: result}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	prefix := []any{s.identity}
	s.logger.Printf("session: identity=%s "+format, append(prefix, args...)...)
}
