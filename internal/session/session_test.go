package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
	"sdkrouter/internal/router"
	"sdkrouter/internal/waiter"
)

type fakeBridge struct {
	t     *testing.T
	ws    *websocket.Conn
	codec protocol.JSONCodec
}

func startRouter(t *testing.T) *httptest.Server {
	t.Helper()
	r := router.New(router.Options{})
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Close()
		server.Close()
	})
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/sdk"
}

func connectBridge(t *testing.T, server *httptest.Server, identity string) *fakeBridge {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	bridge := &fakeBridge{t: t, ws: ws}
	bridge.send(protocol.HelloFrame(model.ConnRoleBridge, model.BotIdentity(identity)))
	if frame := bridge.read(); frame.Type != protocol.FrameWelcome {
		t.Fatalf("expected welcome, got %+v", frame)
	}
	return bridge
}

func (b *fakeBridge) send(frame protocol.Frame) {
	b.t.Helper()
	payload, err := b.codec.Encode(frame)
	if err != nil {
		b.t.Fatalf("encode: %v", err)
	}
	if err := b.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		b.t.Fatalf("write: %v", err)
	}
}

func (b *fakeBridge) read() protocol.Frame {
	b.t.Helper()
	frame, err := b.tryRead(2 * time.Second)
	if err != nil {
		b.t.Fatalf("bridge read: %v", err)
	}
	return frame
}

func (b *fakeBridge) tryRead(timeout time.Duration) (protocol.Frame, error) {
	_ = b.ws.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := b.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return b.codec.Decode(payload)
}

func (b *fakeBridge) state(state model.WorldState) {
	b.send(protocol.StateFrame(0, state, nil))
}

func dial(t *testing.T, server *httptest.Server, identity string, options Options) *Session {
	t.Helper()
	s, err := Dial(context.Background(), wsURL(server), model.BotIdentity(identity), options)
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nextUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case update, ok := <-updates:
		if !ok {
			t.Fatalf("update stream closed")
		}
		return update
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state update")
	}
	return Update{}
}

func TestDialReceivesCachedSnapshotAndTracksPrevious(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	bridge.state(model.WorldState{Tick: 5, Player: model.PlayerState{X: 1, Z: 1}})
	time.Sleep(50 * time.Millisecond)

	s := dial(t, server, "alpha", Options{})
	if !s.Online() || s.Epoch() != 1 {
		t.Fatalf("expected online session at epoch 1, got online=%t epoch=%d", s.Online(), s.Epoch())
	}
	state, ok := s.State()
	if !ok || state.Tick != 5 {
		t.Fatalf("expected cached snapshot at tick 5, got %+v ok=%t", state, ok)
	}

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()
	bridge.state(model.WorldState{
		Tick:      6,
		Player:    model.PlayerState{X: 2, Z: 1},
		Inventory: []model.Item{{Slot: 0, ID: 1511, Name: "Logs", Count: 1}},
	})
	update := nextUpdate(t, updates)
	if update.State.Tick != 6 || update.Delta.FromTick != 5 {
		t.Fatalf("unexpected update %+v", update)
	}

	previous, ok := s.PreviousState()
	if !ok || previous.Tick != 5 {
		t.Fatalf("expected previous tick 5, got %+v", previous)
	}
	change, ok := s.LastDelta()
	if !ok || len(change.ItemsGained) != 1 || change.ItemsGained[0].Name != "Logs" || !change.Moved {
		t.Fatalf("unexpected delta %+v", change)
	}
}

func TestSendReturnsBridgeResult(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{})

	go func() {
		frame, err := bridge.tryRead(2 * time.Second)
		if err != nil {
			return
		}
		if frame.Method != protocol.MethodMoveTo {
			bridge.send(protocol.ResultFrame(model.ActionResult{ID: frame.ID, Success: false, Message: "wrong method"}))
			return
		}
		bridge.send(protocol.ResultFrame(model.ActionResult{ID: frame.ID, Success: true, Tick: 12}))
		frame, err = bridge.tryRead(2 * time.Second)
		if err != nil {
			return
		}
		bridge.send(protocol.ResultFrame(model.ActionResult{ID: frame.ID, Success: false, Message: "cannot reach"}))
	}()

	result, err := s.MoveTo(context.Background(), 3200, 3200, true)
	if err != nil {
		t.Fatalf("move to: %v", err)
	}
	if !result.Success || result.Tick != 12 {
		t.Fatalf("unexpected result %+v", result)
	}

	_, err = s.InteractObject(context.Background(), 1, 2, 1276, 1)
	if !errors.Is(err, model.ErrActionRejected) {
		t.Fatalf("expected ACTION_REJECTED, got %v", err)
	}
}

func TestSendWithoutBridgeFailsNotConnected(t *testing.T) {
	server := startRouter(t)
	s := dial(t, server, "alpha", Options{})
	if s.Online() {
		t.Fatalf("expected offline session")
	}
	_, err := s.Say(context.Background(), "hello")
	if !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestSendRejectsUnknownMethodLocally(t *testing.T) {
	server := startRouter(t)
	s := dial(t, server, "alpha", Options{})
	if _, err := s.Send(context.Background(), "teleport", nil); !model.IsCode(err, model.CodeProtocolError) {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", err)
	}
	if _, err := s.Send(context.Background(), protocol.MethodMoveTo, map[string]any{"x": 1}); !model.IsCode(err, model.CodeProtocolError) {
		t.Fatalf("expected PROTOCOL_ERROR for missing args, got %v", err)
	}
}

func TestSendsAreSerializedPerSession(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{})

	frames := make(chan protocol.Frame, 4)
	go func() {
		for {
			frame, err := bridge.tryRead(5 * time.Second)
			if err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	}()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Say(context.Background(), "hi")
			errs <- err
		}()
	}

	first := <-frames
	select {
	case frame := <-frames:
		t.Fatalf("second action %s was forwarded while the first was in flight", frame.ID)
	case <-time.After(150 * time.Millisecond):
	}
	bridge.send(protocol.ResultFrame(model.ActionResult{ID: first.ID, Success: true}))

	var second protocol.Frame
	select {
	case second = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("second action never arrived")
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh correlation id")
	}
	bridge.send(protocol.ResultFrame(model.ActionResult{ID: second.ID, Success: true}))
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

func TestLocalActionTimeoutKeepsCachedState(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{ActionTimeout: 80 * time.Millisecond})
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()
	bridge.state(model.WorldState{Tick: 9})
	nextUpdate(t, updates)

	_, err := s.Say(context.Background(), "anyone?")
	if !errors.Is(err, model.ErrTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if state, ok := s.State(); !ok || state.Tick != 9 {
		t.Fatalf("expected cached state tick 9 after timeout, got %+v", state)
	}
}

func TestBridgeOfflineFailsWaiters(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{})

	w := s.Engine().Register(context.Background(), waiter.When(func(state model.WorldState) bool {
		return state.HasItem("Logs")
	}), 5*time.Second)
	_ = bridge.ws.Close()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not failed when the bridge went offline")
	}
	if _, err := w.Result(); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	if s.Online() {
		t.Fatalf("expected session to report offline")
	}
}

func TestAwaitResolvesOnStreamedState(t *testing.T) {
	server := startRouter(t)
	bridge := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{})

	w := s.Engine().Register(context.Background(), waiter.When(func(state model.WorldState) bool {
		return state.HasItem("Logs")
	}), 2*time.Second)
	bridge.state(model.WorldState{Tick: 100})
	bridge.state(model.WorldState{Tick: 2000, Inventory: []model.Item{{ID: 1, Name: "Ashes"}}})
	bridge.state(model.WorldState{Tick: 4000, Inventory: []model.Item{{ID: 1511, Name: "Logs"}}})

	state, err := w.Wait(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if state.Tick != 4000 {
		t.Fatalf("expected tick 4000, got %d", state.Tick)
	}
}

func TestNewEpochForgetsPreviousSnapshot(t *testing.T) {
	server := startRouter(t)
	first := connectBridge(t, server, "alpha")
	s := dial(t, server, "alpha", Options{})
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	first.state(model.WorldState{Tick: 500})
	nextUpdate(t, updates)

	second := connectBridge(t, server, "alpha")
	second.state(model.WorldState{Tick: 1})
	update := nextUpdate(t, updates)
	if update.Epoch != 2 || update.State.Tick != 1 || !update.Delta.Reset {
		t.Fatalf("expected reset update on epoch 2, got %+v", update)
	}
	if _, ok := s.PreviousState(); ok {
		t.Fatalf("previous snapshot must be forgotten across epochs")
	}
}

func TestCloseFailsWaitersAndLaterSends(t *testing.T) {
	server := startRouter(t)
	connectBridge(t, server, "alpha")
	s, err := Dial(context.Background(), wsURL(server), "alpha", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	w := s.Engine().Register(context.Background(), waiter.When(func(model.WorldState) bool { return false }), 5*time.Second)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := w.Wait(context.Background()); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected NOT_CONNECTED waiter, got %v", err)
	}
	if _, err := s.Say(context.Background(), "hi"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected NOT_CONNECTED send after close, got %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}

func TestDialFailureIsConnectError(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/sdk", "alpha", Options{ConnectTimeout: 200 * time.Millisecond})
	if !errors.Is(err, model.ErrConnect) {
		t.Fatalf("expected CONNECT_ERROR, got %v", err)
	}
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1/sdk", " ", Options{}); !errors.Is(err, model.ErrConnect) {
		t.Fatalf("expected CONNECT_ERROR for empty identity, got %v", err)
	}
}

func TestDialURLSelectsCodec(t *testing.T) {
	target, err := dialURL("http://localhost:3100", protocol.MsgpackCodec{})
	if err != nil {
		t.Fatalf("dial url: %v", err)
	}
	if target != "ws://localhost:3100/sdk?codec=msgpack" {
		t.Fatalf("unexpected target %q", target)
	}
}
