package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
)

type testConn struct {
	t       *testing.T
	ws      *websocket.Conn
	codec   protocol.Codec
	welcome protocol.Frame
}

func newTestServer(t *testing.T, options Options) (*Router, *httptest.Server) {
	t.Helper()
	router := New(options)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		router.Close()
		server.Close()
	})
	return router, server
}

func dialRaw(t *testing.T, server *httptest.Server, codec string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sdk"
	if codec != "" {
		url += "?codec=" + codec
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial router: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func connect(t *testing.T, server *httptest.Server, role model.ConnRole, identity string) *testConn {
	t.Helper()
	conn := &testConn{t: t, ws: dialRaw(t, server, ""), codec: protocol.JSONCodec{}}
	conn.send(protocol.HelloFrame(role, model.BotIdentity(identity)))
	conn.welcome = conn.next(protocol.FrameWelcome)
	return conn
}

func (c *testConn) send(frame protocol.Frame) {
	c.t.Helper()
	payload, err := c.codec.Encode(frame)
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	if err := c.ws.WriteMessage(c.codec.MessageType(), payload); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testConn) read(timeout time.Duration) (protocol.Frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return c.codec.Decode(payload)
}

// next reads frames until one of frameType arrives, skipping bridge_status
// frames unless they are the one asked for.
func (c *testConn) next(frameType protocol.FrameType) protocol.Frame {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
		if frame.Type != protocol.FrameBridgeStatus {
			c.t.Fatalf("expected %s frame, got %s (%+v)", frameType, frame.Type, frame)
		}
	}
	c.t.Fatalf("timed out waiting for %s frame", frameType)
	return protocol.Frame{}
}

func (c *testConn) expectSilence(window time.Duration) {
	c.t.Helper()
	frame, err := c.read(window)
	if err == nil {
		c.t.Fatalf("expected no frame, got %s (%+v)", frame.Type, frame)
	}
}

func (c *testConn) expectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.read(time.Until(deadline)); err != nil {
			return
		}
	}
	c.t.Fatalf("expected connection to be closed")
}

func action(id string, method string, args map[string]any) protocol.Frame {
	return protocol.ActionFrame(model.ActionRequest{ID: id, Method: method, Args: args})
}

func stateAt(tick int64, x int) protocol.Frame {
	return protocol.StateFrame(0, model.WorldState{Tick: tick, Player: model.PlayerState{X: x, Z: 10}}, nil)
}

func TestActionsAndResultsStayWithinIdentity(t *testing.T) {
	_, server := newTestServer(t, Options{})
	alphaBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	betaBridge := connect(t, server, model.ConnRoleBridge, "beta")
	alpha := connect(t, server, model.ConnRoleController, "alpha")
	beta := connect(t, server, model.ConnRoleController, "beta")

	if !alpha.welcome.Online || alpha.welcome.Epoch != 1 {
		t.Fatalf("expected online welcome with epoch 1, got %+v", alpha.welcome)
	}

	alpha.send(action("a1", protocol.MethodMoveTo, map[string]any{"x": 10, "z": 20}))
	beta.send(action("b1", protocol.MethodSay, map[string]any{"text": "hi"}))

	gotAlpha := alphaBridge.next(protocol.FrameAction)
	if gotAlpha.ID != "a1" || gotAlpha.Method != protocol.MethodMoveTo {
		t.Fatalf("alpha bridge got wrong action %+v", gotAlpha)
	}
	gotBeta := betaBridge.next(protocol.FrameAction)
	if gotBeta.ID != "b1" {
		t.Fatalf("beta bridge got wrong action %+v", gotBeta)
	}
	alphaBridge.expectSilence(100 * time.Millisecond)

	alphaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "a1", Success: true, Tick: 42}))
	betaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "b1", Success: false, Message: "muted"}))

	result := alpha.next(protocol.FrameActionResult)
	if result.ID != "a1" || !result.Success || result.Tick != 42 {
		t.Fatalf("alpha got wrong result %+v", result)
	}
	result = beta.next(protocol.FrameActionResult)
	if result.ID != "b1" || result.Success || result.Message != "muted" {
		t.Fatalf("beta got wrong result %+v", result)
	}
	alpha.expectSilence(100 * time.Millisecond)
}

func TestResultFromOtherIdentityIsDropped(t *testing.T) {
	router, server := newTestServer(t, Options{})
	alphaBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	betaBridge := connect(t, server, model.ConnRoleBridge, "beta")
	alpha := connect(t, server, model.ConnRoleController, "alpha")

	alpha.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	alphaBridge.next(protocol.FrameAction)
	betaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "a1", Success: true}))
	alpha.expectSilence(150 * time.Millisecond)

	alphaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "a1", Success: true}))
	if result := alpha.next(protocol.FrameActionResult); result.ID != "a1" || !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
	if stats := router.Stats(); stats.Results != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestActionWithoutBridgeFailsNotConnected(t *testing.T) {
	_, server := newTestServer(t, Options{})
	controller := connect(t, server, model.ConnRoleController, "alpha")
	if controller.welcome.Online {
		t.Fatalf("expected offline welcome")
	}
	controller.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	result := controller.next(protocol.FrameActionResult)
	if result.Success || result.Code != model.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED result, got %+v", result)
	}
}

func TestBridgeDisconnectFailsPendingOnlyForThatIdentity(t *testing.T) {
	_, server := newTestServer(t, Options{})
	alphaBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	betaBridge := connect(t, server, model.ConnRoleBridge, "beta")
	alpha := connect(t, server, model.ConnRoleController, "alpha")
	beta := connect(t, server, model.ConnRoleController, "beta")

	alpha.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	beta.send(action("b1", protocol.MethodSay, map[string]any{"text": "hi"}))
	alphaBridge.next(protocol.FrameAction)
	betaBridge.next(protocol.FrameAction)

	_ = alphaBridge.ws.Close()

	status := alpha.next(protocol.FrameBridgeStatus)
	if status.Online {
		t.Fatalf("expected offline bridge status, got %+v", status)
	}
	result := alpha.next(protocol.FrameActionResult)
	if result.ID != "a1" || result.Code != model.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED for a1, got %+v", result)
	}

	betaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "b1", Success: true}))
	if result := beta.next(protocol.FrameActionResult); result.ID != "b1" || !result.Success {
		t.Fatalf("beta should be unaffected, got %+v", result)
	}
}

func TestStateFanOutDropsTickRegression(t *testing.T) {
	router, server := newTestServer(t, Options{})
	bridge := connect(t, server, model.ConnRoleBridge, "alpha")
	first := connect(t, server, model.ConnRoleController, "alpha")
	second := connect(t, server, model.ConnRoleController, "alpha")

	bridge.send(stateAt(5, 100))
	bridge.send(stateAt(3, 101))
	bridge.send(stateAt(6, 102))

	for _, controller := range []*testConn{first, second} {
		frame := controller.next(protocol.FrameState)
		if frame.Tick != 5 || frame.Delta == nil || !frame.Delta.Reset {
			t.Fatalf("expected reset state at tick 5, got %+v", frame)
		}
		frame = controller.next(protocol.FrameState)
		if frame.Tick != 6 {
			t.Fatalf("expected tick 6 after dropped regression, got %d", frame.Tick)
		}
		if frame.Delta == nil || frame.Delta.FromTick != 5 || !frame.Delta.Moved {
			t.Fatalf("expected movement delta from tick 5, got %+v", frame.Delta)
		}
		if frame.Epoch != 1 {
			t.Fatalf("expected epoch 1, got %d", frame.Epoch)
		}
	}
	stats := router.Stats()
	if stats.StatesAccepted != 2 || stats.StatesDropped != 1 {
		t.Fatalf("unexpected state stats %+v", stats)
	}

	late := connect(t, server, model.ConnRoleController, "alpha")
	if late.welcome.Snapshot == nil || late.welcome.Snapshot.Tick != 6 {
		t.Fatalf("expected cached snapshot at tick 6 in welcome, got %+v", late.welcome.Snapshot)
	}
	detail, ok := router.Session("alpha")
	if !ok || detail.State == nil || detail.Summary.Subscribers != 3 || !detail.Summary.Online {
		t.Fatalf("unexpected session detail %+v", detail)
	}
}

func TestMalformedFramesAreIsolated(t *testing.T) {
	router, server := newTestServer(t, Options{})
	alphaBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	betaBridge := connect(t, server, model.ConnRoleBridge, "beta")
	alpha := connect(t, server, model.ConnRoleController, "alpha")
	beta := connect(t, server, model.ConnRoleController, "beta")

	if err := alpha.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errFrame := alpha.next(protocol.FrameError)
	if errFrame.Code != model.CodeProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %+v", errFrame)
	}

	alpha.send(action("a1", protocol.MethodSay, map[string]any{"text": "still here"}))
	if got := alphaBridge.next(protocol.FrameAction); got.ID != "a1" {
		t.Fatalf("expected a1 after malformed frame, got %+v", got)
	}

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		_ = alpha.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`))
	}
	alpha.expectClosed()

	beta.send(action("b1", protocol.MethodSay, map[string]any{"text": "hi"}))
	betaBridge.next(protocol.FrameAction)
	betaBridge.send(protocol.ResultFrame(model.ActionResult{ID: "b1", Success: true}))
	if result := beta.next(protocol.FrameActionResult); !result.Success {
		t.Fatalf("beta should be unaffected, got %+v", result)
	}
	if stats := router.Stats(); stats.RejectedFrames != int64(maxDecodeErrorsPerConn+1) {
		t.Fatalf("expected %d rejected frames, got %d", maxDecodeErrorsPerConn+1, stats.RejectedFrames)
	}
}

func TestNewBridgeSupersedesPrevious(t *testing.T) {
	_, server := newTestServer(t, Options{})
	oldBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	controller := connect(t, server, model.ConnRoleController, "alpha")

	controller.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	oldBridge.next(protocol.FrameAction)

	newBridge := connect(t, server, model.ConnRoleBridge, "alpha")
	if newBridge.welcome.Epoch != 2 {
		t.Fatalf("expected epoch 2 for the new bridge, got %d", newBridge.welcome.Epoch)
	}
	status := controller.next(protocol.FrameBridgeStatus)
	if !status.Online || status.Epoch != 2 {
		t.Fatalf("expected online status with epoch 2, got %+v", status)
	}
	result := controller.next(protocol.FrameActionResult)
	if result.ID != "a1" || result.Code != model.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED for superseded action, got %+v", result)
	}
	oldBridge.expectClosed()

	controller.send(action("a2", protocol.MethodSay, map[string]any{"text": "again"}))
	if got := newBridge.next(protocol.FrameAction); got.ID != "a2" {
		t.Fatalf("expected a2 on the new bridge, got %+v", got)
	}
}

func TestPendingActionsAreEvictedWithTimeout(t *testing.T) {
	router, server := newTestServer(t, Options{PendingTTL: 60 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)

	bridge := connect(t, server, model.ConnRoleBridge, "alpha")
	controller := connect(t, server, model.ConnRoleController, "alpha")
	controller.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	bridge.next(protocol.FrameAction)

	result := controller.next(protocol.FrameActionResult)
	if result.ID != "a1" || result.Code != model.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", result)
	}

	bridge.send(protocol.ResultFrame(model.ActionResult{ID: "a1", Success: true}))
	controller.expectSilence(100 * time.Millisecond)
	if stats := router.Stats(); stats.Evicted != 1 || stats.Results != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	cancel()
	if !router.Wait(time.Second) {
		t.Fatalf("sweeper did not stop")
	}
	if snapshot := router.SweeperSnapshot(); snapshot.TotalEvicted != 1 || snapshot.Running {
		t.Fatalf("unexpected sweeper snapshot %+v", snapshot)
	}
}

func TestDuplicateActionIDIsRejected(t *testing.T) {
	_, server := newTestServer(t, Options{})
	bridge := connect(t, server, model.ConnRoleBridge, "alpha")
	controller := connect(t, server, model.ConnRoleController, "alpha")

	controller.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	controller.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	bridge.next(protocol.FrameAction)
	result := controller.next(protocol.FrameActionResult)
	if result.ID != "a1" || result.Code != model.CodeActionRejected {
		t.Fatalf("expected ACTION_REJECTED for duplicate id, got %+v", result)
	}
	bridge.expectSilence(100 * time.Millisecond)
}

func TestHandshakeRequiresHello(t *testing.T) {
	_, server := newTestServer(t, Options{})
	conn := &testConn{t: t, ws: dialRaw(t, server, ""), codec: protocol.JSONCodec{}}
	conn.send(action("a1", protocol.MethodSay, map[string]any{"text": "hi"}))
	frame := conn.next(protocol.FrameError)
	if frame.Code != model.CodeConnectError {
		t.Fatalf("expected CONNECT_ERROR, got %+v", frame)
	}
	conn.expectClosed()
}

func TestMsgpackControllerInteroperatesWithJSONBridge(t *testing.T) {
	_, server := newTestServer(t, Options{})
	bridge := connect(t, server, model.ConnRoleBridge, "alpha")
	controller := &testConn{t: t, ws: dialRaw(t, server, protocol.CodecMsgpack), codec: protocol.MsgpackCodec{}}
	controller.send(protocol.HelloFrame(model.ConnRoleController, "alpha"))
	controller.next(protocol.FrameWelcome)

	controller.send(action("a1", protocol.MethodMoveTo, map[string]any{"x": 3, "z": 4}))
	got := bridge.next(protocol.FrameAction)
	x, err := protocol.ArgInt(got.Args, "x")
	if err != nil || x != 3 {
		t.Fatalf("expected x=3 across codecs, got %v (%v)", got.Args, err)
	}

	bridge.send(stateAt(9, 1))
	if frame := controller.next(protocol.FrameState); frame.Tick != 9 {
		t.Fatalf("expected msgpack state frame at tick 9, got %+v", frame)
	}
}

func TestJSONControllerSendsNumericArgsToMsgpackBridge(t *testing.T) {
	_, server := newTestServer(t, Options{})
	bridge := &testConn{t: t, ws: dialRaw(t, server, protocol.CodecMsgpack), codec: protocol.MsgpackCodec{}}
	bridge.send(protocol.HelloFrame(model.ConnRoleBridge, "alpha"))
	bridge.next(protocol.FrameWelcome)
	controller := connect(t, server, model.ConnRoleController, "alpha")

	controller.send(action("a1", protocol.MethodMoveTo, map[string]any{"x": 3200, "z": 3201, "running": false}))
	got := bridge.next(protocol.FrameAction)
	for _, key := range []string{"x", "z"} {
		switch value := got.Args[key].(type) {
		case int8, int16, int32, int64, uint8, uint16, uint32, uint64, int, uint, float32, float64:
		default:
			t.Fatalf("expected numeric %s at the msgpack bridge, got %T %v", key, value, value)
		}
	}
	if x, err := protocol.ArgInt(got.Args, "x"); err != nil || x != 3200 {
		t.Fatalf("expected x=3200, got %v (%v)", got.Args["x"], err)
	}
}

func TestSnapshotsReachSink(t *testing.T) {
	sink := &recordingSink{}
	_, server := newTestServer(t, Options{Snapshots: sink})
	bridge := connect(t, server, model.ConnRoleBridge, "alpha")
	controller := connect(t, server, model.ConnRoleController, "alpha")
	bridge.send(stateAt(11, 1))
	controller.next(protocol.FrameState)

	deadline := time.Now().Add(time.Second)
	for {
		sink.mu.Lock()
		ticks := append([]int64(nil), sink.ticks...)
		epochs := append([]uint64(nil), sink.epochs...)
		sink.mu.Unlock()
		if len(ticks) == 1 {
			if ticks[0] != 11 || epochs[0] != 1 {
				t.Fatalf("unexpected sink contents ticks=%v epochs=%v", ticks, epochs)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	ticks  []int64
	epochs []uint64
}

func (s *recordingSink) PublishSnapshot(_ model.BotIdentity, epoch uint64, state model.WorldState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, state.Tick)
	s.epochs = append(s.epochs, epoch)
}
