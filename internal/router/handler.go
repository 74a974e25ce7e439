package router

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sdkrouter/internal/delta"
	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
)

// ServeHTTP upgrades to a websocket and runs the connection until it closes.
// The codec is chosen with the "codec" query parameter (json or msgpack).
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	codec, err := protocol.CodecByName(req.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logf("event=upgrade_failed remote=%s error=%q", req.RemoteAddr, errorText(err))
		return
	}
	ws.SetReadLimit(r.opts.MaxFrameBytes)

	p := newPeer(uuid.NewString(), ws, codec, r.opts.SendQueue, r.logger)
	if !r.track(p) {
		r.rejectHandshake(p, model.Errorf(model.CodeConnectError, "router is shutting down"))
		return
	}
	defer r.untrack(p)

	hello, err := r.readHello(p)
	if err != nil {
		r.rejectHandshake(p, err)
		return
	}
	p.role = hello.Role
	p.identity = model.NormalizeIdentity(hello.Identity)
	_ = ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})

	go p.writeLoop(r.opts.WriteTimeout, r.opts.PingInterval)
	p.transition(model.ConnStateActive)
	switch p.role {
	case model.ConnRoleBridge:
		r.attachBridge(p)
		defer r.detachBridge(p)
	case model.ConnRoleController:
		r.attachController(p)
		defer r.detachController(p)
	}
	p.logf("event=connected codec=%s remote=%s", codec.Name(), req.RemoteAddr)

	r.readLoop(p)

	p.close("connection closed")
	<-p.writeDone
	p.transition(model.ConnStateClosed)
}

func (r *Router) readHello(p *peer) (protocol.Frame, error) {
	_ = p.ws.SetReadDeadline(time.Now().Add(r.opts.HandshakeTimeout))
	_, payload, err := p.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, model.WrapError(model.CodeConnectError, err, "handshake read")
	}
	frame, err := p.codec.Decode(payload)
	if err != nil {
		return protocol.Frame{}, model.WrapError(model.CodeConnectError, err, "handshake decode")
	}
	if frame.Type != protocol.FrameHello {
		return protocol.Frame{}, model.Errorf(model.CodeConnectError, "first frame must be hello, got %s", frame.Type)
	}
	return frame, nil
}

// rejectHandshake writes an error frame directly; the writer is not running yet.
func (r *Router) rejectHandshake(p *peer, err error) {
	r.logf("conn=%s event=handshake_rejected error=%q", p.id, errorText(err))
	frame := protocol.ErrorFrame(model.CodeConnectError, errorText(err))
	if payload, encodeErr := p.codec.Encode(frame); encodeErr == nil {
		_ = p.write(payload, r.opts.WriteTimeout)
	}
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "handshake failed")
	_ = p.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(r.opts.WriteTimeout))
	_ = p.ws.Close()
	p.transition(model.ConnStateClosed)
}

func (r *Router) readLoop(p *peer) {
	for {
		_, payload, err := p.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				p.logf("event=read_closed error=%q", errorText(err))
			}
			return
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		frame, err := p.codec.Decode(payload)
		if err != nil {
			if !r.rejectFrame(p, err) {
				return
			}
			continue
		}
		if err := r.dispatch(p, frame); err != nil {
			if !r.rejectFrame(p, err) {
				return
			}
		}
	}
}

// rejectFrame answers a bad frame with an error frame. It reports false once
// the connection has exceeded its decode error budget and has been closed.
func (r *Router) rejectFrame(p *peer, err error) bool {
	r.rejectedFrames.Add(1)
	p.decodeErrors++
	p.logf("event=frame_rejected count=%d error=%q", p.decodeErrors, errorText(err))
	p.enqueue(protocol.ErrorFrame(model.CodeProtocolError, errorText(err)))
	if p.decodeErrors > maxDecodeErrorsPerConn {
		p.close("too many malformed frames")
		return false
	}
	return true
}

func (r *Router) dispatch(p *peer, frame protocol.Frame) error {
	switch p.role {
	case model.ConnRoleBridge:
		switch frame.Type {
		case protocol.FrameState:
			r.acceptState(p, frame)
			return nil
		case protocol.FrameActionResult:
			r.acceptResult(p, frame.ActionResult())
			return nil
		}
	case model.ConnRoleController:
		if frame.Type == protocol.FrameAction {
			r.forwardAction(p, frame.ActionRequest())
			return nil
		}
	}
	return model.Errorf(model.CodeProtocolError, "%s frames are not accepted from a %s", frame.Type, p.role)
}

func (r *Router) attachBridge(p *peer) {
	var previous *peer
	now := time.Now().UTC()
	r.registry.with(p.identity, true, func(entry *sessionEntry) {
		previous = entry.bridge()
		entry.epoch++
		entry.link = connected{peer: p, epoch: entry.epoch, since: now}
		welcome := protocol.Frame{
			Type:         protocol.FrameWelcome,
			ConnectionID: p.id,
			Identity:     string(p.identity),
			Role:         p.role,
			Epoch:        entry.epoch,
			Online:       true,
		}
		p.enqueue(welcome)
		r.broadcastLocked(entry, bridgeStatusFrame(entry))
	})
	if previous != nil {
		r.failPending(r.pending.takeBridge(previous), model.CodeNotConnected, "bridge superseded by a newer connection")
		previous.close("superseded by a newer bridge")
		p.logf("event=bridge_superseded previous=%s", previous.id)
	}
}

func (r *Router) detachBridge(p *peer) {
	current := false
	r.registry.with(p.identity, false, func(entry *sessionEntry) {
		if entry == nil || entry.bridge() != p {
			return
		}
		current = true
		entry.link = disconnected{since: time.Now().UTC()}
		r.broadcastLocked(entry, bridgeStatusFrame(entry))
	})
	r.failPending(r.pending.takeBridge(p), model.CodeNotConnected, "bridge disconnected")
	if current {
		p.logf("event=bridge_offline")
	}
}

func (r *Router) attachController(p *peer) {
	r.registry.with(p.identity, true, func(entry *sessionEntry) {
		entry.subscribers[p.id] = p
		welcome := protocol.Frame{
			Type:         protocol.FrameWelcome,
			ConnectionID: p.id,
			Identity:     string(p.identity),
			Role:         p.role,
			Epoch:        entry.epoch,
			Online:       entry.online(),
		}
		if entry.state != nil && entry.stateEpoch == entry.epoch {
			snapshot := entry.state.Clone()
			welcome.Snapshot = &snapshot
			welcome.Tick = snapshot.Tick
		}
		p.enqueue(welcome)
	})
}

func (r *Router) detachController(p *peer) {
	r.registry.with(p.identity, false, func(entry *sessionEntry) {
		if entry != nil {
			delete(entry.subscribers, p.id)
		}
	})
	// Results for these ids arrive later and are dropped as unknown.
	dropped := r.pending.takeController(p)
	p.logf("event=controller_closed dropped_pending=%d", len(dropped))
}

func (r *Router) forwardAction(controller *peer, request model.ActionRequest) {
	var failure *model.Error
	r.registry.with(controller.identity, true, func(entry *sessionEntry) {
		bridge := entry.bridge()
		if bridge == nil {
			failure = model.Errorf(model.CodeNotConnected, "no bridge connected for %s", controller.identity)
			return
		}
		item := pendingAction{
			id:         request.ID,
			method:     request.Method,
			identity:   controller.identity,
			controller: controller,
			bridge:     bridge,
			issuedAt:   time.Now(),
		}
		if !r.pending.add(item) {
			failure = model.Errorf(model.CodeActionRejected, "action id %s is already in flight", request.ID)
			return
		}
		if !bridge.enqueue(protocol.ActionFrame(request)) {
			r.pending.remove(request.ID)
			failure = model.Errorf(model.CodeNotConnected, "bridge for %s is not accepting actions", controller.identity)
			return
		}
	})
	if failure != nil {
		controller.logf("event=action_failed id=%s method=%s code=%s", request.ID, request.Method, failure.Code)
		r.replyFailure(controller, request.ID, failure.Code, failure.Message)
		return
	}
	r.forwarded.Add(1)
}

func (r *Router) acceptResult(bridge *peer, result model.ActionResult) {
	item, ok := r.pending.takeResult(result.ID, bridge)
	if !ok {
		bridge.logf("event=result_dropped id=%s reason=unknown_id", result.ID)
		return
	}
	r.results.Add(1)
	if !item.controller.enqueue(protocol.ResultFrame(result)) {
		r.closeSlowController(item.controller)
	}
}

func (r *Router) acceptState(bridge *peer, frame protocol.Frame) {
	if bridge.hasTick && frame.Tick < bridge.lastTick {
		r.statesDropped.Add(1)
		bridge.logf("event=state_dropped code=%s tick=%d last_tick=%d", model.CodeProtocolError, frame.Tick, bridge.lastTick)
		return
	}
	bridge.lastTick = frame.Tick
	bridge.hasTick = true

	state := *frame.Snapshot
	var epoch uint64
	accepted := false
	r.registry.with(bridge.identity, false, func(entry *sessionEntry) {
		if entry == nil || entry.bridge() != bridge {
			return
		}
		var prev *model.WorldState
		if entry.state != nil && entry.stateEpoch == entry.epoch {
			prev = entry.state
		}
		change := delta.Compute(prev, state)
		entry.state = &state
		entry.stateEpoch = entry.epoch
		entry.lastStateAt = timePtr(time.Now().UTC())
		epoch = entry.epoch
		accepted = true
		r.statesAccepted.Add(1)
		r.broadcastLocked(entry, protocol.StateFrame(entry.epoch, state, &change))
	})
	if !accepted {
		r.statesDropped.Add(1)
		return
	}
	if r.opts.Snapshots != nil {
		r.opts.Snapshots.PublishSnapshot(bridge.identity, epoch, state)
	}
}

// broadcastLocked queues frame for every controller of entry. Controllers that
// cannot keep up are closed so the bridge never waits on them.
func (r *Router) broadcastLocked(entry *sessionEntry, frame protocol.Frame) {
	for id, subscriber := range entry.subscribers {
		if !subscriber.enqueue(frame) {
			delete(entry.subscribers, id)
			r.closeSlowController(subscriber)
		}
	}
}

func (r *Router) closeSlowController(controller *peer) {
	if controller.isClosed() {
		return
	}
	controller.logf("event=slow_consumer_closed")
	controller.close("send queue overflow")
}

func (r *Router) failPending(items []pendingAction, code model.ErrorCode, message string) {
	for _, item := range items {
		r.replyFailure(item.controller, item.id, code, message)
	}
}

func (r *Router) replyFailure(controller *peer, id string, code model.ErrorCode, message string) {
	frame := protocol.ResultFrame(model.ActionResult{
		ID:      id,
		Success: false,
		Message: message,
		Code:    code,
	})
	if !controller.enqueue(frame) {
		r.closeSlowController(controller)
	}
}

func bridgeStatusFrame(entry *sessionEntry) protocol.Frame {
	return protocol.Frame{
		Type:     protocol.FrameBridgeStatus,
		Identity: string(entry.identity),
		Epoch:    entry.epoch,
		Online:   entry.online(),
	}
}
