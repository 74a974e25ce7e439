package router

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sdkrouter/internal/hsm"
	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
)

// peer is one accepted websocket connection. Only its read loop reads from ws
// and only its writer goroutine writes to it.
type peer struct {
	id       string
	role     model.ConnRole
	identity model.BotIdentity
	codec    protocol.Codec
	ws       *websocket.Conn
	logger   *log.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}

	mu          sync.Mutex
	state       model.ConnState
	closeReason string

	// owned by the read loop
	decodeErrors int
	lastTick     int64
	hasTick      bool
}

func newPeer(id string, ws *websocket.Conn, codec protocol.Codec, queue int, logger *log.Logger) *peer {
	if queue <= 0 {
		queue = 256
	}
	return &peer{
		id:        id,
		codec:     codec,
		ws:        ws,
		logger:    logger,
		send:      make(chan []byte, queue),
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
		state:     model.ConnStateHandshaking,
	}
}

func (p *peer) transition(next model.ConnState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == next {
		return true
	}
	if !hsm.CanTransitionConn(p.state, next) {
		return false
	}
	p.state = next
	return true
}

func (p *peer) State() model.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// enqueue encodes frame and queues it without blocking. It reports false when
// the peer is closed or its queue is full.
func (p *peer) enqueue(frame protocol.Frame) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	payload, err := p.codec.Encode(frame)
	if err != nil {
		p.logf("encode_error=%q type=%s", err.Error(), frame.Type)
		return false
	}
	select {
	case p.send <- payload:
		return true
	default:
		return false
	}
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// close asks the writer to flush what is queued and then close the socket.
func (p *peer) close(reason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeReason = reason
		if hsm.CanTransitionConn(p.state, model.ConnStateClosing) {
			p.state = model.ConnStateClosing
		}
		p.mu.Unlock()
		close(p.closed)
	})
}

func (p *peer) writeLoop(writeTimeout, pingInterval time.Duration) {
	defer close(p.writeDone)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.ws.Close()

	for {
		select {
		case payload := <-p.send:
			if err := p.write(payload, writeTimeout); err != nil {
				p.close("write failed: " + err.Error())
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := p.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.close("ping failed: " + err.Error())
				return
			}
		case <-p.closed:
			p.flush(writeTimeout)
			return
		}
	}
}

func (p *peer) flush(writeTimeout time.Duration) {
	for {
		select {
		case payload := <-p.send:
			if err := p.write(payload, writeTimeout); err != nil {
				return
			}
		default:
			p.mu.Lock()
			reason := p.closeReason
			p.mu.Unlock()
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason))
			_ = p.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeTimeout))
			return
		}
	}
}

func (p *peer) write(payload []byte, writeTimeout time.Duration) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteMessage(p.codec.MessageType(), payload)
}

func (p *peer) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	prefix := []any{p.id, p.role, p.identity}
	p.logger.Printf("router: conn=%s role=%s identity=%s "+format, append(prefix, args...)...)
}

// close frame reasons are limited to 123 bytes.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}
