package router

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sdkrouter/internal/model"
)

const maxDecodeErrorsPerConn = 3

// SnapshotSink receives every accepted snapshot. Implementations must not block.
type SnapshotSink interface {
	PublishSnapshot(identity model.BotIdentity, epoch uint64, state model.WorldState)
}

type Options struct {
	PendingTTL       time.Duration
	SweepInterval    time.Duration
	SendQueue        int
	HandshakeTimeout time.Duration
	MaxFrameBytes    int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	Shards           int
	LogInterval      time.Duration
	Snapshots        SnapshotSink
	Logger           *log.Logger
}

// Router relays actions from controllers to the bridge of the same identity
// and fans bridge state out to every controller of that identity.
type Router struct {
	opts     Options
	logger   *log.Logger
	upgrader websocket.Upgrader
	registry *registry
	pending  *pendingTable
	sweeper  *sweeper

	peersMu sync.Mutex
	peers   map[string]*peer
	closed  bool

	forwarded      atomic.Int64
	results        atomic.Int64
	evicted        atomic.Int64
	rejectedFrames atomic.Int64
	statesAccepted atomic.Int64
	statesDropped  atomic.Int64
}

func New(options Options) *Router {
	options = normalizeOptions(options)
	r := &Router{
		opts:     options,
		logger:   options.Logger,
		registry: newRegistry(options.Shards),
		pending:  newPendingTable(),
		peers:    make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	r.sweeper = newSweeper(r, options.SweepInterval, options.LogInterval, options.Logger)
	return r
}

func normalizeOptions(options Options) Options {
	if options.PendingTTL <= 0 {
		options.PendingTTL = 30 * time.Second
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = time.Second
	}
	if options.SendQueue <= 0 {
		options.SendQueue = 256
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 10 * time.Second
	}
	if options.MaxFrameBytes <= 0 {
		options.MaxFrameBytes = 1 << 20
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}
	if options.PongWait <= 0 {
		options.PongWait = 60 * time.Second
	}
	if options.PingInterval <= 0 || options.PingInterval >= options.PongWait {
		options.PingInterval = options.PongWait * 9 / 10
	}
	if options.Shards <= 0 {
		options.Shards = 16
	}
	if options.LogInterval <= 0 {
		options.LogInterval = 30 * time.Second
	}
	return options
}

// Start runs the pending-action sweeper until ctx is done.
func (r *Router) Start(ctx context.Context) {
	r.sweeper.Start(ctx)
}

func (r *Router) Wait(timeout time.Duration) bool {
	return r.sweeper.Wait(timeout)
}

func (r *Router) SweeperSnapshot() SweeperSnapshot {
	return r.sweeper.Snapshot()
}

// Close closes every connection and refuses new ones.
func (r *Router) Close() {
	r.peersMu.Lock()
	r.closed = true
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peersMu.Unlock()
	for _, p := range peers {
		p.close("router shutting down")
	}
}

func (r *Router) Stats() model.RouterStats {
	stats := model.RouterStats{
		Pending:        r.pending.len(),
		Forwarded:      r.forwarded.Load(),
		Results:        r.results.Load(),
		Evicted:        r.evicted.Load(),
		RejectedFrames: r.rejectedFrames.Load(),
		StatesAccepted: r.statesAccepted.Load(),
		StatesDropped:  r.statesDropped.Load(),
	}
	r.registry.each(func(entry *sessionEntry) {
		stats.Identities++
		if entry.online() {
			stats.OnlineBridges++
		}
		stats.Controllers += len(entry.subscribers)
	})
	return stats
}

func (r *Router) Sessions() []model.SessionSummary {
	summaries := []model.SessionSummary{}
	r.registry.each(func(entry *sessionEntry) {
		summaries = append(summaries, entry.summary(r.pending.countFor(entry.identity)))
	})
	sortSummaries(summaries)
	return summaries
}

func (r *Router) Session(identity model.BotIdentity) (model.SessionDetail, bool) {
	identity = model.NormalizeIdentity(string(identity))
	var detail model.SessionDetail
	found := false
	r.registry.with(identity, false, func(entry *sessionEntry) {
		if entry == nil {
			return
		}
		found = true
		detail.Summary = entry.summary(r.pending.countFor(identity))
		if entry.state != nil {
			state := entry.state.Clone()
			detail.State = &state
		}
	})
	return detail, found
}

func (r *Router) track(p *peer) bool {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if r.closed {
		return false
	}
	r.peers[p.id] = p
	return true
}

func (r *Router) untrack(p *peer) {
	r.peersMu.Lock()
	delete(r.peers, p.id)
	r.peersMu.Unlock()
}

func (r *Router) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("router: "+format, args...)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
