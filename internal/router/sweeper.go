package router

import (
	"context"
	"log"
	"sync"
	"time"

	"sdkrouter/internal/model"
)

type SweeperSnapshot struct {
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastSweepAt  *time.Time `json:"last_sweep_at,omitempty"`
	LastEvictAt  *time.Time `json:"last_evict_at,omitempty"`
	TotalSweeps  int64      `json:"total_sweeps"`
	TotalEvicted int64      `json:"total_evicted"`
	IdleSweeps   int64      `json:"idle_sweeps"`
}

// sweeper evicts pending actions older than the router's TTL and answers
// their controllers with TIMEOUT.
type sweeper struct {
	router      *Router
	interval    time.Duration
	logInterval time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot SweeperSnapshot
}

func newSweeper(router *Router, interval time.Duration, logInterval time.Duration, logger *log.Logger) *sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logInterval <= 0 {
		logInterval = 30 * time.Second
	}
	return &sweeper{
		router:      router,
		interval:    interval,
		logInterval: logInterval,
		logger:      logger,
	}
}

func (s *sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.snapshot.Running = true
	s.snapshot.StartedAt = timePtr(time.Now().UTC())
	s.doneChan = make(chan struct{})
	done := s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx)
		s.mu.Lock()
		s.running = false
		s.snapshot.Running = false
		s.mu.Unlock()
	}()
}

func (s *sweeper) Wait(timeout time.Duration) bool {
	s.mu.RLock()
	done := s.doneChan
	s.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *sweeper) Snapshot() SweeperSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copySnapshot := s.snapshot
	copySnapshot.StartedAt = cloneTimePtr(s.snapshot.StartedAt)
	copySnapshot.LastSweepAt = cloneTimePtr(s.snapshot.LastSweepAt)
	copySnapshot.LastEvictAt = cloneTimePtr(s.snapshot.LastEvictAt)
	return copySnapshot
}

func (s *sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(s.logInterval)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		case <-logTicker.C:
			s.logSnapshot()
		}
	}
}

func (s *sweeper) sweep(now time.Time) int {
	expired := s.router.pending.expire(now, s.router.opts.PendingTTL)
	for _, item := range expired {
		if s.logger != nil {
			s.logger.Printf("router: event=pending_evicted id=%s identity=%s method=%s age=%s", item.id, item.identity, item.method, now.Sub(item.issuedAt).Round(time.Millisecond))
		}
	}
	s.router.evicted.Add(int64(len(expired)))
	s.router.failPending(expired, model.CodeTimeout, "no result within "+s.router.opts.PendingTTL.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := timePtr(now.UTC())
	s.snapshot.LastSweepAt = stamp
	s.snapshot.TotalSweeps++
	if len(expired) > 0 {
		s.snapshot.TotalEvicted += int64(len(expired))
		s.snapshot.LastEvictAt = stamp
	} else {
		s.snapshot.IdleSweeps++
	}
	return len(expired)
}

func (s *sweeper) logSnapshot() {
	if s.logger == nil {
		return
	}
	stats := s.router.Stats()
	snapshot := s.Snapshot()
	s.logger.Printf(
		"router: identities=%d online=%d controllers=%d pending=%d forwarded=%d results=%d evicted=%d rejected=%d",
		stats.Identities,
		stats.OnlineBridges,
		stats.Controllers,
		stats.Pending,
		stats.Forwarded,
		stats.Results,
		snapshot.TotalEvicted,
		stats.RejectedFrames,
	)
}
