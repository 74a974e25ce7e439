package router

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"sdkrouter/internal/model"
)

// bridgeLink is either disconnected or connected; nothing else.
type bridgeLink interface {
	isBridgeLink()
}

type disconnected struct {
	since time.Time
}

type connected struct {
	peer  *peer
	epoch uint64
	since time.Time
}

func (disconnected) isBridgeLink() {}

func (connected) isBridgeLink() {}

type sessionEntry struct {
	identity    model.BotIdentity
	link        bridgeLink
	epoch       uint64
	subscribers map[string]*peer

	state       *model.WorldState
	stateEpoch  uint64
	lastStateAt *time.Time
}

func newSessionEntry(identity model.BotIdentity, now time.Time) *sessionEntry {
	return &sessionEntry{
		identity:    identity,
		link:        disconnected{since: now},
		subscribers: make(map[string]*peer),
	}
}

// bridge returns the connected bridge, or nil.
func (s *sessionEntry) bridge() *peer {
	if link, ok := s.link.(connected); ok {
		return link.peer
	}
	return nil
}

func (s *sessionEntry) online() bool {
	return s.bridge() != nil
}

func (s *sessionEntry) summary(pending int) model.SessionSummary {
	summary := model.SessionSummary{
		Identity:    s.identity,
		Epoch:       s.epoch,
		Subscribers: len(s.subscribers),
		Pending:     pending,
		LastStateAt: cloneTimePtr(s.lastStateAt),
	}
	if s.state != nil {
		summary.Tick = s.state.Tick
	}
	switch link := s.link.(type) {
	case connected:
		summary.Online = true
		summary.ConnectedAt = timePtr(link.since)
	case disconnected:
		summary.OfflineAt = timePtr(link.since)
	}
	return summary
}

type shard struct {
	mu       sync.Mutex
	sessions map[model.BotIdentity]*sessionEntry
}

// registry maps identities to session entries. Entries live in shards chosen
// by hashing the identity; each shard has its own lock.
type registry struct {
	shards []*shard
}

func newRegistry(count int) *registry {
	if count <= 0 {
		count = 16
	}
	r := &registry{shards: make([]*shard, count)}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[model.BotIdentity]*sessionEntry)}
	}
	return r
}

func (r *registry) shardFor(identity model.BotIdentity) *shard {
	return r.shards[xxhash.Sum64String(string(identity))%uint64(len(r.shards))]
}

// with runs fn holding the identity's shard lock, creating the entry when
// create is set. fn receives nil when the entry is absent.
func (r *registry) with(identity model.BotIdentity, create bool, fn func(entry *sessionEntry)) {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.sessions[identity]
	if entry == nil && create {
		entry = newSessionEntry(identity, time.Now().UTC())
		s.sessions[identity] = entry
	}
	fn(entry)
}

// each visits every entry, one shard lock at a time.
func (r *registry) each(fn func(entry *sessionEntry)) {
	for _, s := range r.shards {
		s.mu.Lock()
		for _, entry := range s.sessions {
			fn(entry)
		}
		s.mu.Unlock()
	}
}

func sortSummaries(summaries []model.SessionSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Identity < summaries[j].Identity
	})
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
