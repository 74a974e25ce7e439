package router

import (
	"sync"
	"time"

	"sdkrouter/internal/model"
)

type pendingAction struct {
	id         string
	method     string
	identity   model.BotIdentity
	controller *peer
	bridge     *peer
	issuedAt   time.Time
}

// pendingTable tracks forwarded actions awaiting a result. It has its own lock;
// callers that also hold a shard lock take the shard lock first.
type pendingTable struct {
	mu    sync.Mutex
	items map[string]pendingAction
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]pendingAction)}
}

// add reports false when id is already in flight.
func (p *pendingTable) add(item pendingAction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[item.id]; exists {
		return false
	}
	p.items[item.id] = item
	return true
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

// takeResult removes and returns the action id when it was forwarded to bridge.
func (p *pendingTable) takeResult(id string, bridge *peer) (pendingAction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	if !ok || item.bridge != bridge {
		return pendingAction{}, false
	}
	delete(p.items, id)
	return item, true
}

func (p *pendingTable) takeMatching(match func(pendingAction) bool) []pendingAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []pendingAction{}
	for id, item := range p.items {
		if match(item) {
			out = append(out, item)
			delete(p.items, id)
		}
	}
	return out
}

func (p *pendingTable) takeBridge(bridge *peer) []pendingAction {
	return p.takeMatching(func(item pendingAction) bool { return item.bridge == bridge })
}

func (p *pendingTable) takeController(controller *peer) []pendingAction {
	return p.takeMatching(func(item pendingAction) bool { return item.controller == controller })
}

func (p *pendingTable) expire(now time.Time, ttl time.Duration) []pendingAction {
	return p.takeMatching(func(item pendingAction) bool { return now.Sub(item.issuedAt) >= ttl })
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingTable) countFor(identity model.BotIdentity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, item := range p.items {
		if item.identity == identity {
			count++
		}
	}
	return count
}
