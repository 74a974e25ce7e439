package session

import (
	"sync"

	"sdkrouter/internal/model"
)

// Update is published for every snapshot the session accepts.
type Update struct {
	Epoch uint64
	State model.WorldState
	Delta model.StateDelta
}

type subscriber struct {
	updates chan Update
	// epoch of the newest update queued on updates
	epoch uint64
}

// updateBroker fans accepted snapshots out to subscribers without ever
// blocking the read loop. Within one epoch a full buffer loses its oldest
// update. When a new epoch starts, updates still buffered from the earlier
// epoch are discarded so a reader never sees state from two tick domains
// interleaved.
type updateBroker struct {
	mu         sync.Mutex
	closed     bool
	nextID     int64
	bufferSize int
	subs       map[int64]*subscriber
	stale      int64
}

func newUpdateBroker(bufferSize int) *updateBroker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &updateBroker{bufferSize: bufferSize, subs: make(map[int64]*subscriber)}
}

func (b *updateBroker) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	updates := make(chan Update, b.bufferSize)
	if b.closed {
		close(updates)
		return updates, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{updates: updates}
	return updates, func() { b.remove(id) }
}

// Publish queues update for every subscriber and reports how many took it.
func (b *updateBroker) Publish(update Update) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs {
		if sub.epoch != 0 && sub.epoch != update.Epoch {
			b.stale += int64(drain(sub.updates))
		}
		sub.epoch = update.Epoch
		if offer(sub.updates, update) {
			delivered++
		}
	}
	return delivered
}

// Stale counts updates discarded because a newer epoch replaced them.
func (b *updateBroker) Stale() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale
}

func (b *updateBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.updates)
		delete(b.subs, id)
	}
}

func (b *updateBroker) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.updates)
	}
}

func drain(updates chan Update) int {
	dropped := 0
	for {
		select {
		case <-updates:
			dropped++
		default:
			return dropped
		}
	}
}

// offer makes room by discarding the oldest queued update when full.
func offer(updates chan Update, update Update) bool {
	for range 2 {
		select {
		case updates <- update:
			return true
		default:
		}
		select {
		case <-updates:
		default:
		}
	}
	return false
}
