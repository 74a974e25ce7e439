package session

import (
	"testing"

	"sdkrouter/internal/model"
)

func updateAt(epoch uint64, tick int64) Update {
	return Update{Epoch: epoch, State: model.WorldState{Tick: tick}}
}

func TestBrokerDropsOldestWithinEpoch(t *testing.T) {
	broker := newUpdateBroker(2)
	updates, unsubscribe := broker.Subscribe()
	defer unsubscribe()

	for tick := int64(1); tick <= 3; tick++ {
		if delivered := broker.Publish(updateAt(1, tick)); delivered != 1 {
			t.Fatalf("expected delivery at tick %d, got %d", tick, delivered)
		}
	}
	if first := <-updates; first.State.Tick != 2 {
		t.Fatalf("expected oldest update dropped, got tick %d", first.State.Tick)
	}
	if second := <-updates; second.State.Tick != 3 {
		t.Fatalf("expected tick 3, got %d", second.State.Tick)
	}
}

func TestBrokerDiscardsBufferedUpdatesFromEarlierEpoch(t *testing.T) {
	broker := newUpdateBroker(8)
	updates, unsubscribe := broker.Subscribe()
	defer unsubscribe()

	broker.Publish(updateAt(1, 500))
	broker.Publish(updateAt(1, 501))
	broker.Publish(updateAt(2, 1))

	got := <-updates
	if got.Epoch != 2 || got.State.Tick != 1 {
		t.Fatalf("expected first buffered update from epoch 2, got %+v", got)
	}
	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra update %+v", extra)
	default:
	}
	if stale := broker.Stale(); stale != 2 {
		t.Fatalf("expected 2 stale updates, got %d", stale)
	}
}

func TestBrokerCloseEndsStreams(t *testing.T) {
	broker := newUpdateBroker(1)
	updates, _ := broker.Subscribe()
	broker.Close()
	if _, ok := <-updates; ok {
		t.Fatalf("expected closed stream")
	}
	late, _ := broker.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
	if delivered := broker.Publish(updateAt(1, 1)); delivered != 0 {
		t.Fatalf("expected no delivery after close, got %d", delivered)
	}
}
