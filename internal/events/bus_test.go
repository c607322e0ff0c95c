package events

import "testing"

func TestBusDeliversToTypeSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNetworkChanged)

	bus.Publish(EventNetworkChanged, Payload{"to": "unmetered"})
	bus.Publish(EventSyncCompleted, Payload{"added": 3})

	ev := <-sub
	if ev.Type != EventNetworkChanged {
		t.Fatalf("unexpected event type: %s", ev.Type)
	}
	select {
	case ev := <-sub:
		t.Fatalf("subscriber received event for foreign type: %s", ev.Type)
	default:
	}
}

func TestBusWildcardSubscriberSeesEverything(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeAll()

	bus.Publish(EventDownloadProgress, Payload{"entry_id": "a"})
	bus.Publish(EventPlaybackState, Payload{"state": "playing"})

	first := <-sub
	second := <-sub
	if first.Type != EventDownloadProgress || second.Type != EventPlaybackState {
		t.Fatalf("unexpected order: %s then %s", first.Type, second.Type)
	}
}

func TestBusPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventDownloadProgress)

	// Overflow the buffer; publish must drop rather than stall.
	for i := 0; i < 100; i++ {
		bus.Publish(EventDownloadProgress, Payload{"i": i})
	}
	bus.Unsubscribe(sub)
}
