/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventNetworkChanged EventType = "network.changed"

	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"

	EventDownloadProgress  EventType = "download.progress"
	EventDownloadCompleted EventType = "download.completed"
	EventDownloadFailed    EventType = "download.failed"
	EventDownloadBlocked   EventType = "download.blocked"

	EventStorageEvicted EventType = "storage.evicted"

	EventPlaybackState EventType = "playback.state"

	EventScreenTimeUpdate EventType = "screentime.update"
)

// Payload generic event payload.
type Payload map[string]any

// Event pairs a type with its payload so wildcard subscribers can
// tell events apart.
type Event struct {
	Type    EventType
	Payload Payload
}

// Subscriber receives events.
type Subscriber chan Event

// Bus implements a simple in-process pubsub. Publishing never blocks:
// a subscriber that falls behind drops events rather than stalling the
// producer.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
	all  []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll registers a subscriber for every event type. Used by the
// websocket state stream toward the presentation layer.
func (b *Bus) SubscribeAll() Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. The read lock is held across the
// sends so Unsubscribe cannot close a channel mid-publish.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	ev := Event{Type: eventType, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- ev:
		default:
		}
	}
	for _, sub := range b.all {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		b.subs[eventType] = removeSub(subs, sub)
	}
	b.all = removeSub(b.all, sub)
	close(sub)
}

func removeSub(subs []Subscriber, target Subscriber) []Subscriber {
	for i, candidate := range subs {
		if candidate == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
