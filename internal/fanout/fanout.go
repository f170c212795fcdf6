// Package fanout multiplexes per-device update streams out to UI-side
// observers, caching the latest value per device for late joiners.
package fanout

import (
	"sync"

	"fleet-relay/internal/logger"
	"fleet-relay/internal/metrics"
)

// Observer is the write side of one UI-facing socket.
type Observer interface {
	WriteText(data []byte) error
}

// Fanout tracks, per device key, the set of subscribed observers and the
// most recently broadcast message. The lock is held for map mutation only,
// never across sends.
type Fanout struct {
	mu     sync.Mutex
	subs   map[string]map[Observer]struct{}
	latest map[string][]byte
	logger *logger.Logger
	metrics *metrics.Metrics
}

// NewFanout creates an empty fanout registry.
func NewFanout(log *logger.Logger, m *metrics.Metrics) *Fanout {
	return &Fanout{
		subs:    make(map[string]map[Observer]struct{}),
		latest:  make(map[string][]byte),
		logger:  log,
		metrics: m,
	}
}

// Subscribe registers an observer for a device key and immediately
// delivers the cached latest message, if any, so a new observer is never
// empty-handed while waiting for the next broadcast.
func (f *Fanout) Subscribe(key string, obs Observer) {
	f.mu.Lock()
	bucket, ok := f.subs[key]
	if !ok {
		bucket = make(map[Observer]struct{})
		f.subs[key] = bucket
	}
	bucket[obs] = struct{}{}
	cached := f.latest[key]
	f.mu.Unlock()

	if cached != nil {
		if err := obs.WriteText(cached); err != nil {
			f.logger.Debug("failed to deliver cached message to new observer",
				"key", key,
				"error", err)
		}
	}
}

// Unsubscribe removes an observer. The key is dropped from the mapping
// when its observer set becomes empty; the cached message is retained so a
// later resubscribe still sees history.
func (f *Fanout) Unsubscribe(key string, obs Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.subs[key]
	if !ok {
		return
	}
	delete(bucket, obs)
	if len(bucket) == 0 {
		delete(f.subs, key)
	}
}

// Broadcast replaces the cached value for a key, then sends the message to
// every currently subscribed observer. Sends are best-effort: a websocket
// write error is permanent for that connection, so an observer whose write
// fails is dropped from the set rather than retried, and one broken
// observer never blocks delivery to the others.
func (f *Fanout) Broadcast(key string, message []byte) {
	f.mu.Lock()
	f.latest[key] = message
	observers := make([]Observer, 0, len(f.subs[key]))
	for obs := range f.subs[key] {
		observers = append(observers, obs)
	}
	f.mu.Unlock()

	var failed []Observer
	for _, obs := range observers {
		if err := obs.WriteText(message); err != nil {
			failed = append(failed, obs)
			f.incBroadcast("dropped")
			continue
		}
		f.incBroadcast("delivered")
	}

	for _, obs := range failed {
		f.Unsubscribe(key, obs)
	}
	if len(failed) > 0 {
		f.logger.Debug("dropped broken observers during broadcast",
			"key", key,
			"dropped", len(failed))
	}
}

// Latest returns the cached message for a key, if any.
func (f *Fanout) Latest(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cached, ok := f.latest[key]
	return cached, ok
}

// SubscriberCount returns the number of observers for a key.
func (f *Fanout) SubscriberCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

func (f *Fanout) incBroadcast(result string) {
	if f.metrics != nil {
		f.metrics.IncBroadcasts(result)
	}
}
