package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel. Without this, a stalled connection would block the
// subscribing request indefinitely.
const listenTimeout = 10 * time.Second

// defaultSubscriptionBuffer is the per-subscription channel depth. A
// subscriber that falls further behind than this has events dropped; it
// detects the gap from the envelope sequence and reconnects with since=N.
const defaultSubscriptionBuffer = 256

// Subscription is one local consumer of broadcast events. Events arrive on
// C() as enveloped JSON exactly as published. Close is idempotent.
type Subscription struct {
	ID     string
	topics []string
	ch     chan []byte
	hub    *Hub
	once   sync.Once
}

// C returns the receive channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close unregisters the subscription and releases its channels.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub fans NOTIFY payloads out to local subscriptions. Each pod has one Hub;
// the NotifyListener feeds it every payload for the channels anyone here is
// subscribed to. Replay of missed events is the gateway's job (query the
// events table, then go live) — the Hub only carries the live stream.
//
// Delivery is best-effort per subscriber: a full subscription buffer drops
// the event rather than stalling the fan-out. Subscribers detect the gap
// from the monotonic envelope sequence and reconnect with since=N.
type Hub struct {
	// Active subscriptions: subscription_id → *Subscription
	subs map[string]*Subscription
	mu   sync.RWMutex

	// Channel subscriptions: channel → set of subscription_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	dropped uint64
	dropMu  sync.Mutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]*Subscription),
		channels: make(map[string]map[string]bool),
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both Hub and NotifyListener are created.
func (h *Hub) SetListener(l *NotifyListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// Subscribe registers a consumer for the given topics; an empty topic list
// means the firehose channel (every event from every topic). The underlying
// PG LISTEN is established synchronously before Subscribe returns, so a
// caller that replays the events table afterwards cannot miss events
// published in between — it can only see duplicates, which it drops by
// sequence.
func (h *Hub) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		topics = []string{ChannelAll}
	}

	sub := &Subscription{
		ID:     uuid.New().String(),
		topics: topics,
		ch:     make(chan []byte, defaultSubscriptionBuffer),
		hub:    h,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	for i, topic := range topics {
		if err := h.attach(sub, topic); err != nil {
			// Roll back the channels attached so far.
			for _, done := range topics[:i] {
				h.detach(sub, done)
			}
			h.mu.Lock()
			delete(h.subs, sub.ID)
			h.mu.Unlock()
			return nil, err
		}
	}

	return sub, nil
}

// ActiveSubscriptions returns the count of live subscriptions.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return h.dropped
}

// Broadcast sends an enveloped event to every subscription attached to the
// given channel. Called by the NotifyListener receive loop.
func (h *Hub) Broadcast(channel string, event []byte) {
	h.channelMu.RLock()
	subIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subIDs))
	for id := range subIDs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := h.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			// Buffer full — drop rather than stall the receive loop. The
			// subscriber sees the sequence gap and reconnects with since=N.
			h.dropMu.Lock()
			h.dropped++
			h.dropMu.Unlock()
			slog.Warn("Dropping event for slow subscriber",
				"subscription_id", sub.ID, "channel", channel)
		}
	}
}

// attach registers a subscription for a channel and starts LISTEN if it is
// the first subscriber. LISTEN is synchronous so the caller's subsequent
// replay runs with LISTEN already active.
func (h *Hub) attach(sub *Subscription, channel string) error {
	h.channelMu.Lock()
	needsListen := false
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	h.channels[channel][sub.ID] = true
	h.channelMu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				h.channelMu.Lock()
				delete(h.channels[channel], sub.ID)
				if len(h.channels[channel]) == 0 {
					delete(h.channels, channel)
				}
				h.channelMu.Unlock()
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}
	return nil
}

// detach removes a subscription from a channel and stops LISTEN if it was
// the last subscriber.
func (h *Hub) detach(sub *Subscription, channel string) {
	h.channelMu.Lock()
	stopListen := false
	if subs, exists := h.channels[channel]; exists {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
			stopListen = true
		}
	}
	h.channelMu.Unlock()

	if !stopListen {
		return
	}

	// Last subscriber left — stop LISTEN. The goroutine re-checks h.channels
	// before issuing UNLISTEN to prevent a rapid close/resubscribe cycle from
	// dropping a LISTEN another subscription now depends on.
	h.listenerMu.RLock()
	l := h.listener
	h.listenerMu.RUnlock()
	if l == nil {
		return
	}
	go func() {
		h.channelMu.RLock()
		_, resubscribed := h.channels[channel]
		h.channelMu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unsubscribe(context.Background(), channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}()
}

// unsubscribe removes the subscription from every channel and closes its
// receive channel.
func (h *Hub) unsubscribe(sub *Subscription) {
	for _, topic := range sub.topics {
		h.detach(sub, topic)
	}

	h.mu.Lock()
	delete(h.subs, sub.ID)
	h.mu.Unlock()

	close(sub.ch)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}
