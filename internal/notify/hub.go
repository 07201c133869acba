// Package notify pushes session events to UI clients subscribed per tenant.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Event names published by the session manager
const (
	EventWhatsAppSession = "whatsappSession"
	EventImportMessages  = "importMessages"
)

const outboxSize = 64

// TenantChannel returns the channel name a tenant's clients subscribe to
func TenantChannel(tenantID int64) string {
	return fmt.Sprintf("tenant-%d", tenantID)
}

// Writer delivers one serialized envelope to a client
type Writer interface {
	Write(ctx context.Context, message []byte) error
	Close() error
}

// Envelope is the JSON frame sent to clients
type Envelope struct {
	Channel   string      `json:"channel"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Subscriber is one client attached to a channel. Frames are delivered in
// publish order through a bounded outbox.
type Subscriber struct {
	Channel string
	writer  Writer
	outbox  chan []byte
	closed  bool
}

// Hub fans published events out to subscribers. Publishing never blocks: a
// subscriber whose outbox is full, or whose write fails, is dropped.
type Hub struct {
	logger       *logrus.Logger
	pool         *ants.Pool
	writeTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub creates a hub whose subscriber pumps run on a pool of poolSize workers
func NewHub(logger *logrus.Logger, poolSize int, writeTimeout time.Duration) (*Hub, error) {
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create notify pool: %w", err)
	}
	return &Hub{
		logger:       logger,
		pool:         pool,
		writeTimeout: writeTimeout,
		subs:         make(map[string]map[*Subscriber]struct{}),
	}, nil
}

// Subscribe attaches w to channel. It fails when every pool worker is busy.
func (h *Hub) Subscribe(channel string, w Writer) (*Subscriber, error) {
	sub := &Subscriber{Channel: channel, writer: w, outbox: make(chan []byte, outboxSize)}

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscriber]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	h.mu.Unlock()

	if err := h.pool.Submit(func() { h.pump(sub) }); err != nil {
		h.Unsubscribe(sub)
		return nil, fmt.Errorf("notify hub at capacity: %w", err)
	}

	h.logger.WithField("channel", channel).Debug("Subscriber attached")
	return sub, nil
}

// Unsubscribe detaches sub and closes its writer once pending frames drain.
// Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.outbox)

	set := h.subs[sub.Channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.Channel)
	}
}

// Publish serializes an envelope and queues it for every subscriber of channel
func (h *Hub) Publish(channel, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{
		Channel:   channel,
		Event:     event,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode notification")
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for sub := range h.subs[channel] {
		select {
		case sub.outbox <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.WithField("channel", channel).Warn("Dropping slow notification subscriber")
		h.Unsubscribe(sub)
	}
}

// Count returns the number of subscribers on channel
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close detaches every subscriber and releases the worker pool
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range all {
		h.Unsubscribe(sub)
	}
	h.pool.Release()
}

func (h *Hub) pump(sub *Subscriber) {
	defer func() {
		if err := sub.writer.Close(); err != nil {
			h.logger.WithError(err).Debug("Subscriber close failed")
		}
	}()

	for msg := range sub.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		err := sub.writer.Write(ctx, msg)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("channel", sub.Channel).Debug("Notification write failed, dropping subscriber")
			h.Unsubscribe(sub)
			for range sub.outbox {
			}
			return
		}
	}
}
