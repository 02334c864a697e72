package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// Hub is an in-process topic broker.
type Hub struct {
	topics     *topicRegistry
	logger     *zap.Logger
	bufferSize int

	subscribers sync.Map // id -> *Subscriber
	closed      atomic.Bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// New creates a hub. A nil logger disables logging.
func New(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		topics:     newTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber on topics. After Close it returns a
// subscriber whose channel is already closed.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	sub := newSubscriber(uuid.NewString(), h.bufferSize)
	if h.closed.Load() {
		sub.close()
		return sub
	}
	h.subscribers.Store(sub.ID(), sub)
	for _, topic := range topics {
		h.topics.subscribe(topic, sub)
	}
	return sub
}

// Unsubscribe removes sub from every topic and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.topics.unsubscribeAll(sub.ID())
	if _, ok := h.subscribers.LoadAndDelete(sub.ID()); ok {
		sub.close()
	}
}

// Publish delivers ev to the job's topic and the global topic. It never
// blocks and returns the number of subscribers that received the event.
func (h *Hub) Publish(ev Event) int {
	if h.closed.Load() {
		return 0
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	topics := []string{TopicJobs}
	if ev.JobID != "" {
		topics = append(topics, JobTopic(ev.JobID))
	}

	delivered, dropped := h.topics.broadcast(topics, &ev)
	h.published.Add(int64(delivered))
	if dropped > 0 {
		h.dropped.Add(int64(dropped))
		h.logger.Debug("hub subscribers lagging, events dropped",
			zap.String("job_id", ev.JobID),
			zap.String("type", string(ev.Type)),
			zap.Int("dropped", dropped))
	}
	return delivered
}

// SubscriberCount returns the number of subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	return h.topics.count(topic)
}

// Stats contains hub counters.
type Stats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	count := 0
	h.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return Stats{
		TopicCount:      h.topics.topicCount(),
		SubscriberCount: count,
		TotalPublished:  h.published.Load(),
		TotalDropped:    h.dropped.Load(),
	}
}

// Close disconnects every subscriber. Later publishes are no-ops.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber)
		h.topics.unsubscribeAll(sub.ID())
		sub.close()
		h.subscribers.Delete(key)
		return true
	})
	h.logger.Info("broadcast hub shut down")
}
