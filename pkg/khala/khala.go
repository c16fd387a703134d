// Package khala is the fanout bus: per-topic bounded ring buffers with
// a retention window, publish-rate limiting per topic class, and the
// consumer-side shaping (poll-interval guard, fair slice, slow-consumer
// eviction).
package khala

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/kernel"
)

// TopicClass buckets topics for rate limiting and replay-budget purposes.
type TopicClass string

const (
	ClassRunEvents         TopicClass = "run_events"
	ClassWorkerLifecycle   TopicClass = "worker_lifecycle"
	ClassCodexWorkerEvents TopicClass = "codex_worker_events"
	ClassFallback          TopicClass = "fallback"
)

// ClassPolicy bounds one topic class's publish rate and payload size.
type ClassPolicy struct {
	MaxPublishPerSecond float64
	Burst               int
	MaxPayloadBytes     int
	ReplayBudgetEvents  uint64
	QoSTier             string
}

// DefaultClassPolicies mirrors the limits a fleet of this size runs in
// production; callers may override per deployment via config.
func DefaultClassPolicies() map[TopicClass]ClassPolicy {
	return map[TopicClass]ClassPolicy{
		ClassRunEvents:         {MaxPublishPerSecond: 50, Burst: 100, MaxPayloadBytes: 32 * 1024, ReplayBudgetEvents: 5000, QoSTier: "standard"},
		ClassWorkerLifecycle:   {MaxPublishPerSecond: 20, Burst: 40, MaxPayloadBytes: 16 * 1024, ReplayBudgetEvents: 2000, QoSTier: "standard"},
		ClassCodexWorkerEvents: {MaxPublishPerSecond: 20, Burst: 40, MaxPayloadBytes: 16 * 1024, ReplayBudgetEvents: 2000, QoSTier: "standard"},
		ClassFallback:          {MaxPublishPerSecond: 5, Burst: 10, MaxPayloadBytes: 8 * 1024, ReplayBudgetEvents: 500, QoSTier: "best_effort"},
	}
}

// Message is one published entry in a topic's ring buffer.
type Message struct {
	Sequence  uint64      `json:"sequence"`
	Topic     string      `json:"topic"`
	Body      interface{} `json:"body"`
	Bytes     int         `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
}

type ring struct {
	retention       int
	headSeq         uint64
	oldestSeq       uint64
	droppedMessages uint64
	buf             []Message
}

func newRing(retention int) *ring {
	return &ring{retention: retention, oldestSeq: 1}
}

func (r *ring) push(body interface{}, bytes int, now time.Time) Message {
	r.headSeq++
	msg := Message{Sequence: r.headSeq, Body: body, Bytes: bytes, CreatedAt: now}
	r.buf = append(r.buf, msg)
	if len(r.buf) > r.retention {
		drop := len(r.buf) - r.retention
		r.buf = r.buf[drop:]
		r.droppedMessages += uint64(drop)
		r.oldestSeq = r.buf[0].Sequence
	}
	return msg
}

func (r *ring) afterSeq(afterSeq uint64, limit int) ([]Message, bool) {
	var out []Message
	for _, m := range r.buf {
		if m.Sequence > afterSeq {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	replayComplete := true
	if len(out) > 0 {
		replayComplete = out[len(out)-1].Sequence >= r.headSeq
	} else {
		replayComplete = afterSeq >= r.headSeq
	}
	return out, replayComplete
}

type consumerState struct {
	lastPollAt  time.Time
	strikes     int
	activeTopic map[string]bool
}

// PollResult is the full poll() response shape.
type PollResult struct {
	Messages              []Message `json:"messages"`
	NextCursor            uint64    `json:"next_cursor"`
	HeadCursor            uint64    `json:"head_cursor"`
	OldestAvailableCursor uint64    `json:"oldest_available_cursor"`
	QueueDepth            int       `json:"queue_depth"`
	ReplayComplete        bool      `json:"replay_complete"`
	LimitApplied          int       `json:"limit_applied"`
	LimitCapped           bool      `json:"limit_capped"`
	FairnessApplied       bool      `json:"fairness_applied"`
	ActiveTopicCount      int       `json:"active_topic_count"`
	OutboundQueueLimit    int       `json:"outbound_queue_limit"`
	ConsumerLag           uint64    `json:"consumer_lag"`
	SlowConsumerStrikes   int       `json:"slow_consumer_strikes"`
}

// TopicWindow is the topic_window() response shape.
type TopicWindow struct {
	HeadCursor      uint64 `json:"head_cursor"`
	OldestCursor    uint64 `json:"oldest_available_cursor"`
	QueueDepth      int    `json:"queue_depth"`
	DroppedMessages uint64 `json:"dropped_messages"`
}

// Bus is the fanout hub. One Bus instance serves every topic class.
type Bus struct {
	mu               sync.Mutex
	retention        int
	classPolicies    map[TopicClass]ClassPolicy
	limiters         map[string]*kernel.TokenBucket // keyed by topic
	rings            map[string]*ring
	consumers        map[string]*consumerState // keyed by principal+topic
	consumerOrder    []string                  // LRU order, oldest first
	pollMinInterval  time.Duration
	fairSliceLimit   int
	consumerCap      int
	lagThreshold     uint64
	maxStrikes       int
	classifyTopic    func(topic string) TopicClass
}

// Option configures Bus construction.
type Option func(*Bus)

func WithPollMinInterval(d time.Duration) Option   { return func(b *Bus) { b.pollMinInterval = d } }
func WithFairSliceLimit(n int) Option              { return func(b *Bus) { b.fairSliceLimit = n } }
func WithConsumerRegistryCap(n int) Option         { return func(b *Bus) { b.consumerCap = n } }
func WithSlowConsumerLagThreshold(n uint64) Option { return func(b *Bus) { b.lagThreshold = n } }
func WithSlowConsumerMaxStrikes(n int) Option      { return func(b *Bus) { b.maxStrikes = n } }

func New(retention int, opts ...Option) *Bus {
	b := &Bus{
		retention:       retention,
		classPolicies:   DefaultClassPolicies(),
		limiters:        make(map[string]*kernel.TokenBucket),
		rings:           make(map[string]*ring),
		consumers:       make(map[string]*consumerState),
		pollMinInterval: 250 * time.Millisecond,
		fairSliceLimit:  20,
		consumerCap:     10000,
		lagThreshold:    1000,
		maxStrikes:      5,
		classifyTopic:   ClassifyTopic,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ClassifyTopic maps a topic string to its rate-limit class.
func ClassifyTopic(topic string) TopicClass {
	switch {
	case hasPrefix(topic, "run:") && hasSuffix(topic, ":events"):
		return ClassRunEvents
	case hasPrefix(topic, "worker:") || hasPrefix(topic, "fleet:user:"):
		return ClassWorkerLifecycle
	case topic == "codex.worker_events":
		return ClassCodexWorkerEvents
	default:
		return ClassFallback
	}
}

// Publish appends a message to a topic's ring buffer, subject to the
// topic class's publish-rate and payload-size limits.
func (b *Bus) Publish(topic string, body interface{}, bytes int, now time.Time) (Message, error) {
	class := b.classifyTopic(topic)
	policy := b.classPolicies[class]

	if bytes > policy.MaxPayloadBytes {
		return Message{}, apierr.New(apierr.PayloadTooLarge, "message exceeds topic class payload limit").WithDetails(map[string]interface{}{
			"topic_class":       string(class),
			"max_payload_bytes": policy.MaxPayloadBytes,
			"payload_bytes":     bytes,
		})
	}

	b.mu.Lock()
	limiter, ok := b.limiters[topic]
	if !ok {
		limiter = kernel.NewTokenBucket(policy.MaxPublishPerSecond, policy.Burst)
		b.limiters[topic] = limiter
	}
	b.mu.Unlock()

	if !limiter.Allow(1) {
		return Message{}, apierr.New(apierr.RateLimited, "publish rate exceeded for topic class").WithReason(apierr.ReasonKhalaPublishLimited).WithDetails(map[string]interface{}{
			"topic_class":            string(class),
			"max_publish_per_second": policy.MaxPublishPerSecond,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[topic]
	if !ok {
		r = newRing(b.retention)
		b.rings[topic] = r
	}
	return r.push(body, bytes, now), nil
}

// Poll implements the full consumer-facing read path, including the
// stale-cursor contract and the poll-interval/fair-slice/slow-consumer
// shaping rules.
func (b *Bus) Poll(principal, topic string, afterSeq uint64, limit int, now time.Time) (PollResult, error) {
	class := b.classifyTopic(topic)
	policy := b.classPolicies[class]

	b.mu.Lock()
	defer b.mu.Unlock()

	consumerKey := principal + "|" + topic
	cs, ok := b.consumers[consumerKey]
	if !ok {
		cs = &consumerState{activeTopic: make(map[string]bool)}
		b.registerConsumer(consumerKey, cs)
	} else {
		b.touchConsumer(consumerKey)
	}
	cs.activeTopic[topic] = true

	if !cs.lastPollAt.IsZero() {
		elapsed := now.Sub(cs.lastPollAt)
		if elapsed < b.pollMinInterval {
			jitter := jitterMillis(consumerKey, afterSeq, 250)
			retryAfter := (b.pollMinInterval - elapsed).Milliseconds() + jitter
			return PollResult{}, apierr.New(apierr.RateLimited, "poll interval guard").WithDetails(map[string]interface{}{
				"retry_after_ms": retryAfter,
			})
		}
	}
	cs.lastPollAt = now

	r, ok := b.rings[topic]
	if !ok {
		r = newRing(b.retention)
		b.rings[topic] = r
	}

	if afterSeq < saturatingSub(r.oldestSeq, 1) {
		return PollResult{}, b.staleCursorError(afterSeq, r, policy, apierr.ReasonRetentionFloorBreach)
	}
	if r.headSeq > afterSeq && r.headSeq-afterSeq > policy.ReplayBudgetEvents {
		return PollResult{}, b.staleCursorError(afterSeq, r, policy, apierr.ReasonReplayBudgetExceeded)
	}

	activeTopics := 0
	for key := range b.consumers {
		if hasPrefix(key, principal+"|") {
			activeTopics++
		}
	}

	effectiveLimit := limit
	fairnessApplied := false
	if activeTopics >= 2 && effectiveLimit > b.fairSliceLimit {
		effectiveLimit = b.fairSliceLimit
		fairnessApplied = true
	}

	messages, replayComplete := r.afterSeq(afterSeq, effectiveLimit)
	limitCapped := len(messages) == effectiveLimit && !replayComplete

	lag := saturatingSub(r.headSeq, afterSeq)
	if len(messages) > 0 {
		lag = saturatingSub(r.headSeq, messages[len(messages)-1].Sequence)
	}

	if lag > b.lagThreshold {
		cs.strikes++
		if cs.strikes >= b.maxStrikes {
			delete(b.consumers, consumerKey)
			return PollResult{}, apierr.New(apierr.Conflict, "slow consumer evicted").WithDetails(map[string]interface{}{
				"consumer_lag": lag,
				"strikes":      cs.strikes,
			})
		}
	} else {
		cs.strikes = 0
	}

	nextCursor := afterSeq
	if len(messages) > 0 {
		nextCursor = messages[len(messages)-1].Sequence
	}

	return PollResult{
		Messages:              messages,
		NextCursor:            nextCursor,
		HeadCursor:            r.headSeq,
		OldestAvailableCursor: r.oldestSeq,
		QueueDepth:            len(r.buf),
		ReplayComplete:        replayComplete,
		LimitApplied:          effectiveLimit,
		LimitCapped:           limitCapped,
		FairnessApplied:       fairnessApplied,
		ActiveTopicCount:      activeTopics,
		OutboundQueueLimit:    b.fairSliceLimit,
		ConsumerLag:           lag,
		SlowConsumerStrikes:   cs.strikes,
	}, nil
}

func (b *Bus) staleCursorError(afterSeq uint64, r *ring, policy ClassPolicy, reason apierr.ReasonCode) error {
	return apierr.New(apierr.StaleCursor, "cursor is outside the retained window").WithReason(reason).WithDetails(map[string]interface{}{
		"requested_cursor":        afterSeq,
		"oldest_available_cursor": r.oldestSeq,
		"head_cursor":             r.headSeq,
		"qos_tier":                policy.QoSTier,
		"recovery":                "reset_local_watermark_and_replay_bootstrap",
	})
}

// TopicWindowFor returns the current window stats for a topic.
func (b *Bus) TopicWindowFor(topic string) TopicWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[topic]
	if !ok {
		return TopicWindow{OldestCursor: 1}
	}
	return TopicWindow{
		HeadCursor:      r.headSeq,
		OldestCursor:    r.oldestSeq,
		QueueDepth:      len(r.buf),
		DroppedMessages: r.droppedMessages,
	}
}

// registerConsumer and touchConsumer implement LRU capacity eviction
// over the active consumer registry (must hold b.mu).
func (b *Bus) registerConsumer(key string, cs *consumerState) {
	b.consumers[key] = cs
	b.consumerOrder = append(b.consumerOrder, key)
	if len(b.consumerOrder) > b.consumerCap {
		evict := b.consumerOrder[0]
		b.consumerOrder = b.consumerOrder[1:]
		delete(b.consumers, evict)
	}
}

func (b *Bus) touchConsumer(key string) {
	for i, k := range b.consumerOrder {
		if k == key {
			b.consumerOrder = append(b.consumerOrder[:i], b.consumerOrder[i+1:]...)
			break
		}
	}
	b.consumerOrder = append(b.consumerOrder, key)
}

// jitterMillis derives a deterministic jitter from the consumer key and
// cursor so two clients retrying at the same wall-clock moment don't
// retry in lockstep.
func jitterMillis(consumerKey string, cursor uint64, jitterMs int64) int64 {
	h := sha256.New()
	h.Write([]byte(consumerKey))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cursor)
	h.Write(buf[:])
	sum := h.Sum(nil)
	n := int64(binary.BigEndian.Uint64(sum[:8]))
	if n < 0 {
		n = -n
	}
	if jitterMs <= 0 {
		return 0
	}
	return n % jitterMs
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
