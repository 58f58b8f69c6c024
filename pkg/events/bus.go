// Package events is the in-process pub/sub fabric between the router, the
// ledger, the sentinel surface and observability. Publishing never blocks:
// each subscriber gets a bounded buffer and loses its oldest message on
// overflow, which is acceptable for every topic carried here (metrics,
// advisory scores, notifications).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Topic names the channels of the bus.
type Topic string

const (
	TopicRouterMetrics      Topic = "router.metrics"
	TopicSentinelConfidence Topic = "sentinel.confidence"
	TopicSentinelVerdict    Topic = "sentinel.verdict"
	TopicLedgerAppended     Topic = "ledger.appended"
	TopicPolicyReloaded     Topic = "policy.reloaded"
)

// subscriberBuffer bounds each subscriber channel.
const subscriberBuffer = 64

// Event is one bus message.
type Event struct {
	Topic Topic     `json:"topic"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// ConfidenceScore is the payload of TopicSentinelConfidence: an external
// sentinel's confidence in its assessment of one event.
type ConfidenceScore struct {
	EventID string  `json:"eventId"`
	Score   float64 `json:"score"`
}

// VerdictNotice is the payload of TopicSentinelVerdict. Non-PASS verdicts
// feed the shadow genome.
type VerdictNotice struct {
	AgentDID   string                    `json:"agentDid"`
	Verdict    contracts.SentinelVerdict `json:"verdict"`
	Summary    string                    `json:"summary,omitempty"`
	TargetPath string                    `json:"targetPath,omitempty"`
	Action     contracts.ActionKind      `json:"action,omitempty"`
	Causes     []string                  `json:"causes,omitempty"`
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus is a topic-keyed fan-out. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscriber
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// New returns an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Topic][]*subscriber),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers for topic. The returned cancel func detaches the
// subscriber and closes its channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, subscriberBuffer)}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing under the write lock keeps Publish, which sends under
			// the read lock, from ever racing a send against the close.
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == sub.id {
					b.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers data to every subscriber of topic without blocking.
// A full subscriber loses its oldest message to make room.
func (b *Bus) Publish(topic Topic, data any) {
	ev := Event{Topic: topic, At: b.now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		b.logger.Warn("event bus subscriber overflow",
			slog.String("topic", string(topic)))
	}
}
