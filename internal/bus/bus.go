package bus

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Standard topics. Tasks may subscribe to any topic string; these are the
// ones the runtime itself publishes on.
const (
	TopicEvent     = "event"
	TopicHeartbeat = "heartbeat"
	TopicAction    = "action"
)

// Filter decides whether a published line is of interest to a subscriber.
type Filter func(text string) bool

// Callback runs when a matching line is published.
type Callback func()

// Token identifies one subscription.
type Token string

// Subscription is an active (topic, filter, callback) registration.
type Subscription struct {
	token  Token
	prefix string
	filter Filter
	cb     Callback
}

// Token returns the subscription's identifier.
func (s *Subscription) Token() Token {
	return s.token
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu   sync.RWMutex
	subs map[Token]*Subscription
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[Token]*Subscription),
	}
}

// Subscribe registers callback for lines published under topics matching the
// given prefix and accepted by filter. An empty prefix matches all topics and
// a nil filter accepts every line.
func (b *Bus) Subscribe(topicPrefix string, filter Filter, callback Callback) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		token:  Token(uuid.NewString()),
		prefix: topicPrefix,
		filter: filter,
		cb:     callback,
	}
	b.subs[sub.token] = sub
	return sub.token
}

// Unsubscribe removes a subscription. It reports whether the token was live.
func (b *Bus) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[token]; !ok {
		return false
	}
	delete(b.subs, token)
	return true
}

// Publish delivers text to all matching subscribers. Callbacks run
// synchronously on the publisher's goroutine, outside the bus lock, so a
// callback may itself subscribe or unsubscribe. A subscription removed before
// its turn in the delivery is skipped; a callback already running when
// Unsubscribe returns still completes.
func (b *Bus) Publish(topic, text string) int {
	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if sub.filter != nil && !sub.filter(text) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range matched {
		if !b.live(sub) {
			continue
		}
		delivered++
		if sub.cb != nil {
			sub.cb()
		}
	}
	return delivered
}

func (b *Bus) live(sub *Subscription) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[sub.token] == sub
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
