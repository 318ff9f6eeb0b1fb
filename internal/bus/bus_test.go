package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	var hits atomic.Int32
	tok := b.Subscribe("test", nil, func() { hits.Add(1) })
	defer b.Unsubscribe(tok)

	if n := b.Publish("test.event", "hello"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("callback hits = %d, want 1", got)
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	var taskHits, allHits atomic.Int32

	taskTok := b.Subscribe("task.", nil, func() { taskHits.Add(1) })
	defer b.Unsubscribe(taskTok)
	allTok := b.Subscribe("", nil, func() { allHits.Add(1) })
	defer b.Unsubscribe(allTok)

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	if got := taskHits.Load(); got != 1 {
		t.Fatalf("task subscriber hits = %d, want 1", got)
	}
	if got := allHits.Load(); got != 2 {
		t.Fatalf("wildcard subscriber hits = %d, want 2", got)
	}
}

func TestBus_FilterSelectsLines(t *testing.T) {
	b := New()
	var hits atomic.Int32
	tok := b.Subscribe(TopicEvent, func(text string) bool {
		return strings.Contains(text, "stranger")
	}, func() { hits.Add(1) })
	defer b.Unsubscribe(tok)

	b.Publish(TopicEvent, "a stranger approaches")
	b.Publish(TopicEvent, "all quiet")
	b.Publish(TopicEvent, "another stranger")

	if got := hits.Load(); got != 2 {
		t.Fatalf("filtered hits = %d, want 2", got)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var hits atomic.Int32
	tok := b.Subscribe("", nil, func() { hits.Add(1) })

	if !b.Unsubscribe(tok) {
		t.Fatal("first unsubscribe should report a live token")
	}
	if b.Unsubscribe(tok) {
		t.Fatal("second unsubscribe should report a dead token")
	}
	b.Publish("anything", "x")
	if got := hits.Load(); got != 0 {
		t.Fatalf("hits after unsubscribe = %d, want 0", got)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_CallbackMayUnsubscribe(t *testing.T) {
	b := New()
	var tok Token
	tok = b.Subscribe("", nil, func() { b.Unsubscribe(tok) })

	b.Publish("x", "y")
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_UnsubscribeDuringPublishSkipsPendingCallback(t *testing.T) {
	b := New()
	var hits atomic.Int32
	var first, second Token
	first = b.Subscribe("", nil, func() {
		hits.Add(1)
		b.Unsubscribe(second)
	})
	second = b.Subscribe("", nil, func() {
		hits.Add(1)
		b.Unsubscribe(first)
	})

	if n := b.Publish("x", "y"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("callbacks run = %d, want 1", got)
	}
}

func TestBus_ConcurrentAccess(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := b.Subscribe("concurrent", nil, func() {})
			b.Publish("concurrent.test", "data")
			b.Unsubscribe(tok)
		}()
	}
	wg.Wait()

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
