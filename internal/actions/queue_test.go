package actions

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStopActionDropsOldest(t *testing.T) {
	q := NewQueue(nil, time.Millisecond, nil)
	q.Issue("mine")
	q.Issue("craft")
	q.Issue("")
	q.StopAction()

	got := q.Pending()
	if len(got) != 1 || got[0] != "craft" {
		t.Fatalf("pending = %v", got)
	}
	q.StopAction()
	q.StopAction()
	if _, dropped := q.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d", dropped)
	}
}

func TestRunPerformsInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		done []string
	)
	q := NewQueue(func(_ context.Context, name string) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, name)
	}, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(finished)
	}()

	q.Issue("a")
	q.Issue("b")
	q.Issue("c")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(done)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("performed %d actions", n)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-finished

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if done[i] != want {
			t.Fatalf("done[%d] = %q, want %q", i, done[i], want)
		}
	}
	if performed, _ := q.Stats(); performed != 3 {
		t.Fatalf("performed = %d", performed)
	}
}
