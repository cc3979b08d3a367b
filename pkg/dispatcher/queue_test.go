package dispatcher

import (
	"testing"
	"time"
)

func TestTaskQueuePushAndDrain(t *testing.T) {
	q := newTaskQueue()
	defer q.Close()

	q.Push("a")
	q.Push("b")
	q.Push("c")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-q.Chan():
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for queued item")
		}
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected FIFO drain of [a b c], got %v", got)
	}
}

func TestTaskQueuePushNeverBlocksAheadOfConsumer(t *testing.T) {
	q := newTaskQueue()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Push("task")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pushes blocked despite no consumer draining the channel")
	}

	if depth := q.Depth(); depth != 100 {
		t.Fatalf("expected depth=100 before any drain, got %d", depth)
	}
}

func TestTaskQueueCloseDrainsBufferedItems(t *testing.T) {
	q := newTaskQueue()
	q.Push("x")
	q.Push("y")
	q.Close()

	var got []string
	for v := range q.Chan() {
		got = append(got, v)
	}

	if len(got) != 2 {
		t.Fatalf("expected both buffered items to drain after close, got %v", got)
	}
}
