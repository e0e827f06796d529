package utils

import (
	"testing"
	"time"
)

func TestOpsQueueRunsInOrder(t *testing.T) {
	q := NewOpsQueue()
	q.Start()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !q.Enqueue(func() { got = append(got, i) }) {
			t.Fatal("enqueue refused before stop")
		}
	}
	q.Stop()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	if len(got) != 100 {
		t.Fatalf("expected 100 ops, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("op %d ran at position %d", v, i)
		}
	}
}

func TestOpsQueueStopRefusesNewOps(t *testing.T) {
	q := NewOpsQueue()
	q.Start()
	q.Stop()
	q.Stop()

	if q.Enqueue(func() {}) {
		t.Error("expected enqueue after stop to be refused")
	}

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stopped queue did not finish")
	}
}

func TestOpsQueueEnqueueDoesNotWaitForBlockedOp(t *testing.T) {
	q := NewOpsQueue()
	q.Start()
	defer q.Stop()

	release := make(chan struct{})
	q.Enqueue(func() { <-release })

	queued := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Enqueue(func() {})
		}
		close(queued)
	}()

	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked behind a running op")
	}
	close(release)
}
