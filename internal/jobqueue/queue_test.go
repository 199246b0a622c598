package jobqueue

import (
	"context"
	"testing"
	"time"
)

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	q.Push(Job{ID: "a", Type: HealChunk, Priority: 3})
	q.Push(Job{ID: "b", Type: HealChunk, Priority: 1})
	q.Push(Job{ID: "c", Type: HealChunk, Priority: 1})
	q.Push(Job{ID: "d", Type: HealChunk, Priority: 2})

	ctx := context.Background()
	want := []string{"b", "c", "d", "a"}
	for _, id := range want {
		j, ok := q.Pop(ctx)
		if !ok {
			t.Fatalf("Pop: queue empty, expected %s", id)
		}
		if j.ID != id {
			t.Fatalf("Pop order: got %s, want %s", j.ID, id)
		}
	}
}

func TestPopWaitsForReadyAt(t *testing.T) {
	q := New()
	q.Push(Job{ID: "delayed", Type: TrimExcess, ReadyAt: time.Now().Add(30 * time.Millisecond)})
	q.Push(Job{ID: "immediate", Type: TrimExcess})

	ctx := context.Background()
	first, ok := q.Pop(ctx)
	if !ok || first.ID != "immediate" {
		t.Fatalf("expected immediate job first, got %+v ok=%v", first, ok)
	}

	start := time.Now()
	second, ok := q.Pop(ctx)
	if !ok || second.ID != "delayed" {
		t.Fatalf("expected delayed job second, got %+v ok=%v", second, ok)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected Pop to wait for ReadyAt, returned after %v", time.Since(start))
	}
}

func TestPopRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	if ok {
		t.Fatalf("expected Pop to return false on empty cancelled queue")
	}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	q := New()
	j := Job{ID: "j1", Type: HealChunk, MaxAttempts: 2}

	if !q.Retry(j, 2*time.Millisecond) {
		t.Fatalf("expected first retry to succeed")
	}
	if !q.Retry(j, 2*time.Millisecond) {
		t.Fatalf("expected second retry to succeed")
	}
	j.Attempts = 2
	if q.Retry(j, 2*time.Millisecond) {
		t.Fatalf("expected retry to fail once MaxAttempts exhausted")
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 2 * time.Second
	if got := Backoff(base, 1); got != base {
		t.Fatalf("attempt 1: got %v, want %v", got, base)
	}
	if got := Backoff(base, 2); got != 4*time.Second {
		t.Fatalf("attempt 2: got %v, want 4s", got)
	}
	if got := Backoff(base, 3); got != 8*time.Second {
		t.Fatalf("attempt 3: got %v, want 8s", got)
	}
}
