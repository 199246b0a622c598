// Package jobqueue is the in-process priority queue standing in for "a
// durable job queue with priorities, retries, and exponential backoff": a
// container/heap ordered by (ready time, priority, sequence); Pop itself
// sleeps until the earliest delayed job becomes due or a Push wakes it. No
// external broker is wired for this because nothing in the domain stack
// supplies one (see DESIGN.md); queue semantics are exercised by
// internal/health, internal/healer and internal/reaper.
package jobqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Type identifies a job's handler.
type Type string

const (
	HealChunk  Type = "heal-chunk"
	TrimExcess Type = "trim-excess"
	DeleteFile Type = "delete-file"
)

// Job is one unit of asynchronous work.
type Job struct {
	ID          string
	Type        Type
	Priority    int // lower runs first
	Payload     any
	Attempts    int
	MaxAttempts int
	ReadyAt     time.Time

	seq int64
}

// item is the heap element: jobs sort by ReadyAt first, then (priority, seq),
// so the top of the heap is the job Pop must wait for next.
type item struct {
	job *Job
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	// A zero ReadyAt means "ready immediately" and sorts before any real
	// future timestamp, which is the ordering we want.
	if !a.ReadyAt.Equal(b.ReadyAt) {
		return a.ReadyAt.Before(b.ReadyAt)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a single priority/delay queue shared by one or more workers.
type Queue struct {
	mu      sync.Mutex
	h       jobHeap
	notify  chan struct{}
	nextSeq int64
}

// New builds an empty queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push enqueues a job. A zero ReadyAt means immediately ready.
func (q *Queue) Push(j Job) {
	q.mu.Lock()
	q.nextSeq++
	j.seq = q.nextSeq
	heap.Push(&q.h, &item{job: &j})
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a ready job is available or ctx is cancelled. It returns
// the job by value; the caller owns retry/completion via Retry.
func (q *Queue) Pop(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.h) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return Job{}, false
			}
		}

		top := q.h[0].job
		now := time.Now()
		if top.ReadyAt.IsZero() || !top.ReadyAt.After(now) {
			heap.Pop(&q.h)
			q.mu.Unlock()
			return *top, true
		}

		wait := top.ReadyAt.Sub(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.notify:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return Job{}, false
		}
	}
}

// Backoff computes the exponential delay for a job's next attempt: base
// doubled per prior attempt (base*2^(attempts-1)), per the healer/reaper
// retry schedules in the spec (2s/5s base, up to 5 attempts).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Retry re-enqueues j after incrementing its attempt count and computing the
// next ReadyAt via Backoff(base, attempts). It returns false without
// re-enqueuing once MaxAttempts is exhausted, so the caller can log and
// drop the job for inspection.
func (q *Queue) Retry(j Job, base time.Duration) bool {
	j.Attempts++
	if j.MaxAttempts > 0 && j.Attempts > j.MaxAttempts {
		return false
	}
	j.ReadyAt = time.Now().Add(Backoff(base, j.Attempts))
	q.mu.Lock()
	q.nextSeq++
	j.seq = q.nextSeq
	heap.Push(&q.h, &item{job: &j})
	q.mu.Unlock()
	q.wake()
	return true
}

// Len reports the current queue depth, mostly for tests and metrics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
