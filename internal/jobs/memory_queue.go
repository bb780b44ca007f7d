package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Source, Enqueuer and DeadLetterSink for tests and
// single-binary local runs.
type MemoryQueue struct {
	ch   chan *Envelope
	mu   sync.Mutex
	dead []DeadLetter
	wait time.Duration
}

// NewMemoryQueue creates a queue holding up to size envelopes.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan *Envelope, size), wait: 50 * time.Millisecond}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, env *Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case env := <-q.ch:
		return &Delivery{
			Envelope: env,
			Nack:     func(ctx context.Context) error { return q.Enqueue(ctx, env) },
		}, nil
	case <-time.After(q.wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) DeadLetter(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, dl)
	return nil
}

// Len returns the number of waiting envelopes.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// DeadLetters returns a copy of the dead letters written so far.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}
