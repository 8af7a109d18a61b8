// Package notify hands terminal order outcomes to downstream notifiers.
package notify

import (
	"context"
	"sync"

	"relay/internal/schema"
)

// Publisher receives each terminal outcome once it is persisted.
type Publisher interface {
	Publish(ctx context.Context, outcome schema.OrderOutcome) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, schema.OrderOutcome) error { return nil }
func (Noop) Close() error                                      { return nil }

// Recorder keeps published outcomes in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []schema.OrderOutcome
}

func (r *Recorder) Publish(_ context.Context, outcome schema.OrderOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, outcome)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Sent returns a copy of what was published so far.
func (r *Recorder) Sent() []schema.OrderOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.OrderOutcome, len(r.sent))
	copy(out, r.sent)
	return out
}
