package board

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot signal that can be waited on with a timeout.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set signals the event. Later calls do nothing.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether Set was called.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed by Set.
func (e *Event) Done() <-chan struct{} { return e.ch }

// Wait blocks until the event is set, timeout passes or ctx is done. It
// reports whether the event was set.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return e.IsSet()
	case <-ctx.Done():
		return e.IsSet()
	}
}
