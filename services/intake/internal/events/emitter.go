package events

import (
	"context"
	"sync"
)

// Emitter publishes events for one session.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

// ChannelEmitter is the single writer onto a session's event channel. The
// mutex makes it safe for concurrently running tools to share it with the
// session controller while keeping events whole and ordered.
type ChannelEmitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Events is the consumer side of the channel. It is closed by Close.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Emit blocks until the consumer takes evt or ctx is done.
func (e *ChannelEmitter) Emit(ctx context.Context, evt Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return context.Canceled
	}
	select {
	case e.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Further Emit calls fail.
func (e *ChannelEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Collector records events in memory. The sync chat endpoint and tests use it.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
