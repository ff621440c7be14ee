// Package convo correlates multi-turn operator dialogues over a multiplexed
// inbound message stream. Each operator identity may have at most one
// outstanding exchange; a reply resolves an exchange only when its sender
// identity matches exactly.
package convo

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrExchangePending is returned when an exchange is registered for an
	// identity that already has one outstanding. This is a programming error
	// in the calling flow, not an operator mistake.
	ErrExchangePending = errors.New("convo: exchange already pending for identity")
	// ErrAwaitTimeout is returned when no matching reply arrives in time.
	ErrAwaitTimeout = errors.New("convo: timed out waiting for reply")
)

// Reply is one inbound message resolved against a pending exchange.
type Reply struct {
	Identity string
	Text     string
}

// Coordinator routes inbound replies to the flow waiting on them.
type Coordinator struct {
	mu             sync.Mutex
	waiting        map[string]chan Reply
	defaultTimeout time.Duration
}

// New creates a Coordinator. defaultTimeout bounds AwaitReply calls that pass
// zero; it exists so an abandoned dialogue cannot block its identity forever.
func New(defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Coordinator{
		waiting:        make(map[string]chan Reply),
		defaultTimeout: defaultTimeout,
	}
}

// AwaitReply blocks until the next message from identity arrives, the timeout
// lapses, or ctx is cancelled. Only one AwaitReply may be outstanding per
// identity; a second is rejected with ErrExchangePending. The exchange is
// always deregistered before AwaitReply returns.
func (c *Coordinator) AwaitReply(ctx context.Context, identity string, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	if _, exists := c.waiting[identity]; exists {
		c.mu.Unlock()
		return Reply{}, ErrExchangePending
	}
	ch := make(chan Reply, 1)
	c.waiting[identity] = ch
	c.mu.Unlock()

	defer c.remove(identity, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		return Reply{}, ErrAwaitTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Deliver resolves the pending exchange for the message's identity. It
// reports false when no exchange is waiting; the message then belongs to the
// command router, not to a dialogue.
func (c *Coordinator) Deliver(identity, text string) bool {
	c.mu.Lock()
	ch, ok := c.waiting[identity]
	if ok {
		// Remove before the waiter resumes so the identity can register its
		// next prompt without racing this delivery.
		delete(c.waiting, identity)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- Reply{Identity: identity, Text: text}
	return true
}

// Waiting reports whether an exchange is outstanding for identity.
func (c *Coordinator) Waiting(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiting[identity]
	return ok
}

// Cancel drops the pending exchange for identity, if any. The waiter, if
// still blocked, runs to its timeout or context deadline.
func (c *Coordinator) Cancel(identity string) {
	c.mu.Lock()
	delete(c.waiting, identity)
	c.mu.Unlock()
}

// remove deregisters ch unless a different exchange has replaced it.
func (c *Coordinator) remove(identity string, ch chan Reply) {
	c.mu.Lock()
	if cur, ok := c.waiting[identity]; ok && cur == ch {
		delete(c.waiting, identity)
	}
	c.mu.Unlock()
}
