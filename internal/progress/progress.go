// Package progress provides the per-session progress channel. Updates
// flow from producers (loop, tools, evaluator) to subscribers (the API
// streaming handler, the scheduler's progress log). Producers never
// block on slow consumers: each subscriber has a bounded buffer with an
// overflow policy. The channel is nil-safe: Publish on a nil *Channel
// is a no-op, so components do not need guard checks.
package progress

import (
	"sync"
	"time"
)

// Sender constants identify which party produced an update.
const (
	// SenderUser marks updates echoing owner input.
	SenderUser = "user"
	// SenderAgent marks natural-language text from the model.
	SenderAgent = "agent"
	// SenderTool marks the user-visible part of a tool result.
	SenderTool = "tool"
	// SenderSystem marks lifecycle notices from the engine itself.
	SenderSystem = "system"
)

// Overflow selects what Publish does when a subscriber's buffer is
// full.
type Overflow string

const (
	// DropOldest evicts the oldest buffered update to make room for
	// the new one. Subscribers see a gap but never stall producers.
	DropOldest Overflow = "drop_oldest"
	// Block waits until the subscriber drains or goes away.
	Block Overflow = "block"
)

// Update is a single progress message. The terminal update of a
// session carries Final=true and the session's final status; the
// subscriber channel is closed immediately after it.
type Update struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
	Final     bool      `json:"final,omitempty"`
	Status    string    `json:"status,omitempty"`
}

type subscriber struct {
	ch chan Update
	// gone is closed on unsubscribe so a Block-policy Publish stuck
	// on this subscriber can give up.
	gone     chan struct{}
	goneOnce sync.Once

	// mu serializes sends with the channel close so a producer can
	// never hit a closed channel.
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) deliver(u Update, overflow Overflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- u:
		return
	default:
	}
	if overflow == Block {
		select {
		case s.ch <- u:
		case <-s.gone:
		}
		return
	}
	// DropOldest: evict buffered updates until the new one fits. mu
	// excludes other producers, so the loop terminates and the newest
	// update is never the one dropped.
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// shutdown closes the subscriber channel exactly once, waking a
// blocked sender first so it releases the send lock.
func (s *subscriber) shutdown() {
	s.goneOnce.Do(func() { close(s.gone) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Channel fans updates out to any number of subscribers. Delivery is
// FIFO per subscriber; ordering across subscribers is not guaranteed.
type Channel struct {
	bufSize  int
	overflow Overflow

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	recv   map[<-chan Update]*subscriber
	closed bool
	log    []Update
}

// NewChannel creates a channel whose subscribers buffer bufSize
// updates and overflow per the given policy.
func NewChannel(bufSize int, overflow Overflow) *Channel {
	if bufSize <= 0 {
		bufSize = 64
	}
	if overflow != Block {
		overflow = DropOldest
	}
	return &Channel{
		bufSize:  bufSize,
		overflow: overflow,
		subs:     make(map[*subscriber]struct{}),
		recv:     make(map[<-chan Update]*subscriber),
	}
}

// Publish delivers an update to all subscribers and appends it to the
// retained log. Safe to call on a nil receiver and after Close
// (no-op).
func (c *Channel) Publish(u Update) {
	if c == nil {
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.log = append(c.log, u)
	subs := make([]*subscriber, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	overflow := c.overflow
	c.mu.Unlock()

	for _, s := range subs {
		s.deliver(u, overflow)
	}
}

// Subscribe returns a channel that receives subsequent updates. The
// caller must eventually call Unsubscribe unless the session closes
// first. After Close the returned channel is already closed.
func (c *Channel) Subscribe() <-chan Update {
	ch := make(chan Update, c.bufSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	s := &subscriber{ch: ch, gone: make(chan struct{})}
	c.subs[s] = struct{}{}
	c.recv[ch] = s
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (c *Channel) Unsubscribe(ch <-chan Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.recv[ch]
	if !ok {
		return
	}
	delete(c.subs, s)
	delete(c.recv, ch)
	s.shutdown()
}

// Close publishes the terminal update carrying the session's final
// status, then closes every subscriber channel. Subsequent Publish
// calls are no-ops; subsequent Subscribe calls return a closed
// channel. Idempotent.
func (c *Channel) Close(status string) {
	if c == nil {
		return
	}
	c.Publish(Update{Sender: SenderSystem, Final: true, Status: status})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for s := range c.subs {
		s.shutdown()
	}
	c.subs = make(map[*subscriber]struct{})
	c.recv = make(map[<-chan Update]*subscriber)
}

// Log returns a copy of every update published so far, in order. Used
// for session snapshots and the scheduler's run records.
func (c *Channel) Log() []Update {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Update, len(c.log))
	copy(out, c.log)
	return out
}

// RestoreLog seeds the retained log, used when loading snapshots.
func (c *Channel) RestoreLog(updates []Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append([]Update(nil), updates...)
}

// SubscriberCount returns the number of active subscribers.
func (c *Channel) SubscriberCount() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
