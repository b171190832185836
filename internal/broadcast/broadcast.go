// Package broadcast provides a single producer, multiple consumer channel with bounded buffering.
//
// Every subscription receives each value sent after it subscribed, in order. The producer never
// waits for slow subscriptions: once a subscription falls further behind than the buffer capacity,
// the values it missed are dropped and its next receive reports how many were lost.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Recv once the broadcaster is closed and every buffered value was received,
// and by Send after Close.
var ErrClosed = errors.New("broadcast channel closed")

// LaggedError is returned by Recv when the subscription fell behind and values were dropped.
// The next Recv resumes with the oldest value still buffered.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscription lagged behind by %d values", e.Missed)
}

// Broadcaster fans values out to subscriptions.
//
// Values are kept in a ring buffer indexed by an ever increasing sequence number. The producer only
// appends; each subscription only moves its own cursor.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	buf    []T
	tail   uint64 // sequence number of the next value to be sent
	closed bool

	// notify is closed and replaced on every send and on close to wake up waiting receivers.
	notify chan struct{}

	subscribers int
}

// New creates a broadcaster retaining at most capacity values per lagging subscription.
func New[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		panic("broadcast: capacity must be positive")
	}
	return &Broadcaster[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Send publishes v to all current subscriptions and returns how many there are.
// It never blocks on receivers.
func (b *Broadcaster[T]) Send(v T) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	b.buf[b.tail%uint64(len(b.buf))] = v
	b.tail++
	b.wake()

	return b.subscribers, nil
}

// Subscribe returns a subscription receiving every value sent from now on.
// Subscribing to a closed broadcaster returns a subscription which is immediately closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.subscribers++
	}
	return &Subscription[T]{b: b, next: b.tail, done: b.closed}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers
}

// Close stops the broadcaster. Subscriptions can still receive buffered values, then get ErrClosed.
// Closing more than once is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.wake()
}

// wake must be called with the lock held.
func (b *Broadcaster[T]) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscription is the receiving side of one subscriber.
// A subscription must not be used concurrently.
type Subscription[T any] struct {
	b    *Broadcaster[T]
	next uint64 // sequence number of the next value to receive

	done bool
}

// Recv returns the next value.
//
// It blocks until a value is available, the broadcaster is closed or ctx is done.
// It returns a *LaggedError once after values were dropped for this subscription,
// and ErrClosed after the broadcaster was closed and all retained values were received.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	for {
		v, notify, err := s.tryRecv()
		if notify == nil {
			return v, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-notify:
		}
	}
}

// tryRecv returns a value or an error, or the channel to wait on if nothing is available yet.
func (s *Subscription[T]) tryRecv() (v T, notify <-chan struct{}, err error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.done {
		return v, nil, ErrClosed
	}

	capacity := uint64(len(b.buf))
	if b.tail > capacity && s.next < b.tail-capacity {
		oldest := b.tail - capacity
		missed := oldest - s.next
		s.next = oldest
		return v, nil, &LaggedError{Missed: missed}
	}

	if s.next < b.tail {
		v = b.buf[s.next%capacity]
		s.next++
		return v, nil, nil
	}

	if b.closed {
		s.release()
		return v, nil, ErrClosed
	}

	return v, b.notify, nil
}

// Close unsubscribes. Values sent afterwards are not retained for this subscription.
func (s *Subscription[T]) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.release()
}

// release must be called with the broadcaster lock held.
func (s *Subscription[T]) release() {
	if s.done {
		return
	}
	s.done = true
	if s.b.subscribers > 0 {
		s.b.subscribers--
	}
}
