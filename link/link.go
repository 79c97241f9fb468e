// Package link provides duplex envelope links: framed byte streams (stdio,
// sockets), an in-memory pipe, websockets, and a multiplexer that carries
// independent logical links over one physical link.
package link

import (
	"errors"
	"sync"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// ErrClosed is returned by Send and Recv once a link is closed, from either end.
var ErrClosed = errors.New("link closed")

// Link is a bidirectional envelope channel. Send may be called concurrently;
// Recv is called from a single reader goroutine.
type Link interface {
	Send(env *envelope.Envelope) error
	Recv() (*envelope.Envelope, error)
	Close() error
	// Done is closed when the link is closed by either end.
	Done() <-chan struct{}
}

// LimitSetter is implemented by links that enforce negotiated limits.
type LimitSetter interface {
	SetLimits(limits envelope.Limits)
}

// queue is an unbounded single-consumer envelope queue.
type queue struct {
	mu     sync.Mutex
	items  []*envelope.Envelope
	notify chan struct{}
	closed bool
	err    error
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) push(env *envelope.Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.signal()
	return true
}

// pop blocks until an item is available or the queue is closed. Items queued
// before a drain-close are still returned.
func (q *queue) pop() (*envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// close stops the queue. With drop set, pending items are discarded.
func (q *queue) close(err error, drop bool) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	if drop {
		q.items = nil
	}
	q.mu.Unlock()
	q.signal()
}
