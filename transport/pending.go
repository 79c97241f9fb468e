package transport

import (
	"sync"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// Future is the completion slot of one request. The first settle wins; later
// settles (a late response after a timeout, a teardown after a response) are
// ignored.
type Future struct {
	id   envelope.RequestID
	once sync.Once
	done chan struct{}
	env  *envelope.Envelope
	err  error

	mu       sync.Mutex
	settled  bool
	cleanups []func()
}

func newFuture(id envelope.RequestID) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id.
func (f *Future) ID() envelope.RequestID {
	return f.id
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles and returns the response payload.
func (f *Future) Wait() ([]byte, error) {
	env, err := f.waitEnvelope()
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case envelope.KindMessage:
		return env.Payload, nil
	case envelope.KindError:
		return nil, env.Err
	default:
		return nil, protocolError("unexpected %s response to a unary request", env.Kind)
	}
}

func (f *Future) waitEnvelope() (*envelope.Envelope, error) {
	<-f.done
	return f.env, f.err
}

// settle completes the future with a response or an error. It reports whether
// this call was the one that settled it.
func (f *Future) settle(env *envelope.Envelope, err error) bool {
	settled := false
	f.once.Do(func() {
		settled = true
		f.env, f.err = env, err
		close(f.done)
	})
	if !settled {
		return false
	}
	f.mu.Lock()
	f.settled = true
	cleanups := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()
	for _, fn := range cleanups {
		fn()
	}
	return true
}

// onSettle runs fn once the future settles, immediately if it already has.
func (f *Future) onSettle(fn func()) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		fn()
		return
	}
	f.cleanups = append(f.cleanups, fn)
	f.mu.Unlock()
}

// PendingTable maps live request ids to their futures. An entry is added
// before the request is written and removed exactly once, by its response or
// by teardown.
type PendingTable struct {
	mu       sync.Mutex
	entries  map[envelope.RequestID]*Future
	closed   bool
	closeErr error
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[envelope.RequestID]*Future)}
}

// Register adds a future for id. A live duplicate id is a collision; a table
// that has been torn down rejects new entries with its teardown error.
func (p *PendingTable) Register(id envelope.RequestID) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, p.closeErr
	}
	if _, exists := p.entries[id]; exists {
		return nil, &TransportError{Type: TransportErrorCollision, Message: string(id)}
	}
	f := newFuture(id)
	p.entries[id] = f
	return f, nil
}

// Settle removes id and completes its future. It returns false when id is not
// pending, for example after a timeout already settled it.
func (p *PendingTable) Settle(id envelope.RequestID, env *envelope.Envelope, err error) bool {
	p.mu.Lock()
	f, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	return f.settle(env, err)
}

// RejectAll settles every pending future with err and refuses new entries.
// It returns the number of futures rejected.
func (p *PendingTable) RejectAll(err error) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	p.closeErr = err
	entries := p.entries
	p.entries = make(map[envelope.RequestID]*Future)
	p.mu.Unlock()

	n := 0
	for _, f := range entries {
		if f.settle(nil, err) {
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
