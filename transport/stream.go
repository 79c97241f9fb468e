package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

type recvResult struct {
	env *envelope.Envelope
	err error
}

// StreamReader yields the items of one server stream in sequence order.
// Items are buffered as they arrive and consumed at the reader's pace.
type StreamReader struct {
	link     link.Link
	reorder  *envelope.ReorderBuffer
	idle     time.Duration
	maxChunk int
	items    chan recvResult
	stop     func() bool

	mu        sync.Mutex
	ready     []*envelope.Envelope
	err       error
	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamReader(ctx context.Context, l link.Link, o options) *StreamReader {
	r := &StreamReader{
		link:     l,
		reorder:  envelope.NewReorderBuffer(o.reorderWindow),
		idle:     o.idleTimeout,
		maxChunk: o.maxChunk,
		items:    make(chan recvResult),
		closed:   make(chan struct{}),
	}
	r.stop = context.AfterFunc(ctx, func() { r.fail(context.Cause(ctx)) })
	go r.pump()
	return r
}

func (r *StreamReader) pump() {
	for {
		env, err := r.link.Recv()
		select {
		case r.items <- recvResult{env, err}:
		case <-r.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next item. It returns io.EOF after the last item, the
// server's error if the stream failed, or a TransportError for protocol faults,
// idle timeouts and closed links. Ending ctx abandons only this wait.
func (r *StreamReader) Next(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if len(r.ready) > 0 {
			env := r.ready[0]
			r.ready[0] = nil
			r.ready = r.ready[1:]
			r.mu.Unlock()
			return env.Payload, nil
		}
		err := r.err
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if r.reorder.Done() {
			r.fail(io.EOF)
			continue
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if r.idle > 0 {
			timer = time.NewTimer(r.idle)
			timeout = timer.C
		}
		select {
		case res := <-r.items:
			r.handle(res)
		case <-timeout:
			r.fail(&TransportError{Type: TransportErrorTimeout, Message: r.idle.String()})
		case <-r.closed:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *StreamReader) handle(res recvResult) {
	if res.err != nil {
		if errors.Is(res.err, link.ErrClosed) {
			r.fail(closedError(errors.New("stream closed before its end")))
		} else {
			r.fail(&TransportError{Type: TransportErrorProtocol, Err: res.err})
		}
		return
	}
	switch res.env.Kind {
	case envelope.KindChunk, envelope.KindStreamEnd:
		if r.maxChunk > 0 && len(res.env.Payload) > r.maxChunk {
			r.fail(&TransportError{
				Type: TransportErrorProtocol,
				Err:  fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(res.env.Payload), r.maxChunk),
			})
			return
		}
		ready, err := r.reorder.Push(res.env)
		if err != nil {
			r.fail(&TransportError{Type: TransportErrorProtocol, Err: err})
			return
		}
		r.mu.Lock()
		r.ready = append(r.ready, ready...)
		r.mu.Unlock()
	case envelope.KindError:
		r.fail(res.env.Err)
	default:
		r.fail(protocolError("unexpected %s on stream", res.env.Kind))
	}
}

// fail records the terminal outcome and releases the stream link. Items
// already put in order stay readable before the error is reported.
func (r *StreamReader) fail(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	r.mu.Unlock()
	r.closeOnce.Do(func() {
		r.stop()
		close(r.closed)
		r.link.Close()
	})
}

// Close cancels the stream. The server sees its stream link disconnect.
func (r *StreamReader) Close() error {
	r.fail(closedError(errors.New("stream closed by reader")))
	return nil
}

// Collect reads the stream to its end.
func (r *StreamReader) Collect(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		item, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}
