package link

import (
	"sync"

	"github.com/machinefabric/shieldwire-go/envelope"
)

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    *queue
	peer  *pipeEnd
	state *pipeState
}

// Pipe returns two connected in-memory links. Envelopes are delivered in send
// order; closing either end closes both, and the far end still receives what
// was sent before the close.
func Pipe() (Link, Link) {
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{in: newQueue(), state: state}
	b := &pipeEnd{in: newQueue(), state: state}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	copied := *env
	if !p.peer.in.push(&copied) {
		return ErrClosed
	}
	return nil
}

func (p *pipeEnd) Recv() (*envelope.Envelope, error) {
	return p.in.pop()
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
		p.in.close(ErrClosed, true)
		p.peer.in.close(ErrClosed, false)
	})
	return nil
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.state.done
}
