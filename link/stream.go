package link

import (
	"errors"
	"io"
	"sync"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// StreamLink carries framed envelopes over a byte stream such as a worker's
// stdin/stdout or a socket.
type StreamLink struct {
	rwc    io.ReadWriteCloser
	reader *FrameReader

	wmu    sync.Mutex
	writer *FrameWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamLink wraps rwc. The link owns rwc and closes it on Close.
func NewStreamLink(rwc io.ReadWriteCloser) *StreamLink {
	return &StreamLink{
		rwc:    rwc,
		reader: NewFrameReader(rwc),
		writer: NewFrameWriter(rwc),
		done:   make(chan struct{}),
	}
}

// SetLimits applies negotiated limits to both directions.
func (l *StreamLink) SetLimits(limits envelope.Limits) {
	l.reader.SetLimits(limits)
	l.wmu.Lock()
	l.writer.SetLimits(limits)
	l.wmu.Unlock()
}

func (l *StreamLink) Send(env *envelope.Envelope) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.writer.WriteEnvelope(env); err != nil {
		if l.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (l *StreamLink) Recv() (*envelope.Envelope, error) {
	env, err := l.reader.ReadEnvelope()
	if err == nil {
		return env, nil
	}
	if l.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		l.Close()
		return nil, ErrClosed
	}
	return nil, err
}

func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.rwc.Close()
	})
	return err
}

func (l *StreamLink) Done() <-chan struct{} {
	return l.done
}

func (l *StreamLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
