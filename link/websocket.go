package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/machinefabric/shieldwire-go/envelope"
)

const closeWriteTimeout = time.Second

// WebSocketLink carries one envelope per binary websocket message.
type WebSocketLink struct {
	conn     *websocket.Conn
	observed *envelope.Identity

	wmu    sync.Mutex
	limits envelope.Limits

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketLink wraps conn. On the accepting side observed carries what the
// server saw during the upgrade (the Origin header); it replaces the origin
// claimed by every inbound envelope so a page cannot speak for another origin.
func NewWebSocketLink(conn *websocket.Conn, observed *envelope.Identity) *WebSocketLink {
	l := &WebSocketLink{
		conn:     conn,
		observed: observed,
		limits:   envelope.DefaultLimits(),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(int64(l.limits.MaxFrame))
	return l
}

func (l *WebSocketLink) SetLimits(limits envelope.Limits) {
	l.wmu.Lock()
	l.limits = limits.Normalize()
	l.wmu.Unlock()
	l.conn.SetReadLimit(int64(limits.Normalize().MaxFrame))
}

func (l *WebSocketLink) Send(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if len(data) > l.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(data), l.limits.MaxFrame)
	}
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if l.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (l *WebSocketLink) Recv() (*envelope.Envelope, error) {
	msgType, data, err := l.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if l.isClosed() || errors.As(err, &ce) {
			l.Close()
			return nil, ErrClosed
		}
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", envelope.ErrMalformed, msgType)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	if l.observed != nil && env.Sender != nil {
		sender := *env.Sender
		sender.Origin = l.observed.Origin
		env.Sender = &sender
	}
	return env, nil
}

func (l *WebSocketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wmu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		l.wmu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *WebSocketLink) Done() <-chan struct{} {
	return l.done
}

func (l *WebSocketLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
