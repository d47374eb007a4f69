package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"beamnet/internal/core/domain"
)

const (
	transportWriteWait  = 10 * time.Second
	transportPongWait   = 60 * time.Second
	transportPingPeriod = (transportPongWait * 9) / 10
	transportReadLimit  = 512 * 1024
)

// Transport is a message pipe to the rendezvous server. Incoming delivers
// decoded messages until the connection drops, at which point Done is closed.
type Transport interface {
	Send(msg *domain.Message) error
	Incoming() <-chan *domain.Message
	Done() <-chan struct{}
	Close()
}

// Dialer opens a fresh Transport. The controller calls it for the initial
// connection and again on every reconnection attempt.
type Dialer func(ctx context.Context) (Transport, error)

// NewWebSocketDialer returns a Dialer for the server's websocket endpoint.
func NewWebSocketDialer(serverURL string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return dialWebSocket(ctx, serverURL)
	}
}

type wsTransport struct {
	conn     *websocket.Conn
	incoming chan *domain.Message
	outgoing chan *domain.Message
	done     chan struct{}
	once     sync.Once
}

func dialWebSocket(ctx context.Context, serverURL string) (Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	t := &wsTransport{
		conn:     conn,
		incoming: make(chan *domain.Message, 32),
		outgoing: make(chan *domain.Message, 32),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(transportReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(transportPongWait))
	})

	go t.readPump()
	go t.writePump()

	return t, nil
}

func (t *wsTransport) Send(msg *domain.Message) error {
	select {
	case <-t.done:
		return domain.ErrHandleClosed
	default:
	}
	select {
	case t.outgoing <- msg:
		return nil
	case <-t.done:
		return domain.ErrHandleClosed
	}
}

func (t *wsTransport) Incoming() <-chan *domain.Message { return t.incoming }

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Close() {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

func (t *wsTransport) readPump() {
	defer func() {
		t.Close()
		close(t.incoming)
	}()

	t.conn.SetReadDeadline(time.Now().Add(transportPongWait))

	for {
		var msg domain.Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case t.incoming <- &msg:
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(transportPingPeriod)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case msg := <-t.outgoing:
			t.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			if err := t.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
