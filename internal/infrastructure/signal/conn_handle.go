package signal

import (
	"sync"

	"beamnet/internal/core/domain"
)

// connHandle adapts one websocket connection to domain.ConnHandle. The
// write loop owns the socket; Send only enqueues, so a slow participant
// can never stall delivery to others sharing a room.
type connHandle struct {
	send chan *domain.Message
	done chan struct{}
	once sync.Once
}

func newConnHandle(buffer int) *connHandle {
	return &connHandle{
		send: make(chan *domain.Message, buffer),
		done: make(chan struct{}),
	}
}

func (h *connHandle) Send(msg *domain.Message) error {
	select {
	case <-h.done:
		return domain.ErrHandleClosed
	default:
	}

	select {
	case h.send <- msg:
		return nil
	default:
		// A full buffer means the peer is not draining; the message is
		// dropped the same way an absent target would be.
		return domain.ErrSendBufferFull
	}
}

func (h *connHandle) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}

func (h *connHandle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
