package httpserver

import (
	"sync"

	"github.com/steveapo/oikion-realtime/internal/domain"
)

// streamTransport queues frames for one server-sent-events response. The
// handler goroutine owns the response writer and drains frames until done
// is closed by the handler or by the registry evicting the connection.
type streamTransport struct {
	frames   chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newStreamTransport(bufferSize int) *streamTransport {
	return &streamTransport{
		frames: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

func (t *streamTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return domain.ErrTransportClosed
	default:
	}

	select {
	case t.frames <- frame:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

func (t *streamTransport) Evict() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *streamTransport) Done() <-chan struct{} {
	return t.done
}
