package websocket

import (
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/steveapo/oikion-realtime/internal/domain"
)

const (
	writeDeadline  = 5 * time.Second
	maxInboundSize = 4096
)

// Transport adapts a gorilla connection to domain.Transport. Frames queue on
// a bounded buffer and a single goroutine writes them; the registry's
// keepalive frame is sent as a WebSocket ping.
type Transport struct {
	conn        *websocket.Conn
	clock       clockwork.Clock
	readTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport starts the writer goroutine. readTimeout bounds how long the
// connection may go without a pong or client message; it must exceed the
// heartbeat interval.
func NewTransport(conn *websocket.Conn, clock clockwork.Clock, bufferSize int, readTimeout time.Duration) *Transport {
	t := newTransport(conn, clock, bufferSize, readTimeout)
	t.configureReads()
	t.wg.Add(1)
	go t.run()
	return t
}

func newTransport(conn *websocket.Conn, clock clockwork.Clock, bufferSize int, readTimeout time.Duration) *Transport {
	return &Transport{
		conn:        conn,
		clock:       clock,
		readTimeout: readTimeout,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
	}
}

// Send queues frame without blocking.
func (t *Transport) Send(frame []byte) error {
	select {
	case <-t.done:
		return domain.ErrTransportClosed
	default:
	}

	select {
	case t.send <- frame:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

// Evict stops the writer. The handler watching Done then closes the
// connection.
func (t *Transport) Evict() {
	t.stop()
}

// Done is closed once the transport stops writing.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// ReadLoop discards client messages until the connection fails or times
// out. It blocks; closes and missed pongs surface here.
func (t *Transport) ReadLoop() {
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
		t.updateReadDeadline()
	}
}

// Close stops the writer, sends a close frame with reason and closes the
// connection.
func (t *Transport) Close(reason string) {
	t.closeOnce.Do(func() {
		t.stop()
		// The writer has exited, so this is the only writer now.
		t.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		t.updateWriteDeadline()
		_ = t.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = t.conn.Close()
	})
}

func (t *Transport) run() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case frame := <-t.send:
			t.updateWriteDeadline()

			var err error
			if bytes.Equal(frame, domain.HeartbeatFrame) {
				err = t.conn.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = t.conn.WriteMessage(websocket.TextMessage, frame)
			}
			if err != nil {
				t.stop()
				return
			}
		}
	}
}

func (t *Transport) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Transport) configureReads() {
	t.conn.SetReadLimit(maxInboundSize)
	t.updateReadDeadline()
	t.conn.SetPongHandler(func(string) error {
		t.updateReadDeadline()
		return nil
	})
}

func (t *Transport) updateWriteDeadline() {
	_ = t.conn.SetWriteDeadline(t.clock.Now().Add(writeDeadline))
}

func (t *Transport) updateReadDeadline() {
	_ = t.conn.SetReadDeadline(t.clock.Now().Add(t.readTimeout))
}
