package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/openeats/realtime/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// Handle is a live transport handle owned by the registry. Outbound frames go
// through a buffered channel drained by a single writer goroutine, so pushes
// never block the caller and never race on the websocket connection.
type Handle struct {
	connection *websocket.Conn
	clock      clockwork.Clock
	sendCh     chan []byte
	doneCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	onPong     func()
}

// newHandle wraps a websocket connection. onPong is invoked on every pong
// frame, after the read deadline has been pushed out; may be nil.
func newHandle(connection *websocket.Conn, clock clockwork.Clock, onPong func()) *Handle {
	h := &Handle{
		connection: connection,
		clock:      clock,
		sendCh:     make(chan []byte, messageBufferSize),
		doneCh:     make(chan struct{}),
		onPong:     onPong,
	}
	h.configurePongHandler()
	h.wg.Add(1)
	go h.run()
	return h
}

// Send queues a frame for delivery. Returns false if the buffer is full
// (slow client) or the handle is stopped; the frame is dropped in both cases.
func (h *Handle) Send(data []byte) bool {
	select {
	case <-h.doneCh:
		return false
	default:
	}
	select {
	case h.sendCh <- data:
		return true
	default:
		metrics.RegistryFramesDropped.Inc()
		return false
	}
}

func (h *Handle) run() {
	ticker := h.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.wg.Done()

	for {
		select {
		case msg := <-h.sendCh:
			h.updateWriteDeadline()
			if err := h.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			h.updateWriteDeadline()
			if err := h.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.RegistryPingFailures.Inc()
				return
			}
		case <-h.doneCh:
			return
		}
	}
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		close(h.doneCh)
		_ = h.connection.Close()
	})
	h.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing the connection.
func (h *Handle) stopGraceful(reason string) {
	h.stopOnce.Do(func() {
		close(h.doneCh)

		// Wait for the writer goroutine before touching the connection to
		// avoid concurrent writes.
		h.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		h.updateWriteDeadline()
		_ = h.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = h.connection.Close()
	})
}

func (h *Handle) configurePongHandler() {
	h.updateReadDeadline()
	h.connection.SetPongHandler(func(string) error {
		h.updateReadDeadline()
		if h.onPong != nil {
			h.onPong()
		}
		return nil
	})
}

func (h *Handle) updateWriteDeadline() {
	deadline := h.clock.Now().Add(writeDeadline)
	_ = h.connection.SetWriteDeadline(deadline)
}

func (h *Handle) updateReadDeadline() {
	deadline := h.clock.Now().Add(pongDeadline)
	_ = h.connection.SetReadDeadline(deadline)
}
