package telephony

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	connReadDeadline  = 120 * time.Second
	connWriteDeadline = 10 * time.Second

	// outboundQueueSize bounds frames waiting on the write pump. At 20 ms
	// per frame this is a little over two seconds of audio.
	outboundQueueSize = 128
)

// Conn wraps an accepted telephony WebSocket with a read pump, a write pump
// behind a bounded queue, and close-once semantics. Adapters own the wire
// schema; Conn only moves frames.
type Conn struct {
	ws *websocket.Conn

	out  chan []byte
	done chan struct{}

	closed  atomic.Bool
	closeMu sync.Mutex
	wg      sync.WaitGroup

	// readErr holds the error that ended the read pump, nil on local close.
	readErr error
}

// NewConn wraps an upgraded WebSocket. Start must be called to begin
// pumping frames.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// Start launches the pumps. onFrame is invoked from the read pump for every
// inbound frame, in arrival order; onClose is invoked exactly once after the
// read pump exits, with the transport error or nil when closed locally.
func (c *Conn) Start(onFrame func(data []byte), onClose func(err error)) {
	c.ws.SetPingHandler(func(appData string) error {
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.wg.Add(1)
	go c.writePump()

	go func() {
		c.readPump(onFrame)
		c.Close()
		if onClose != nil {
			onClose(c.readErr)
		}
	}()
}

func (c *Conn) readPump(onFrame func(data []byte)) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(connReadDeadline))

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("Telephony read pump ended", zap.Error(err))
			}
			if !c.closed.Load() {
				c.readErr = bridgeerr.Wrap(bridgeerr.KindTransport, "telephony.read", err)
			}
			return
		}

		onFrame(data)
	}
}

func (c *Conn) writePump() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(connWriteDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !c.closed.Load() {
					logger.Base().Warn("Telephony write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// Send marshals v and queues it for the write pump. When the queue is full
// the frame is dropped with a warning; a closed connection is an error.
func (c *Conn) Send(v interface{}) error {
	if c.closed.Load() {
		return bridgeerr.New(bridgeerr.KindTransport, "telephony.send", "connection is closed")
	}

	frame, err := json.Marshal(v)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindProtocol, "telephony.send", err)
	}

	select {
	case c.out <- frame:
		return nil
	default:
		logger.Base().Warn("Telephony outbound queue full, dropping frame")
		return nil
	}
}

// Done closes when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	close(c.done)

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.ws.Close()

	c.wg.Wait()
	return err
}
