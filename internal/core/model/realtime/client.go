// Package realtime implements the WebSocket transport for the model peer.
// The wire vocabulary is the OpenAI Realtime API event set; the local
// substitute server speaks the same vocabulary, so one client serves both.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	readDeadline            = 120 * time.Second
	writeDeadline           = 10 * time.Second
)

// ClientOptions configures a model peer connection.
type ClientOptions struct {
	// URL is the full WebSocket endpoint, including any model query parameter.
	URL string

	// Headers are sent with the dial request (authorization, beta flags).
	Headers http.Header

	// CallID tags log lines for the owning call.
	CallID string

	// HandshakeTimeout bounds the dial. Zero means 10 s.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period. Zero means 30 s.
	PingInterval time.Duration
}

// Client manages one WebSocket connection to a model peer. Writes are
// serialized behind wsMu; decoded server events are delivered to the event
// handler from a single reader goroutine, preserving arrival order.
type Client struct {
	opts ClientOptions

	ws   *websocket.Conn
	wsMu sync.Mutex

	mu           sync.Mutex
	connected    bool
	closed       bool
	eventHandler func(event map[string]interface{})
	errorHandler func(err error)

	done chan struct{}
}

// NewClient creates a client for the given endpoint. Connect must be called
// before any send.
func NewClient(opts ClientOptions) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{
		opts: opts,
		done: make(chan struct{}),
	}
}

// SetEventHandler sets the handler for decoded server events. Set it before
// Connect; events arriving without a handler are dropped.
func (c *Client) SetEventHandler(handler func(event map[string]interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// SetErrorHandler sets the handler invoked once when the read loop dies.
func (c *Client) SetErrorHandler(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
}

// Connect dials the model endpoint and starts the reader and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return bridgeerr.New(bridgeerr.KindTransport, "realtime.connect",
			"dial %s failed (status %d): %v", c.opts.URL, status, err)
	}

	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	logger.Base().Info("Model peer connected",
		zap.String("call_id", c.opts.CallID),
		zap.String("url", c.opts.URL))

	go c.readLoop()
	go c.keepAlive()

	return nil
}

// readLoop reads and decodes server events until the socket dies.
func (c *Client) readLoop() {
	for {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			handler := c.errorHandler
			c.mu.Unlock()

			if !closed {
				logger.Base().Warn("Model peer read loop ended",
					zap.String("call_id", c.opts.CallID),
					zap.Error(err))
				if handler != nil {
					handler(bridgeerr.Wrap(bridgeerr.KindTransport, "realtime.read", err))
				}
			}
			return
		}

		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			logger.Base().Warn("Dropping undecodable model event",
				zap.String("call_id", c.opts.CallID),
				zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.eventHandler
		c.mu.Unlock()
		if handler != nil {
			handler(event)
		}
	}
}

// keepAlive pings the peer periodically so idle calls survive proxies.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			if c.ws == nil {
				c.wsMu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline))
			c.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendEvent sends one event to the model. Safe for concurrent use.
func (c *Client) SendEvent(event map[string]interface{}) error {
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return bridgeerr.New(bridgeerr.KindTransport, "realtime.send", "connection is not open")
	}
	c.mu.Unlock()

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return bridgeerr.New(bridgeerr.KindTransport, "realtime.send", "connection is not open")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteJSON(event); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindTransport, "realtime.send", err)
	}
	return nil
}

// UpdateSession sends a session.update with the given session payload.
func (c *Client) UpdateSession(session map[string]interface{}) error {
	return c.SendEvent(map[string]interface{}{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio appends PCM16 audio to the model input buffer.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.SendEvent(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio commits the input buffer, closing the current speech segment.
func (c *Client) CommitAudio() error {
	return c.SendEvent(map[string]interface{}{
		"type": "input_audio_buffer.commit",
	})
}

// ClearAudio discards uncommitted input audio.
func (c *Client) ClearAudio() error {
	return c.SendEvent(map[string]interface{}{
		"type": "input_audio_buffer.clear",
	})
}

// CreateResponse asks the model to generate a response.
func (c *Client) CreateResponse() error {
	return c.SendEvent(map[string]interface{}{
		"type": "response.create",
	})
}

// CancelResponse interrupts the in-progress response.
func (c *Client) CancelResponse() error {
	return c.SendEvent(map[string]interface{}{
		"type": "response.cancel",
	})
}

// CreateFunctionOutput returns a tool result for the given function call id.
func (c *Client) CreateFunctionOutput(functionCallID, output string) error {
	return c.SendEvent(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": functionCallID,
			"output":  output,
		},
	})
}

// CreateUserMessage injects a user text item into the conversation. Used for
// DTMF digits and other out-of-band caller input.
func (c *Client) CreateUserMessage(text string) error {
	return c.SendEvent(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{
					"type": "input_text",
					"text": text,
				},
			},
		},
	})
}

// Close closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	c.wsMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wsMu.Unlock()

	logger.Base().Info("Model peer closed", zap.String("call_id", c.opts.CallID))
	return ws.Close()
}

// IsConnected returns whether the connection is active.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}
