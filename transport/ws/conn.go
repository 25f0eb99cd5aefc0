// Package ws implements the transport.Conn interface over a websocket.
package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaonanln/fanverse/transport"
	"github.com/xiaonanln/fanverse/util/uniqueid"
)

const writeTimeout = 10 * time.Second

// Conn adapts a gorilla websocket connection to transport.Conn. Writes are
// serialized with a mutex because gorilla connections allow only one
// concurrent writer.
type Conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewConn wraps an upgraded websocket connection.
func NewConn(wsConn *websocket.Conn) *Conn {
	return &Conn{
		id: uniqueid.UniqueId(),
		ws: wsConn,
	}
}

// Id returns the connection's unique id.
func (c *Conn) Id() string {
	return c.id
}

// Send writes one text payload to the peer.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// Close sends a close frame with the given code and reason, then closes the
// underlying connection. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	// Best effort: the peer may already be gone
	_ = c.ws.WriteMessage(websocket.CloseMessage, message)
	return c.ws.Close()
}

// ReadMessage blocks until the next inbound text frame and returns its raw
// payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected message type %d", transport.ErrMalformedPayload, msgType)
	}
	return data, nil
}

// ReadControlFrame blocks until the next inbound text frame and parses it.
func (c *Conn) ReadControlFrame() (*transport.ControlFrame, error) {
	data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return transport.ParseControlFrame(data)
}

// mapWriteError maps websocket-level errors onto the transport taxonomy so
// user actors can classify failures without importing gorilla.
func mapWriteError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		return fmt.Errorf("%w: %v", transport.ErrPayloadTooLarge, err)
	}
	if websocket.IsCloseError(err, websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData) {
		return fmt.Errorf("%w: %v", transport.ErrMalformedPayload, err)
	}
	return err
}

var _ transport.Conn = (*Conn)(nil)
