// Package transport bridges one duplex message connection to one pipeline
// session.
//
// Inbound binary messages become audio frames and inbound text messages
// become raw text chunks holding the JSON payload. Outbound audio frames are
// written as binary messages and outbound text chunks as JSON text messages
// of the form {"type": "...", "content": "..."}.
package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// MessageType is the kind of a transport message.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

// String returns the lower-case name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Conn is a duplex message connection. Read returns [io.EOF] when the peer
// closed the connection normally.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(reason string) error
}

// WebSocket adapts a coder/websocket connection to [Conn].
type WebSocket struct {
	c *websocket.Conn
}

var _ Conn = (*WebSocket)(nil)

// NewWebSocket wraps c.
func NewWebSocket(c *websocket.Conn) *WebSocket {
	return &WebSocket{c: c}
}

// Read implements Conn. Normal closure and going-away are reported as io.EOF.
func (w *WebSocket) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

// Write implements Conn.
func (w *WebSocket) Write(ctx context.Context, typ MessageType, data []byte) error {
	wt := websocket.MessageText
	if typ == MessageBinary {
		wt = websocket.MessageBinary
	}
	return w.c.Write(ctx, wt, data)
}

// Close implements Conn with a normal closure. Closing an already closed
// connection is not an error.
func (w *WebSocket) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
