package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebsocketConn adapts a gorilla connection to Conn. Data frames are written
// by one goroutine at a time; control frames may be written concurrently.
type WebsocketConn struct {
	id string
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{id: uuid.NewString(), ws: ws}
}

func (c *WebsocketConn) ID() string { return c.id }

// Send writes one text frame. The context deadline becomes the write deadline.
func (c *WebsocketConn) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a ping control frame.
func (c *WebsocketConn) Ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(timeout))
}

// Close sends a normal close frame and tears down the socket.
func (c *WebsocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
