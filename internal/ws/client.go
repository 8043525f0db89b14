package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnContext identifies the peer behind a connection. It is handed to every
// routed handler.
type ConnContext struct {
	AuctionID string
	UserID    string
	IPAddress string
	UserAgent string
}

// clientConn serialises writes; gorilla allows one concurrent writer.
type clientConn struct {
	rawConn   *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newClientConn(raw *websocket.Conn) *clientConn { return &clientConn{rawConn: raw} }

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteJSON(v)
}

func (c *clientConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { _ = c.rawConn.Close() })
}
