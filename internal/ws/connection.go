package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection wraps one upgraded WebSocket client connection with a write
// mutex for serializing outbound frames. Reads stay single-threaded: the
// session loop that owns the connection is its only reader.
type Connection struct {
	conn      net.Conn
	writeMu   sync.Mutex
	CreatedAt time.Time

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnection wraps an upgraded net.Conn.
func NewConnection(conn net.Conn, readTimeout, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		CreatedAt:    time.Now(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Send writes a WebSocket text frame. The write mutex ensures concurrent
// goroutines (session loop, streamer, broadcasts) do not interleave frames.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Receive blocks until the next text frame from the client. Control frames
// (ping, pong, close) are handled by wsutil; binary frames are skipped.
func (c *Connection) Receive() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText {
			return data, nil
		}
	}
}

// CloseWithCode writes a close frame with the given status code and reason,
// then closes the underlying connection.
func (c *Connection) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	if err := ws.WriteFrame(c.conn, frame); err != nil {
		c.writeMu.Unlock()
		c.conn.Close()
		return err
	}
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}
