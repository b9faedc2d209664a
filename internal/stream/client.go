package stream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// sendBufferSize bounds how many undelivered frames a consumer may queue
// before it counts as slow.
const sendBufferSize = 256

// Client is one downstream consumer connection. Frames normally flow
// through the send channel to the write pump; the rare direct writes
// (pong replies, disconnect notices) share writeMu with it.
type Client struct {
	id   int64
	conn net.Conn
	send chan []byte

	connectedAt  time.Time
	sendAttempts int32
	slowWarned   int32
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newClient(id int64, conn net.Conn) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
	}
}

// enqueue queues a frame without blocking. Reports false when the send
// buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		return false
	}
}

// write sends one frame under the write lock with the standard deadline.
func (c *Client) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// close shuts the underlying connection exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
