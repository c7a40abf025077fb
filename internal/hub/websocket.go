package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader accepts websocket connections from any origin; peers are local
// daemons, not browsers.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSChannel is a Channel over a websocket connection carrying JSON text frames.
type WSChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex // gorilla allows one concurrent writer
}

// NewWSChannel wraps conn. writeTimeout bounds each Send; zero disables it.
func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	return &WSChannel{conn: conn, writeTimeout: writeTimeout}
}

// Send writes v as one JSON frame.
func (c *WSChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(v)
}

// Read blocks for the next frame and returns its raw payload. Only the
// channel's read loop may call it.
func (c *WSChannel) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection.
func (c *WSChannel) Close() error {
	return c.conn.Close()
}
