package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single frame write so a stalled client cannot block
// the output writer indefinitely.
const writeTimeout = 5 * time.Second

// Conn wraps one accepted call connection. The input stage is the only
// reader; writes from the output stage and the server are serialised by a
// mutex.
type Conn struct {
	ws     *websocket.Conn
	remote string

	writeMu sync.Mutex

	once   sync.Once
	closed chan struct{}
}

// NewConn wraps an accepted WebSocket connection. remote is kept for logs.
func NewConn(ws *websocket.Conn, remote string) *Conn {
	return &Conn{
		ws:     ws,
		remote: remote,
		closed: make(chan struct{}),
	}
}

// Remote returns the peer address for logging.
func (c *Conn) Remote() string { return c.remote }

// Read returns the next message. It blocks until a message arrives, ctx is
// cancelled, or the connection closes.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// WriteBinary sends one audio message.
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

// WriteEvent sends one control event as a text message.
func (c *Conn) WriteEvent(ctx context.Context, ev ServerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *Conn) write(ctx context.Context, mt websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(wctx, mt, data)
}

// Close closes the connection once; later calls are no-ops. Reads and writes
// in flight fail immediately.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// Closed returns a channel closed when Close runs.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}
