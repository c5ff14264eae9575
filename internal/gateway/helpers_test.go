package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/pkg/audio"
)

// collector records frames a stage emitted or injected.
type collector struct {
	mu    sync.Mutex
	items []struct {
		f   frame.Frame
		dir frame.Direction
	}
}

func (c *collector) emit(f frame.Frame, dir frame.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, struct {
		f   frame.Frame
		dir frame.Direction
	}{f, dir})
}

func (c *collector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.f.Kind()
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector) at(i int) (frame.Frame, frame.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items[i]
	return it.f, it.dir
}

// count returns how many recorded frames have the given kind.
func (c *collector) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if it.f.Kind() == kind {
			n++
		}
	}
	return n
}

// waitFor polls cond every 5 ms until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptPair spins up a loopback WebSocket and returns the accepted server
// side wrapped in a Conn plus the raw client side. Both close on cleanup.
func acceptPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var ws *websocket.Conn
	select {
	case ws = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for accept")
	}

	conn := NewConn(ws, "loopback")
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
		_ = client.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn, client
}

// writeClientJSON sends one control event from the client side.
func writeClientJSON(t *testing.T, client *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

// writeClientBinary sends one audio message from the client side.
func writeClientBinary(t *testing.T, client *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

// readClient returns the next message seen by the client side.
func readClient(t *testing.T, client *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	mt, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	return mt, data
}

// pcm builds a mono 16 kHz frame of the given duration.
func pcm(d time.Duration) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, audio.PCMBytes(d, 16000, 1)),
		SampleRate: 16000,
		Channels:   1,
	}
}
