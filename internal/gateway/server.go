package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/askjohngeorge/leadline/internal/observe"
	"github.com/askjohngeorge/leadline/pkg/audio"
)

// Handler runs one call session over an accepted connection and returns when
// the call ends. The ctx is cancelled when the HTTP request dies, so a
// vanished client tears the session down even if no read ever fails.
type Handler func(ctx context.Context, callID string, conn *Conn) error

// Server upgrades HTTP requests into call connections and supervises one
// handler per call. It implements http.Handler; the application decides the
// listener and route.
type Server struct {
	log     *slog.Logger
	handler Handler
	metrics *observe.Metrics

	wireFormat audio.Format
	wireCodec  string

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics wires the active-call gauge.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithWireFormat sets the outbound audio format announced in the ready
// event. codec is CodecPCM or CodecOpus.
func WithWireFormat(f audio.Format, codec string) ServerOption {
	return func(s *Server) {
		s.wireFormat = f
		s.wireCodec = codec
	}
}

// NewServer creates a call server delegating each accepted connection to
// handler.
func NewServer(handler Handler, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:        log.With("component", "gateway"),
		handler:    handler,
		wireFormat: audio.Format{SampleRate: 16000, Channels: 1},
		wireCodec:  CodecPCM,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WireFormat returns the outbound audio format the server announces.
func (s *Server) WireFormat() (audio.Format, string) {
	return s.wireFormat, s.wireCodec
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Authentication and origin policy belong to the fronting proxy.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	callID := newCallID()
	conn := NewConn(ws, r.RemoteAddr)
	log := s.log.With("call_id", callID)
	log.Info("call connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	if s.metrics != nil {
		s.metrics.ActiveCalls.Add(ctx, 1)
		defer s.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	}

	if err := conn.WriteEvent(ctx, ServerEvent{
		Type:       EventReady,
		CallID:     callID,
		Codec:      s.wireCodec,
		SampleRate: s.wireFormat.SampleRate,
		Channels:   s.wireFormat.Channels,
	}); err != nil {
		log.Warn("ready event failed", "error", err)
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	if err := s.handler(ctx, callID, conn); err != nil {
		log.Error("call session failed", "error", err, "duration", time.Since(start).Round(time.Millisecond))
	} else {
		log.Info("call finished", "duration", time.Since(start).Round(time.Millisecond))
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// Wait blocks until every in-flight call handler has returned or ctx
// expires. Use during graceful shutdown after cancelling the sessions.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: calls still draining: %w", ctx.Err())
	}
}

// newCallID mints a sortable, collision-resistant call identifier.
func newCallID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("call-%s-%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(b[:]))
}
