// Package session serves the provider and caller socket endpoints.
//
// Each endpoint authenticates during the HTTP handshake, before the upgrade,
// so a refused client never reaches message handling. After the upgrade one
// goroutine reads and handles requests in arrival order while a second drains
// the outbound queue, so a slow client never blocks broadcasts to others.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/metrics"
	"github.com/JakeFAU/open-website-status/internal/protocol"
)

var (
	errClosed          = errors.New("session closed")
	errSlowConsumer    = errors.New("outbound queue full")
	errMessageTooLarge = errors.New("message exceeds size limit")
)

// Config tunes per-connection behavior.
type Config struct {
	OutboundBuffer  int
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

type handlerFunc func(ctx context.Context, req protocol.Request) (any, error)

// route binds an inbound event to its handler and the acknowledgement sent
// when the handler fails with an unexpected error.
type route struct {
	handle   handlerFunc
	fallback string
}

// socket is one upgraded connection.
type socket struct {
	id         string
	remoteAddr string
	endpoint   string
	cfg        Config
	logger     *zap.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex // serializes frame writes and guards conn
	conn net.Conn
}

func newSocket(id, remoteAddr, endpoint string, cfg Config, logger *zap.Logger) *socket {
	return &socket{
		id:         id,
		remoteAddr: remoteAddr,
		endpoint:   endpoint,
		cfg:        cfg,
		logger:     logger,
		out:        make(chan []byte, cfg.OutboundBuffer),
		done:       make(chan struct{}),
	}
}

// attach binds the upgraded connection and starts the writer. Frames queued
// before attach are flushed first.
func (s *socket) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	select {
	case <-s.done:
		// Closed during the handshake; serve fails on its first read.
		_ = conn.Close()
		return
	default:
	}
	go s.writeLoop()
}

// push queues a server initiated event.
func (s *socket) push(event string, data any) error {
	return s.send(protocol.Push{Event: event, Data: data})
}

// send queues one frame without blocking. A client that cannot keep up with
// its queue is disconnected.
func (s *socket) send(frame any) error {
	b, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.out <- b:
		return nil
	case <-s.done:
		return errClosed
	default:
		metrics.ObserveOutboundDropped(s.endpoint)
		s.logger.Warn("outbound queue full, closing session", zap.Int("capacity", cap(s.out)))
		s.close()
		return errSlowConsumer
	}
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if err := s.writeMessage(ws.OpText, frame); err != nil {
				s.logger.Debug("write frame", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *socket) writeMessage(op ws.OpCode, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return wsutil.WriteServerMessage(s.conn, op, payload)
}

// Write lets control frame replies share the write lock with the writer loop.
func (s *socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, errClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	return s.conn.Write(p)
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// serve reads messages until the client leaves or breaks the framing rules.
// Requests are handled one at a time in arrival order.
func (s *socket) serve(ctx context.Context, routes map[string]route) error {
	control := wsutil.ControlFrameHandler(s, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   s.cfg.MaxMessageBytes,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		payload, err := io.ReadAll(io.LimitReader(rd, s.cfg.MaxMessageBytes+1))
		if err != nil {
			return err
		}
		if int64(len(payload)) > s.cfg.MaxMessageBytes {
			return errMessageTooLarge
		}
		if hdr.OpCode != ws.OpText {
			s.logger.Debug("ignoring binary message")
			continue
		}
		s.handle(ctx, payload, routes)
	}
}

func (s *socket) handle(ctx context.Context, payload []byte, routes map[string]route) {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		s.logger.Debug("malformed frame", zap.Error(err))
		metrics.ObserveSocketRequest(s.endpoint, "unknown", ackSchemaMismatch, 0)
		return
	}

	start := time.Now()
	var (
		data     any
		fallback = ackSchemaMismatch
	)
	rt, ok := routes[req.Event]
	if ok {
		fallback = rt.fallback
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		data, err = rt.handle(rctx, req)
		cancel()
	} else {
		err = fmt.Errorf("unknown event %q: %w", req.Event, protocol.ErrSchemaMismatch)
	}

	msg := ackMessage(err, fallback)
	if msg == fallback && fallback != ackSchemaMismatch {
		s.logger.Error("request failed", zap.String("event", req.Event), zap.Error(err))
	}
	outcome := "ok"
	if msg != "" {
		outcome = msg
	}
	event := req.Event
	if !ok {
		event = "unknown"
	}
	metrics.ObserveSocketRequest(s.endpoint, event, outcome, time.Since(start))

	if req.ID == nil {
		return
	}
	if err := s.send(protocol.NewAck(*req.ID, msg, data)); err != nil {
		s.logger.Debug("send ack", zap.String("event", req.Event), zap.Error(err))
	}
}

// isNormalClose reports whether err is an ordinary end of a session.
func isNormalClose(err error) bool {
	var closed wsutil.ClosedError
	return err == nil ||
		errors.As(err, &closed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

func remoteHost(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
