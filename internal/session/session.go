// Package session owns a single live websocket connection: its outbound
// buffer, its read/write pumps and its shutdown. Sessions are process-local
// and never cross an instance boundary.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const writeWait = 5 * time.Second

// FrameHandler is invoked for every text frame read from the client.
type FrameHandler func(ctx context.Context, s *Session, payload []byte)

type Session struct {
	ID       string
	Identity string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

// New creates a session for an authenticated identity. The buffer size bounds
// how far a slow client may fall behind before it is dropped.
func New(identity string, conn *websocket.Conn, buffer int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 16
	}

	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// TrySend queues payload for delivery without blocking. It reports false when
// the session is closed or its buffer is full; the caller decides whether
// that is fatal for the session.
func (s *Session) TrySend(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close tears the session down. Safe to call from any goroutine and more than
// once; pushes after Close fail harmlessly.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if err != nil {
			s.logger.Warn("session closed", "session_id", s.ID, "user", s.Identity, "err", err)
		}
	})
}

// Outbound exposes the send buffer for draining. Used by tests that stand in
// for the write pump.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Run pumps the connection until the client disconnects or ctx is cancelled.
// It blocks; the caller handles unregistration after it returns.
func (s *Session) Run(ctx context.Context, onFrame FrameHandler) {
	go s.writePump(ctx)
	s.readPump(ctx, onFrame)
}

func (s *Session) readPump(ctx context.Context, onFrame FrameHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("readPump panic", "session_id", s.ID, "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil || s.Closed() {
			return
		}

		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read message failed", "session_id", s.ID, "err", err)
			}
			return
		}

		if onFrame != nil {
			onFrame(ctx, s, payload)
		}
	}
}

func (s *Session) writePump(ctx context.Context) {
	defer func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				if !websocket.IsUnexpectedCloseError(err) {
					s.logger.Error("write failed", "session_id", s.ID, "err", err)
				}
				return
			}
		case <-s.done:
			s.writeClose(websocket.CloseNormalClosure, "closed")
			return
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

func (s *Session) writeClose(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
