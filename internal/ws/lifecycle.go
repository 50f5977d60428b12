package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/fanout"
	"github.com/okatkov/chatrelay/internal/registry"
	"github.com/okatkov/chatrelay/internal/session"
	"github.com/okatkov/chatrelay/internal/store"
)

// Command is a client-originated frame. The sender is never taken from the
// frame; it is always the session's authenticated identity.
type Command struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	RoomName string `json:"roomName,omitempty"`
}

const (
	cmdPrivate = "private"
	cmdRoom    = "room"
	cmdJoin    = "join"
	cmdLeave   = "leave"
)

// Lifecycle drives a session through connect, room membership and disconnect.
// Each transition updates the local registry and announces itself through the
// fan-out publisher so sessions on other instances observe it too.
type Lifecycle struct {
	registry  *registry.Registry
	publisher *fanout.Publisher
	store     store.Store
	logger    *slog.Logger
}

func NewLifecycle(reg *registry.Registry, pub *fanout.Publisher, st store.Store, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{registry: reg, publisher: pub, store: st, logger: logger}
}

// HandleConnect activates an accepted session: it becomes reachable under its
// identity and the broadcast key, and its presence is announced fleet-wide.
func (l *Lifecycle) HandleConnect(ctx context.Context, s *session.Session) {
	l.registry.Register(s)
	l.registry.Subscribe(s.ID, s.Identity)
	l.registry.Subscribe(s.ID, envelope.BroadcastKey)

	if err := l.publisher.PublishPresence(ctx, s.Identity, true); err != nil {
		l.logger.Error("publish presence online", "user", s.Identity, "err", err)
	}
}

// HandleDisconnect tears a session down: unregister, announce offline, record
// when the user was last seen. Idempotent, so a transport close racing a
// server shutdown is harmless.
func (l *Lifecycle) HandleDisconnect(ctx context.Context, s *session.Session) {
	l.registry.Unregister(s.ID)

	if err := l.publisher.PublishPresence(ctx, s.Identity, false); err != nil {
		l.logger.Error("publish presence offline", "user", s.Identity, "err", err)
	}

	if err := l.store.RecordLastSeen(ctx, s.Identity, time.Now().UTC()); err != nil {
		l.logger.Error("record last seen", "user", s.Identity, "err", err)
	}
}

// HandleFrame parses and executes one client command. Validation failures are
// reported back to the client only; nothing is persisted or published.
func (l *Lifecycle) HandleFrame(ctx context.Context, s *session.Session, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		l.reject(s, "invalid frame")
		return
	}

	switch cmd.Type {
	case cmdPrivate:
		l.handlePrivate(ctx, s, cmd)
	case cmdRoom:
		l.handleRoom(ctx, s, cmd)
	case cmdJoin:
		l.handleJoin(ctx, s, cmd)
	case cmdLeave:
		l.handleLeave(ctx, s, cmd)
	default:
		l.reject(s, "unknown command type")
	}
}

func (l *Lifecycle) handlePrivate(ctx context.Context, s *session.Session, cmd Command) {
	receiver := strings.TrimSpace(cmd.Receiver)
	if receiver == "" || cmd.Content == "" {
		l.reject(s, "private message requires receiver and content")
		return
	}
	if !envelope.ValidIdentity(receiver) {
		l.reject(s, "invalid receiver")
		return
	}

	if _, err := l.publisher.PublishPrivate(ctx, s.Identity, receiver, cmd.Content); err != nil {
		l.logger.Error("private message rejected", "user", s.Identity, "err", err)
		l.reject(s, "message could not be saved")
	}
}

func (l *Lifecycle) handleRoom(ctx context.Context, s *session.Session, cmd Command) {
	roomID := strings.TrimSpace(cmd.RoomID)
	if roomID == "" || cmd.Content == "" {
		l.reject(s, "room message requires roomId and content")
		return
	}

	// Only members may post; membership is the session's room subscription.
	if !l.registry.Subscribed(s.ID, roomID) {
		l.reject(s, "not a member of room "+roomID)
		return
	}

	if _, err := l.publisher.PublishRoom(ctx, s.Identity, roomID, cmd.RoomName, cmd.Content); err != nil {
		l.logger.Error("room message rejected", "user", s.Identity, "room", roomID, "err", err)
		l.reject(s, "message could not be saved")
	}
}

func (l *Lifecycle) handleJoin(ctx context.Context, s *session.Session, cmd Command) {
	roomID := strings.TrimSpace(cmd.RoomID)
	if roomID == "" {
		l.reject(s, "join requires roomId")
		return
	}

	l.registry.Subscribe(s.ID, roomID)

	if err := l.publisher.PublishMembership(ctx, envelope.KindJoin, s.Identity, roomID, cmd.RoomName); err != nil {
		l.logger.Error("publish room join", "user", s.Identity, "room", roomID, "err", err)
	}
}

func (l *Lifecycle) handleLeave(ctx context.Context, s *session.Session, cmd Command) {
	roomID := strings.TrimSpace(cmd.RoomID)
	if roomID == "" {
		l.reject(s, "leave requires roomId")
		return
	}

	// Announce before unsubscribing so the leaving session sees its own
	// leave event, matching what the rest of the room sees.
	if err := l.publisher.PublishMembership(ctx, envelope.KindLeave, s.Identity, roomID, cmd.RoomName); err != nil {
		l.logger.Error("publish room leave", "user", s.Identity, "room", roomID, "err", err)
	}

	l.registry.Unsubscribe(s.ID, roomID)
}

func (l *Lifecycle) reject(s *session.Session, reason string) {
	payload, err := json.Marshal(map[string]string{"type": "error", "content": reason})
	if err != nil {
		return
	}
	s.TrySend(payload)
}
