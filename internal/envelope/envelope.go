// Package envelope defines the unit of fan-out: the serialized event that
// travels from the accepting instance to every other instance in the fleet.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags an envelope with the event class it carries.
type Kind string

const (
	KindPrivate  Kind = "private"
	KindRoom     Kind = "room"
	KindPresence Kind = "presence"
	KindJoin     Kind = "room_join"
	KindLeave    Kind = "room_leave"
)

// BroadcastKey is the routing key for events every connected session should
// see, regardless of room membership.
const BroadcastKey = "broadcast"

// conversation keys join the two participant identities with this separator
const conversationSep = "::"

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPrivate, KindRoom, KindPresence, KindJoin, KindLeave:
		return true
	}
	return false
}

// Chat reports whether the kind is a user-visible chat message, i.e. one that
// is persisted before it may be broadcast.
func (k Kind) Chat() bool {
	return k == KindPrivate || k == KindRoom
}

// Envelope is the wire form of a fan-out event. The type/content/sender and
// receiver or roomId/roomName fields are client-observable and must keep
// their JSON names.
type Envelope struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	TargetKey   string    `json:"target"`
	Origin      string    `json:"origin"`
	PublishedAt time.Time `json:"publishedAt"`

	Sender   string `json:"sender"`
	Content  string `json:"content,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	RoomName string `json:"roomName,omitempty"`
	Online   *bool  `json:"online,omitempty"`

	// MessageID is the storage identity assigned at persistence time. It is
	// independent of ID, which exists only for transport de-duplication.
	MessageID string `json:"messageId,omitempty"`
}

func newEnvelope(kind Kind, origin, target, sender string) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Kind:        kind,
		TargetKey:   target,
		Origin:      origin,
		PublishedAt: time.Now().UTC(),
		Sender:      sender,
	}
}

// NewPrivate builds a private-message envelope routed by the conversation key
// of the two participants.
func NewPrivate(origin, sender, receiver, content string) *Envelope {
	env := newEnvelope(KindPrivate, origin, ConversationKey(sender, receiver), sender)
	env.Receiver = receiver
	env.Content = content
	return env
}

// NewRoom builds a room-message envelope routed by the room id.
func NewRoom(origin, sender, roomID, roomName, content string) *Envelope {
	env := newEnvelope(KindRoom, origin, roomID, sender)
	env.RoomID = roomID
	env.RoomName = roomName
	env.Content = content
	return env
}

// NewPresence builds an online/offline notification for the given identity.
func NewPresence(origin, identity string, online bool) *Envelope {
	env := newEnvelope(KindPresence, origin, BroadcastKey, identity)
	env.Online = &online
	return env
}

// NewMembership builds a room join or leave notification.
func NewMembership(kind Kind, origin, identity, roomID, roomName string) *Envelope {
	env := newEnvelope(kind, origin, roomID, identity)
	env.RoomID = roomID
	env.RoomName = roomName
	return env
}

// ValidIdentity reports whether id can participate in routing. An identity
// containing the conversation separator would make Participants split a
// conversation key at the wrong point, so such identities are rejected at the
// handshake and wherever a peer identity comes in from a client frame.
func ValidIdentity(id string) bool {
	return id != "" && !strings.Contains(id, conversationSep)
}

// ConversationKey derives the routing key for a private conversation. It is
// symmetric in its arguments, so both participants compute the same key no
// matter who sends first.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + conversationSep + b
}

// Participants returns the two identities of a conversation key. ok is false
// if key is not a conversation key.
func Participants(key string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(key, conversationSep)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// LocalKeys lists the registry keys a dispatcher should look up to find the
// local sessions interested in this envelope. Sessions register under their
// own identity, the rooms they joined and the broadcast key, so private
// envelopes expand to their participant identities.
func (e *Envelope) LocalKeys() []string {
	switch e.Kind {
	case KindPrivate:
		a, b, ok := Participants(e.TargetKey)
		if !ok {
			return nil
		}
		if a == b {
			return []string{a}
		}
		return []string{a, b}
	case KindRoom, KindJoin, KindLeave:
		return []string{e.TargetKey}
	case KindPresence:
		return []string{BroadcastKey}
	}
	return nil
}

// Encode serializes the envelope for the broker.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw broker payload and validates the fields every consumer
// relies on. Malformed payloads yield an error and must be dropped by the
// caller, never redelivered.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("envelope missing id")
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	if env.TargetKey == "" {
		return nil, fmt.Errorf("envelope missing target")
	}
	return &env, nil
}
