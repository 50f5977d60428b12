package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okatkov/chatrelay/internal/broker"
	"github.com/okatkov/chatrelay/internal/dispatch"
	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/fanout"
	"github.com/okatkov/chatrelay/internal/registry"
	"github.com/okatkov/chatrelay/internal/session"
)

type fakeStore struct {
	mu       sync.Mutex
	saved    int
	lastSeen map[string]time.Time
}

func (f *fakeStore) SaveMessage(context.Context, string, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return "msg-1", nil
}

func (f *fakeStore) RecordLastSeen(_ context.Context, identity string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSeen == nil {
		f.lastSeen = make(map[string]time.Time)
	}
	f.lastSeen[identity] = ts
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newLifecycle(t *testing.T) (*Lifecycle, *registry.Registry, *fakeStore) {
	t.Helper()

	reg := registry.New(nil)
	d, err := dispatch.New(reg, 128, nil)
	require.NoError(t, err)

	st := &fakeStore{}
	pub := fanout.NewPublisher("p1", st, d, broker.NewMemory(),
		fanout.Channels{Messages: "m", Events: "e"}, time.Second, nil)

	return NewLifecycle(reg, pub, st, nil), reg, st
}

func connect(l *Lifecycle, identity string) *session.Session {
	s := session.New(identity, nil, 16, nil)
	l.HandleConnect(context.Background(), s)
	return s
}

func drain(s *session.Session) []*envelope.Envelope {
	var out []*envelope.Envelope
	for {
		select {
		case raw := <-s.Outbound():
			if env, err := envelope.Decode(raw); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func drainRaw(s *session.Session) []map[string]string {
	var out []map[string]string
	for {
		select {
		case raw := <-s.Outbound():
			m := map[string]string{}
			_ = json.Unmarshal(raw, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestConnect_AnnouncesPresence(t *testing.T) {
	l, reg, _ := newLifecycle(t)

	alice := connect(l, "alice")
	bob := connect(l, "bob")

	// bob connected last, so he only observes his own presence
	got := drain(bob)
	require.Len(t, got, 1)
	require.Equal(t, envelope.KindPresence, got[0].Kind)
	require.Equal(t, "bob", got[0].Sender)
	require.NotNil(t, got[0].Online)
	require.True(t, *got[0].Online)

	// alice observes both her own and bob's
	require.Len(t, drain(alice), 2)
	require.Equal(t, 2, reg.Len())
}

func TestDisconnect_AnnouncesOfflineAndRecordsLastSeen(t *testing.T) {
	l, reg, st := newLifecycle(t)

	alice := connect(l, "alice")
	bob := connect(l, "bob")
	drain(alice)
	drain(bob)

	l.HandleDisconnect(context.Background(), alice)

	require.Equal(t, 1, reg.Len())
	require.Contains(t, st.lastSeen, "alice")

	got := drain(bob)
	require.Len(t, got, 1)
	require.Equal(t, envelope.KindPresence, got[0].Kind)
	require.Equal(t, "alice", got[0].Sender)
	require.NotNil(t, got[0].Online)
	require.False(t, *got[0].Online)

	// duplicate disconnect is harmless
	l.HandleDisconnect(context.Background(), alice)
}

func TestPrivateCommand(t *testing.T) {
	l, _, st := newLifecycle(t)

	alice := connect(l, "alice")
	bob := connect(l, "bob")
	drain(alice)
	drain(bob)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"private","receiver":"bob","content":"hi"}`))

	got := drain(bob)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Content)
	require.Equal(t, "alice", got[0].Sender)
	require.Equal(t, 1, st.saved)
}

func TestPrivateCommand_RequiresReceiver(t *testing.T) {
	l, _, st := newLifecycle(t)

	alice := connect(l, "alice")
	drain(alice)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"private","content":"hi"}`))

	got := drainRaw(alice)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0]["type"])
	require.Zero(t, st.saved, "nothing persisted for a rejected command")
}

func TestPrivateCommand_RejectsReceiverWithSeparator(t *testing.T) {
	l, _, st := newLifecycle(t)

	alice := connect(l, "alice")
	eve := connect(l, "eve")
	drain(alice)
	drain(eve)

	// "eve::mallory" as receiver would make the conversation key split at
	// the wrong point and misroute the envelope
	l.HandleFrame(context.Background(), alice, []byte(`{"type":"private","receiver":"eve::mallory","content":"hi"}`))

	got := drainRaw(alice)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0]["type"])
	require.Empty(t, drain(eve))
	require.Zero(t, st.saved)
}

func TestRoomCommand_RequiresMembership(t *testing.T) {
	l, _, st := newLifecycle(t)

	alice := connect(l, "alice")
	drain(alice)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"room","roomId":"r1","content":"hi"}`))

	got := drainRaw(alice)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0]["type"])
	require.Zero(t, st.saved)
}

func TestJoinThenPost(t *testing.T) {
	l, reg, _ := newLifecycle(t)

	alice := connect(l, "alice")
	bob := connect(l, "bob")
	drain(alice)
	drain(bob)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"join","roomId":"r1","roomName":"general"}`))
	l.HandleFrame(context.Background(), bob, []byte(`{"type":"join","roomId":"r1","roomName":"general"}`))
	require.True(t, reg.Subscribed(alice.ID, "r1"))

	drain(alice)
	drain(bob)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"room","roomId":"r1","roomName":"general","content":"hi all"}`))

	got := drain(bob)
	require.Len(t, got, 1)
	require.Equal(t, envelope.KindRoom, got[0].Kind)
	require.Equal(t, "hi all", got[0].Content)
	require.Equal(t, "general", got[0].RoomName)
}

func TestLeave_StopsRoomDelivery(t *testing.T) {
	l, reg, _ := newLifecycle(t)

	alice := connect(l, "alice")
	bob := connect(l, "bob")

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"join","roomId":"r1"}`))
	l.HandleFrame(context.Background(), bob, []byte(`{"type":"join","roomId":"r1"}`))
	l.HandleFrame(context.Background(), bob, []byte(`{"type":"leave","roomId":"r1"}`))
	require.False(t, reg.Subscribed(bob.ID, "r1"))

	drain(alice)
	drain(bob)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"room","roomId":"r1","content":"after leave"}`))

	require.Len(t, drain(alice), 1)
	require.Empty(t, drain(bob))
}

func TestUnknownCommand(t *testing.T) {
	l, _, _ := newLifecycle(t)

	alice := connect(l, "alice")
	drain(alice)

	l.HandleFrame(context.Background(), alice, []byte(`{"type":"teleport"}`))

	got := drainRaw(alice)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0]["type"])
}
