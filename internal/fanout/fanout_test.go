package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okatkov/chatrelay/internal/broker"
	"github.com/okatkov/chatrelay/internal/dispatch"
	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/registry"
	"github.com/okatkov/chatrelay/internal/session"
)

var testChannels = Channels{Messages: "chat-messages", Events: "chat-events"}

type savedMessage struct {
	sender, target, kind, content string
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []savedMessage
	failErr error
}

func (f *fakeStore) SaveMessage(_ context.Context, sender, targetKey, kind, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", f.failErr
	}
	f.saved = append(f.saved, savedMessage{sender, targetKey, kind, content})
	return "msg-1", nil
}

func (f *fakeStore) RecordLastSeen(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) Close() error                                            { return nil }

// recordingBroker observes what reaches the broker while still fanning out.
type recordingBroker struct {
	broker.Broker
	mu        sync.Mutex
	published [][]byte
}

func (r *recordingBroker) Publish(ctx context.Context, channel, key string, payload []byte) error {
	r.mu.Lock()
	r.published = append(r.published, payload)
	r.mu.Unlock()
	return r.Broker.Publish(ctx, channel, key, payload)
}

func (r *recordingBroker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

type downBroker struct{}

func (downBroker) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker unavailable")
}
func (downBroker) Subscribe(context.Context, string, broker.Handler) error { return nil }
func (downBroker) Close() error                                            { return nil }

// instance bundles the per-process pieces the way cmd/server wires them.
type instance struct {
	id         string
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	publisher  *Publisher
	subscriber *Subscriber
}

func newInstance(t *testing.T, id string, st *fakeStore, b broker.Broker) *instance {
	t.Helper()

	reg := registry.New(nil)
	d, err := dispatch.New(reg, 128, nil)
	require.NoError(t, err)

	inst := &instance{
		id:         id,
		registry:   reg,
		dispatcher: d,
		publisher:  NewPublisher(id, st, d, b, testChannels, time.Second, nil),
		subscriber: NewSubscriber(b, d, testChannels, nil),
	}
	require.NoError(t, inst.subscriber.Start(context.Background()))
	return inst
}

func (i *instance) connect(identity string, rooms ...string) *session.Session {
	s := session.New(identity, nil, 16, nil)
	i.registry.Register(s)
	i.registry.Subscribe(s.ID, identity)
	i.registry.Subscribe(s.ID, envelope.BroadcastKey)
	for _, room := range rooms {
		i.registry.Subscribe(s.ID, room)
	}
	return s
}

func drain(s *session.Session) []*envelope.Envelope {
	var out []*envelope.Envelope
	for {
		select {
		case raw := <-s.Outbound():
			env, err := envelope.Decode(raw)
			if err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

// Both participants connected to the publishing instance.
func TestPrivateMessage_SameInstance(t *testing.T) {
	st := &fakeStore{}
	b := broker.NewMemory()
	p1 := newInstance(t, "p1", st, b)

	alice := p1.connect("alice")
	bob := p1.connect("bob")

	env, err := p1.publisher.PublishPrivate(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	aliceGot := drain(alice)
	bobGot := drain(bob)
	require.Len(t, aliceGot, 1)
	require.Len(t, bobGot, 1)
	require.Equal(t, "hi", aliceGot[0].Content)
	require.Equal(t, envelope.ConversationKey("alice", "bob"), aliceGot[0].TargetKey)
	require.Equal(t, env.ID, bobGot[0].ID)
	require.Len(t, st.saved, 1)
}

// Receiver connected to a different instance; exactly one
// delivery per session after the broker round-trip.
func TestPrivateMessage_CrossInstance(t *testing.T) {
	st := &fakeStore{}
	b := broker.NewMemory()
	p1 := newInstance(t, "p1", st, b)
	p2 := newInstance(t, "p2", st, b)

	alice := p1.connect("alice")
	bob := p2.connect("bob")

	_, err := p1.publisher.PublishPrivate(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	require.Len(t, drain(alice), 1)
	require.Len(t, drain(bob), 1)
}

// Broker down: sender still succeeds and sees the message,
// remote participants miss it.
func TestRoomMessage_BrokerOutage(t *testing.T) {
	st := &fakeStore{}
	sharedDown := downBroker{}
	p1 := newInstance(t, "p1", st, sharedDown)
	p2 := newInstance(t, "p2", st, sharedDown)

	alice := p1.connect("alice", "r1")
	bob := p2.connect("bob", "r1")

	_, err := p1.publisher.PublishRoom(context.Background(), "alice", "r1", "general", "hello")
	require.NoError(t, err, "persistence succeeded, so the sender sees success")

	require.Len(t, drain(alice), 1, "local delivery precedes the broker publish attempt")
	require.Empty(t, drain(bob))
	require.Len(t, st.saved, 1)
}

// Nothing reaches the broker for a message whose persistence failed.
func TestPersistFailure_AbortsPublish(t *testing.T) {
	st := &fakeStore{failErr: errors.New("disk full")}
	rec := &recordingBroker{Broker: broker.NewMemory()}
	p1 := newInstance(t, "p1", st, rec)

	alice := p1.connect("alice")

	_, err := p1.publisher.PublishPrivate(context.Background(), "alice", "bob", "hi")
	require.Error(t, err)
	require.Empty(t, drain(alice), "no local delivery for an unpersisted message")
	require.Zero(t, rec.count())
}

// Presence and membership envelopes are broadcast but never persisted.
func TestPresence_NotPersisted(t *testing.T) {
	st := &fakeStore{}
	rec := &recordingBroker{Broker: broker.NewMemory()}
	p1 := newInstance(t, "p1", st, rec)
	p2 := newInstance(t, "p2", st, rec)

	watcher := p2.connect("bob")

	require.NoError(t, p1.publisher.PublishPresence(context.Background(), "alice", true))

	require.Empty(t, st.saved)
	require.Equal(t, 1, rec.count())

	got := drain(watcher)
	require.Len(t, got, 1)
	require.Equal(t, envelope.KindPresence, got[0].Kind)
	require.NotNil(t, got[0].Online)
	require.True(t, *got[0].Online)
}

func TestMembership_ReachesRoomMembersOnly(t *testing.T) {
	st := &fakeStore{}
	b := broker.NewMemory()
	p1 := newInstance(t, "p1", st, b)
	p2 := newInstance(t, "p2", st, b)

	member := p2.connect("bob", "r1")
	outsider := p2.connect("carol")

	err := p1.publisher.PublishMembership(context.Background(), envelope.KindJoin, "alice", "r1", "general")
	require.NoError(t, err)

	got := drain(member)
	require.Len(t, got, 1)
	require.Equal(t, envelope.KindJoin, got[0].Kind)
	require.Equal(t, "general", got[0].RoomName)
	require.Empty(t, drain(outsider))
}

// Publish order per origin and target survives the fan-out.
func TestOrderPreservedAcrossInstances(t *testing.T) {
	st := &fakeStore{}
	b := broker.NewMemory()
	p1 := newInstance(t, "p1", st, b)
	p2 := newInstance(t, "p2", st, b)

	bob := p2.connect("bob", "r1")

	for _, content := range []string{"one", "two", "three"} {
		_, err := p1.publisher.PublishRoom(context.Background(), "alice", "r1", "general", content)
		require.NoError(t, err)
	}

	got := drain(bob)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[0].Content)
	require.Equal(t, "two", got[1].Content)
	require.Equal(t, "three", got[2].Content)
}

func TestSubscriber_DropsMalformedAndContinues(t *testing.T) {
	st := &fakeStore{}
	b := broker.NewMemory()
	p1 := newInstance(t, "p1", st, b)
	p2 := newInstance(t, "p2", st, b)

	bob := p2.connect("bob")

	require.NoError(t, b.Publish(context.Background(), testChannels.Messages, "", []byte("{{not json")))

	_, err := p1.publisher.PublishPrivate(context.Background(), "alice", "bob", "still alive")
	require.NoError(t, err)

	got := drain(bob)
	require.Len(t, got, 1)
	require.Equal(t, "still alive", got[0].Content)
}
