// Package fanout implements the broker side of message delivery: the
// publisher that turns an accepted message into a persisted record plus a
// broadcast envelope, and the subscriber that feeds broker traffic back into
// the local dispatcher.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okatkov/chatrelay/internal/broker"
	"github.com/okatkov/chatrelay/internal/dispatch"
	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/metrics"
	"github.com/okatkov/chatrelay/internal/store"
)

// Channels names the two logical broker channels: chat messages and
// presence/membership events are kept apart so subscribers can treat them
// differently without inspecting payloads.
type Channels struct {
	Messages string
	Events   string
}

type Publisher struct {
	instanceID string
	store      store.Store
	dispatcher *dispatch.Dispatcher
	broker     broker.Broker
	channels   Channels
	timeout    time.Duration
	logger     *slog.Logger
}

func NewPublisher(instanceID string, st store.Store, d *dispatch.Dispatcher, b broker.Broker, ch Channels, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Publisher{
		instanceID: instanceID,
		store:      st,
		dispatcher: d,
		broker:     b,
		channels:   ch,
		timeout:    timeout,
		logger:     logger,
	}
}

// PublishPrivate accepts a private message from sender to receiver. The error
// reflects persistence only: once the message is durably stored the sender
// gets success, whatever the broker does.
func (p *Publisher) PublishPrivate(ctx context.Context, sender, receiver, content string) (*envelope.Envelope, error) {
	env := envelope.NewPrivate(p.instanceID, sender, receiver, content)
	return env, p.publish(ctx, env)
}

// PublishRoom accepts a room message.
func (p *Publisher) PublishRoom(ctx context.Context, sender, roomID, roomName, content string) (*envelope.Envelope, error) {
	env := envelope.NewRoom(p.instanceID, sender, roomID, roomName, content)
	return env, p.publish(ctx, env)
}

// PublishPresence broadcasts that identity went online or offline.
func (p *Publisher) PublishPresence(ctx context.Context, identity string, online bool) error {
	return p.publish(ctx, envelope.NewPresence(p.instanceID, identity, online))
}

// PublishMembership broadcasts a room join or leave to the room's members.
func (p *Publisher) PublishMembership(ctx context.Context, kind envelope.Kind, identity, roomID, roomName string) error {
	return p.publish(ctx, envelope.NewMembership(kind, p.instanceID, identity, roomID, roomName))
}

// publish runs the accept pipeline: persist (chat kinds only), deliver to
// local sessions, then broadcast. Persistence failure aborts everything and
// surfaces to the caller; a broker failure is logged and swallowed because
// local delivery already happened and the sender must not be blocked by a
// broker outage.
func (p *Publisher) publish(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind.Chat() {
		msgID, err := p.store.SaveMessage(ctx, env.Sender, env.TargetKey, string(env.Kind), env.Content)
		if err != nil {
			metrics.PersistFailures.Inc()
			return fmt.Errorf("persist message: %w", err)
		}
		env.MessageID = msgID
	}

	p.dispatcher.DeliverLocal(env)

	payload, err := env.Encode()
	if err != nil {
		// Unreachable for well-formed envelopes; local delivery stands.
		p.logger.Error("encode envelope", "envelope_id", env.ID, "err", err)
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.broker.Publish(pubCtx, p.channelFor(env.Kind), env.TargetKey, payload); err != nil {
		metrics.BrokerPublishFailures.Inc()
		p.logger.Error("broker publish failed, remote fan-out degraded",
			"envelope_id", env.ID, "kind", env.Kind, "target", env.TargetKey, "err", err)
	}

	metrics.EnvelopesPublished.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

func (p *Publisher) channelFor(kind envelope.Kind) string {
	if kind.Chat() {
		return p.channels.Messages
	}
	return p.channels.Events
}
