package fanout

import (
	"context"
	"log/slog"

	"github.com/okatkov/chatrelay/internal/broker"
	"github.com/okatkov/chatrelay/internal/dispatch"
	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/metrics"
)

// Subscriber feeds broker traffic into the local dispatcher. One Subscriber
// runs per process, subscribed once per channel; it delivers every envelope
// unconditionally and relies on the dispatcher's envelope-id window to
// suppress the echo of locally-published envelopes.
type Subscriber struct {
	broker     broker.Broker
	dispatcher *dispatch.Dispatcher
	channels   Channels
	logger     *slog.Logger
}

func NewSubscriber(b broker.Broker, d *dispatch.Dispatcher, ch Channels, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{broker: b, dispatcher: d, channels: ch, logger: logger}
}

// Start establishes the subscriptions. The receive loops run until ctx is
// cancelled at shutdown.
func (s *Subscriber) Start(ctx context.Context) error {
	for _, channel := range []string{s.channels.Messages, s.channels.Events} {
		if err := s.broker.Subscribe(ctx, channel, s.handle); err != nil {
			return err
		}
	}
	return nil
}

// handle decodes one raw payload and hands it to the dispatcher. A payload
// that fails to decode is logged and dropped; it must never take the
// subscription loop down.
func (s *Subscriber) handle(payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		metrics.MalformedPayloads.Inc()
		s.logger.Warn("dropping malformed broker payload", "err", err)
		return
	}

	s.dispatcher.DeliverLocal(env)
}
