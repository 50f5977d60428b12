// Package broker abstracts the shared pub/sub transport that replicates
// envelopes across instances. Delivery is best effort: at most once per
// subscriber, no ordering across channels.
package broker

import "context"

// Handler consumes one raw payload received on a subscribed channel. It must
// not block the subscription loop.
type Handler func(payload []byte)

// Broker is a named-channel publish/subscribe transport.
//
// Publish sends payload on channel. key is an ordering hint: payloads
// published with the same key keep their relative order where the backend can
// honor it (Kafka partitions by it; others may ignore it).
//
// Subscribe registers handler for channel and returns once the subscription
// is established; the receive loop runs until ctx is cancelled.
type Broker interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}
