// Package dispatch pushes envelopes to the matching local sessions. It is the
// convergence point of the two delivery paths: publish-time delivery on the
// originating instance and broker-echo delivery everywhere, so duplicate
// suppression lives here.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/metrics"
	"github.com/okatkov/chatrelay/internal/registry"
	"github.com/okatkov/chatrelay/internal/session"
)

var errBufferOverflow = errors.New("send buffer overflow")

type Dispatcher struct {
	registry *registry.Registry
	seen     *lru.Cache[string, struct{}]
	logger   *slog.Logger
}

// New creates a dispatcher whose de-duplication window holds the last
// dedupWindow envelope ids. An envelope id survives instance restarts where
// the origin instance id does not, so the window is keyed on ids alone.
func New(reg *registry.Registry, dedupWindow int, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupWindow <= 0 {
		dedupWindow = 4096
	}

	seen, err := lru.New[string, struct{}](dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedup window: %w", err)
	}

	return &Dispatcher{registry: reg, seen: seen, logger: logger}, nil
}

// DeliverLocal pushes env to every live local session subscribed to one of
// its routing keys. No local match is a silent no-op: the envelope may be
// destined for sessions on other instances. A session that cannot accept the
// push is closed; its failure never aborts delivery to its siblings.
func (d *Dispatcher) DeliverLocal(env *envelope.Envelope) {
	if prev, _ := d.seen.ContainsOrAdd(env.ID, struct{}{}); prev {
		metrics.DuplicatesSuppressed.Inc()
		d.logger.Debug("duplicate envelope suppressed", "envelope_id", env.ID, "origin", env.Origin)
		return
	}

	targets := d.collect(env)
	if len(targets) == 0 {
		return
	}

	payload, err := env.Encode()
	if err != nil {
		d.logger.Error("encode envelope for delivery", "envelope_id", env.ID, "err", err)
		return
	}

	for _, s := range targets {
		if s.TrySend(payload) {
			metrics.EnvelopesDelivered.Inc()
			continue
		}

		if !s.Closed() {
			metrics.SessionsDropped.Inc()
			s.Close(errBufferOverflow)
		}
	}
}

// collect unions the sessions of every local key, keyed by session id so a
// session subscribed to more than one matching key receives the envelope once.
func (d *Dispatcher) collect(env *envelope.Envelope) map[string]*session.Session {
	var out map[string]*session.Session
	for _, key := range env.LocalKeys() {
		for _, s := range d.registry.SessionsFor(key) {
			if out == nil {
				out = make(map[string]*session.Session)
			}
			out[s.ID] = s
		}
	}
	return out
}
