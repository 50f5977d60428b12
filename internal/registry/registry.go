// Package registry tracks which local sessions are reachable under which
// routing keys. It is deliberately process-local: cross-instance presence is
// reconstructed through the broker fan-out, never through shared state.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/okatkov/chatrelay/internal/session"
)

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	byKey map[string]map[string]*session.Session
}

type entry struct {
	sess *session.Session
	keys map[string]struct{}
}

// Registry is safe for concurrent use. The target index is sharded by routing
// key so updates on unrelated keys do not contend; the session table has its
// own lock, held only for membership changes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	shards [shardCount]shard
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
	for i := range r.shards {
		r.shards[i].byKey = make(map[string]map[string]*session.Session)
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds a session. A session with an empty identity is ignored; the
// handshake should have rejected it upstream.
func (r *Registry) Register(s *session.Session) {
	if s == nil || s.Identity == "" {
		r.logger.Warn("refusing to register session without identity")
		return
	}

	r.mu.Lock()
	r.sessions[s.ID] = &entry{sess: s, keys: make(map[string]struct{})}
	active := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered", "session_id", s.ID, "user", s.Identity, "active", active)
}

// Unregister removes a session and every subscription it held. Idempotent.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	keys := make([]string, 0, len(e.keys))
	for key := range e.keys {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.removeFromShard(key, sessionID)
	}
	r.logger.Info("session unregistered", "session_id", sessionID, "user", e.sess.Identity)
}

// Subscribe adds a routing key to a registered session. Unknown sessions are
// ignored, which makes a disconnect racing a late subscribe harmless.
func (r *Registry) Subscribe(sessionID, key string) {
	if key == "" {
		return
	}

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.keys[key] = struct{}{}
	sess := e.sess
	r.mu.Unlock()

	sh := r.shardFor(key)
	sh.mu.Lock()
	if sh.byKey[key] == nil {
		sh.byKey[key] = make(map[string]*session.Session)
	}
	sh.byKey[key][sessionID] = sess
	sh.mu.Unlock()

	// An Unregister or Unsubscribe completing between the two locks finds
	// nothing to remove from the shard; re-validate and undo the insert so
	// no dead session lingers in the target index.
	r.mu.RLock()
	e, ok = r.sessions[sessionID]
	stale := !ok
	if !stale {
		_, held := e.keys[key]
		stale = !held
	}
	r.mu.RUnlock()

	if stale {
		r.removeFromShard(key, sessionID)
	}
}

// Unsubscribe removes a routing key from a session. Idempotent.
func (r *Registry) Unsubscribe(sessionID, key string) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		delete(e.keys, key)
	}
	r.mu.Unlock()

	r.removeFromShard(key, sessionID)
}

// Subscribed reports whether the session currently holds the given key.
func (r *Registry) Subscribed(sessionID, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, ok = e.keys[key]
	return ok
}

// SessionsFor returns the live sessions subscribed to key. The slice is a
// copy; it reflects every register/unregister completed before the call.
func (r *Registry) SessionsFor(key string) []*session.Session {
	sh := r.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	members := sh.byKey[key]
	if len(members) == 0 {
		return nil
	}

	out := make([]*session.Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) removeFromShard(key, sessionID string) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	members, ok := sh.byKey[key]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(sh.byKey, key)
	}
}
