// Package store is the durable-storage collaborator of the fan-out core.
// Persistence is synchronous: SaveMessage must not return until the message
// is durably recorded, because no envelope may be broadcast for a message
// that would be missing on reload.
package store

import (
	"context"
	"time"
)

type Store interface {
	// SaveMessage durably records a chat message and returns its storage id.
	SaveMessage(ctx context.Context, sender, targetKey, kind, content string) (string, error)

	// RecordLastSeen upserts the moment an identity was last connected.
	RecordLastSeen(ctx context.Context, identity string, ts time.Time) error

	Close() error
}
