package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"homestats/internal/storage"
)

// RedisMirror is the optional read-through mirror backed by Redis. It
// exists purely as a local accelerator in front of the in-process
// cache that Manager already keeps warm — never as a coordination
// point between engine instances, since statistics engines in this
// system never share a writer (Non-goal: no distribution across
// nodes). Losing the mirror entirely just means the next Get falls
// through to the process cache; it carries no authority of its own.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror wires a Manager to a Redis instance. ttl bounds how
// long a mirrored entry survives an UpdateStatisticID/Delete it never
// saw (e.g. a second engine process sharing the same Redis for
// metadata read acceleration only, never for writes).
func NewRedisMirror(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "homestats:meta:"
	}
	return &RedisMirror{client: client, prefix: keyPrefix, ttl: ttl}
}

func (r *RedisMirror) key(statisticID string) string {
	return r.prefix + statisticID
}

// Warm mirrors every row from a fresh Load into Redis, best-effort.
func (r *RedisMirror) Warm(ctx context.Context, rows []storage.MetaRow) {
	pipe := r.client.Pipeline()
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			continue
		}
		pipe.Set(ctx, r.key(row.Descriptor.StatisticID), data, r.ttl)
	}
	// Errors here are not fatal: the in-process cache remains the
	// source of truth and Redis is advisory only.
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops mirrored entries so stale readers fall back to a
// live lookup instead of serving a renamed or deleted statistic_id.
func (r *RedisMirror) Invalidate(ctx context.Context, statisticIDs ...string) {
	if len(statisticIDs) == 0 {
		return
	}
	keys := make([]string, len(statisticIDs))
	for i, id := range statisticIDs {
		keys[i] = r.key(id)
	}
	r.client.Del(ctx, keys...)
}

// Get is exposed for callers (e.g. the HTTP layer) that want to read
// through Redis directly without holding Manager's mutex, trading
// strict freshness for lower lock contention under read-heavy load.
func (r *RedisMirror) Get(ctx context.Context, statisticID string) (storage.MetaRow, bool, error) {
	data, err := r.client.Get(ctx, r.key(statisticID)).Bytes()
	if err == redis.Nil {
		return storage.MetaRow{}, false, nil
	}
	if err != nil {
		return storage.MetaRow{}, false, fmt.Errorf("metadata: redis mirror get %q: %w", statisticID, err)
	}
	var row storage.MetaRow
	if err := json.Unmarshal(data, &row); err != nil {
		return storage.MetaRow{}, false, fmt.Errorf("metadata: redis mirror decode %q: %w", statisticID, err)
	}
	return row, true, nil
}
