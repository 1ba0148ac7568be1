// Package optimistic applies tentative local changes to the entity store
// and reverts them when the server rejects the write.
package optimistic

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// Store is the part of the entity store the primitive needs.
type Store interface {
	Peek(ctx context.Context, t models.EntityType, id string) (*models.CachedEntity, bool, error)
	PutMany(ctx context.Context, writes []models.EntityWrite) error
	Restore(ctx context.Context, snap models.Snapshot) error
	Expire(ctx context.Context, t models.EntityType, id string) error
	Now() time.Time
}

// MutateFunc returns the tentative payload for an entity given its current
// payload, which is nil when the entity is not cached. Returning a nil
// payload leaves the entity untouched.
type MutateFunc func(current json.RawMessage) (json.RawMessage, error)

// Change is one tentative entity update.
type Change struct {
	Type   models.EntityType
	ID     string
	Mutate MutateFunc
	// TTL applies when the entity was not cached before. Existing entries
	// keep their expiry.
	TTL time.Duration
}

// Applier applies and reverts optimistic changes.
type Applier struct {
	store      Store
	defaultTTL time.Duration
}

// New creates an Applier. defaultTTL is used for new entries whose change
// carries no TTL.
func New(store Store, defaultTTL time.Duration) *Applier {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Applier{store: store, defaultTTL: defaultTTL}
}

// Apply writes the tentative payloads of changes in one batch and returns
// snapshots of the previous state, one per entity actually written.
func (a *Applier) Apply(ctx context.Context, changes ...Change) ([]models.Snapshot, error) {
	now := a.store.Now().UnixMilli()

	var (
		snaps   []models.Snapshot
		writes  []models.EntityWrite
		expired []models.Snapshot
	)
	for _, c := range changes {
		current, found, err := a.store.Peek(ctx, c.Type, c.ID)
		if err != nil {
			return nil, err
		}

		var before json.RawMessage
		if found {
			before = current.Payload
		}
		tentative, err := c.Mutate(before)
		if err != nil {
			return nil, err
		}
		if tentative == nil {
			continue
		}

		snap := models.Snapshot{Type: c.Type, ID: c.ID, Tentative: tentative}
		ttl := c.TTL
		if ttl <= 0 {
			ttl = a.defaultTTL
		}
		if found {
			snap.Payload = current.Payload
			snap.ExpiresAt = current.ExpiresAt
			if remaining := current.ExpiresAt - now; remaining > 0 {
				ttl = time.Duration(remaining) * time.Millisecond
			} else {
				expired = append(expired, snap)
			}
		}

		snaps = append(snaps, snap)
		writes = append(writes, models.EntityWrite{Type: c.Type, ID: c.ID, Payload: tentative, TTL: ttl})
	}

	if err := a.store.PutMany(ctx, writes); err != nil {
		return nil, err
	}
	// Stale entries stay stale so the next online read still refreshes them.
	for _, snap := range expired {
		if err := a.store.Expire(ctx, snap.Type, snap.ID); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

// Revert undoes snapshots in reverse order. An entity that no longer holds
// its tentative payload has been overwritten by newer data since Apply; it
// is expired instead so the next read refetches it.
func (a *Applier) Revert(ctx context.Context, snaps []models.Snapshot) error {
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]

		current, found, err := a.store.Peek(ctx, snap.Type, snap.ID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		if Equal(current.Payload, snap.Tentative) {
			if err := a.store.Restore(ctx, snap); err != nil {
				return err
			}
			logging.Debug("Reverted optimistic change", map[string]interface{}{
				"entity_type": snap.Type,
				"entity_id":   snap.ID,
			})
			continue
		}

		if err := a.store.Expire(ctx, snap.Type, snap.ID); err != nil {
			return err
		}
		logging.Debug("Optimistic change superseded, expired entity", map[string]interface{}{
			"entity_type": snap.Type,
			"entity_id":   snap.ID,
		})
	}
	return nil
}

// Equal compares two JSON documents ignoring insignificant whitespace.
func Equal(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Update returns a MutateFunc that decodes the current payload into a T and
// applies fn. Only the fields fn changed are written back onto the current
// document, so server fields T does not declare are kept. Uncached entities
// are skipped.
func Update[T any](fn func(*T) error) MutateFunc {
	return func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, nil
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, err
		}
		before, err := fields(&v)
		if err != nil {
			return nil, err
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		after, err := fields(&v)
		if err != nil {
			return nil, err
		}

		for k, val := range after {
			if prev, ok := before[k]; !ok || !Equal(prev, val) {
				doc[k] = val
			}
		}
		for k := range before {
			// omitempty field cleared by fn
			if _, ok := after[k]; !ok {
				delete(doc, k)
			}
		}
		return json.Marshal(doc)
	}
}

func fields(v interface{}) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Insert returns a MutateFunc that writes v whether or not the entity is
// already cached.
func Insert(v interface{}) MutateFunc {
	return func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(v)
	}
}
