// Package models provides data model definitions for the clipsync cache and queue.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a kind of cached entity.
type EntityType string

const (
	EntityClip    EntityType = "clip"
	EntityComment EntityType = "comment"
	EntityFeedRef EntityType = "feedRef"
)

// Valid reports whether t is a cacheable entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityClip, EntityComment, EntityFeedRef:
		return true
	default:
		return false
	}
}

// CachedEntity is one persisted entry of the entity store. Timestamps are
// unix milliseconds.
type CachedEntity struct {
	Type      EntityType      `db:"type" json:"type"`
	ID        string          `db:"id" json:"id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	FetchedAt int64           `db:"fetched_at" json:"fetched_at"`
	ExpiresAt int64           `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CachedEntity.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

// Expired reports whether the entry is past its expiry at now.
func (e *CachedEntity) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// FetchedAtTime returns FetchedAt as time.Time.
func (e *CachedEntity) FetchedAtTime() time.Time {
	return time.UnixMilli(e.FetchedAt)
}

// Decode unmarshals the payload into v.
func (e *CachedEntity) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// EntityWrite is one element of a batch write.
type EntityWrite struct {
	Type    EntityType
	ID      string
	Payload json.RawMessage
	TTL     time.Duration
}

// Snapshot captures the state of one entity before an optimistic change.
// A nil Payload records that the entity was absent.
type Snapshot struct {
	Type      EntityType      `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
	// Tentative is the payload written by the optimistic change. Reverting
	// only happens while the entity still holds it.
	Tentative json.RawMessage `json:"tentative,omitempty"`
}
