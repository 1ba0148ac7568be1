package models

import (
	"encoding/json"
	"time"
)

// ConflictLog records a divergence between a queued local write and the
// server's version that needs the user's decision.
type ConflictLog struct {
	ID              string          `db:"id" json:"id"`
	QueueID         string          `db:"queue_id" json:"queue_id"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Local           json.RawMessage `db:"local" json:"local"`
	Remote          json.RawMessage `db:"remote" json:"remote"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64           `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string          `db:"resolution" json:"resolution"`
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
