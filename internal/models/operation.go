package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the write verb of a queued operation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Target entity types for queued operations. These name remote resources,
// which do not map one to one onto cached entity types.
const (
	TargetClipVote    = "clip_vote"
	TargetCommentVote = "comment_vote"
	TargetComment     = "comment"
	TargetFavorite    = "favorite"
	TargetSubmission  = "submission"
)

// QueuedOperation is a pending write awaiting server acknowledgment.
// Timestamps are unix milliseconds.
type QueuedOperation struct {
	Seq           int64           `db:"seq" json:"seq"`
	QueueID       string          `db:"queue_id" json:"queue_id"`
	Kind          OperationKind   `db:"kind" json:"kind"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	Attempts      int             `db:"attempts" json:"attempts"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	Rollback      []Snapshot      `db:"rollback" json:"rollback,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "queued_operations"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *QueuedOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// Ready reports whether the backoff gate has elapsed at now.
func (o *QueuedOperation) Ready(now time.Time) bool {
	return o.NextAttemptAt <= now.UnixMilli()
}

// VotePayload is the body of clip and comment vote operations.
type VotePayload struct {
	Vote int16 `json:"vote"`
}

// CommentPayload is the body of comment create and update operations.
type CommentPayload struct {
	ClipID          string  `json:"clip_id,omitempty"`
	Content         string  `json:"content"`
	ParentCommentID *string `json:"parent_comment_id,omitempty"`
	// BaseUpdatedAt is the server version the edit was made against.
	BaseUpdatedAt *time.Time `json:"base_updated_at,omitempty"`
}

// SubmissionPayload is the body of a clip submission.
type SubmissionPayload struct {
	ClipURL          string   `json:"clip_url"`
	CustomTitle      *string  `json:"custom_title,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	IsNSFW           bool     `json:"is_nsfw"`
	SubmissionReason *string  `json:"submission_reason,omitempty"`
}
