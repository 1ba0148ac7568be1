package models

import "time"

// SyncStatus is the state of the sync manager's state machine.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the observable status published to subscribers.
type SyncState struct {
	Status       SyncStatus `json:"status"`
	PendingCount int        `json:"pending_count"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	LastError    string     `json:"last_error,omitempty"`
	Online       bool       `json:"online"`
}

// NoticeKind classifies user-visible sync notices.
type NoticeKind string

const (
	NoticePermanentFailure NoticeKind = "permanent_failure"
	NoticeRejected         NoticeKind = "rejected"
	NoticeConflict         NoticeKind = "conflict"
)

// Notice tells the user about a write that will not reach the server as made.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	QueueID    string     `json:"queue_id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	Attempts   int        `json:"attempts,omitempty"`
	At         time.Time  `json:"at"`
}
