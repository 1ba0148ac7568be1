package conflict

import (
	"context"
	"database/sql"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/uuid"
)

// Log persists conflicts that need the user's decision.
type Log struct {
	db *sql.DB
}

// NewLog creates a conflict log over an already migrated database.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record stores entry, assigning an id when it has none.
func (l *Log) Record(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	_, err := l.db.ExecContext(ctx, `
	INSERT INTO conflict_log (id, queue_id, entity_type, entity_id, local, remote,
		local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.QueueID, entry.EntityType, entry.EntityID,
		[]byte(entry.Local), []byte(entry.Remote),
		entry.LocalTimestamp, entry.RemoteTimestamp, entry.Resolution, entry.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "record conflict", err)
	}
	return nil
}

// List returns the most recent conflicts first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	query := `SELECT id, queue_id, entity_type, entity_id, local, remote,
		local_timestamp, remote_timestamp, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			c             models.ConflictLog
			local, remote []byte
		)
		if err := rows.Scan(&c.ID, &c.QueueID, &c.EntityType, &c.EntityID, &local, &remote,
			&c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan conflict", err)
		}
		c.Local = local
		c.Remote = remote
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "iterate conflicts", err)
	}
	return out, nil
}

// Dismiss removes a conflict once the user has decided.
func (l *Log) Dismiss(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM conflict_log WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "dismiss conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "conflict %s not found", id)
	}
	return nil
}
