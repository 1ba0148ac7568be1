// Package queue provides the durable operation queue for offline writes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/uuid"
)

// Config holds queue limits and retry policy.
type Config struct {
	MaxAttempts    int           // failures before an operation is abandoned (default: 5)
	RetryBaseDelay time.Duration // first backoff delay, 0 disables backoff (default: 2s)
	RetryMaxDelay  time.Duration // backoff cap (default: 5m)
	MaxSize        int           // 0 means unbounded
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    5,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
	}
}

// FailResult reports what Fail did with the operation.
type FailResult struct {
	Attempts  int
	Abandoned bool
	// Operation is the state after the failure was recorded. For abandoned
	// operations it is the removed row.
	Operation *models.QueuedOperation
}

// Queue is a FIFO of pending writes stored in SQLite.
type Queue struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
	mu  sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue over an already migrated database.
func NewQueue(db *sql.DB, cfg *Config, opts ...Option) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig().MaxAttempts
	}

	q := &Queue{db: db, cfg: c, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts returns the abandonment threshold.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

const selectOperation = `SELECT seq, queue_id, kind, entity_type, entity_id, payload, created_at,
	attempts, next_attempt_at, last_error, rollback FROM queued_operations`

// Enqueue appends op and returns its queue id. A client id already set on
// op is kept, so a retried enqueue with the same id is rejected rather
// than duplicated.
func (q *Queue) Enqueue(ctx context.Context, op *models.QueuedOperation) (string, error) {
	if op == nil {
		return "", errors.New(errors.ErrValidation, "operation is required")
	}
	switch op.Kind {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return "", errors.Newf(errors.ErrValidation, "invalid operation kind %q", op.Kind)
	}
	if op.EntityType == "" || op.EntityID == "" {
		return "", errors.New(errors.ErrValidation, "operation target is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxSize > 0 {
		n, err := q.count(ctx)
		if err != nil {
			return "", err
		}
		if n >= q.cfg.MaxSize {
			return "", errors.Newf(errors.ErrQueueFull, "queue is full (max size: %d)", q.cfg.MaxSize)
		}
	}

	if op.QueueID == "" {
		op.QueueID = uuid.New()
	}
	now := q.now().UnixMilli()
	op.CreatedAt = now
	op.NextAttemptAt = now
	op.Attempts = 0
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage(`{}`)
	}

	rollback, err := marshalRollback(op.Rollback)
	if err != nil {
		return "", err
	}

	res, err := q.db.ExecContext(ctx, `
	INSERT INTO queued_operations (queue_id, kind, entity_type, entity_id, payload, created_at,
		attempts, next_attempt_at, last_error, rollback)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?)`,
		op.QueueID, string(op.Kind), op.EntityType, op.EntityID, []byte(op.Payload), op.CreatedAt,
		op.NextAttemptAt, rollback)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "enqueue operation", err)
	}
	op.Seq, _ = res.LastInsertId()

	logging.Debug("Enqueued operation", map[string]interface{}{
		"queue_id":    op.QueueID,
		"kind":        op.Kind,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
	})
	return op.QueueID, nil
}

// DequeueAll returns every pending operation in creation order. Operations
// stay in the queue until acked or abandoned.
func (q *Queue) DequeueAll(ctx context.Context) ([]*models.QueuedOperation, error) {
	rows, err := q.db.QueryContext(ctx, selectOperation+` ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list operations", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "iterate operations", err)
	}
	return ops, nil
}

// Get returns one operation.
func (q *Queue) Get(ctx context.Context, queueID string) (*models.QueuedOperation, error) {
	row := q.db.QueryRowContext(ctx, selectOperation+` WHERE queue_id = ?`, queueID)
	op, err := scanOperation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "operation %s not found", queueID)
	}
	return op, err
}

// Ack removes a confirmed operation. Acking an unknown id is a no-op.
func (q *Queue) Ack(ctx context.Context, queueID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE queue_id = ?`, queueID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "ack operation", err)
	}
	return nil
}

// Fail records a failed attempt. Once attempts reach MaxAttempts the
// operation is removed and reported as abandoned.
func (q *Queue) Fail(ctx context.Context, queueID string, cause error) (*FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "begin fail", err)
	}
	defer tx.Rollback()

	op, err := scanOperation(tx.QueryRowContext(ctx, selectOperation+` WHERE queue_id = ?`, queueID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "operation %s not found", queueID)
	}
	if err != nil {
		return nil, err
	}

	op.Attempts++
	if cause != nil {
		op.LastError = cause.Error()
	}
	result := &FailResult{Attempts: op.Attempts, Operation: op}

	if op.Attempts >= q.cfg.MaxAttempts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_operations WHERE queue_id = ?`, queueID); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "abandon operation", err)
		}
		result.Abandoned = true
		logging.Warn("Operation abandoned after max attempts", map[string]interface{}{
			"queue_id":     queueID,
			"entity_type":  op.EntityType,
			"attempts":     op.Attempts,
			"max_attempts": q.cfg.MaxAttempts,
			"last_error":   op.LastError,
		})
	} else {
		delay := q.backoff(op.Attempts)
		op.NextAttemptAt = q.now().Add(delay).UnixMilli()
		_, err := tx.ExecContext(ctx, `
		UPDATE queued_operations SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE queue_id = ?`,
			op.Attempts, op.NextAttemptAt, op.LastError, queueID)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "record failure", err)
		}
		logging.Info("Operation failed, will retry", map[string]interface{}{
			"queue_id":    queueID,
			"attempt":     op.Attempts,
			"retry_in_ms": delay.Milliseconds(),
			"last_error":  op.LastError,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "commit fail", err)
	}
	return result, nil
}

// backoff returns the delay after the given number of failed attempts:
// base, 2*base, 4*base, ... capped at RetryMaxDelay.
func (q *Queue) backoff(attempts int) time.Duration {
	if q.cfg.RetryBaseDelay <= 0 || attempts <= 0 {
		return 0
	}

	b := retry.NewExponential(q.cfg.RetryBaseDelay)
	if q.cfg.RetryMaxDelay > 0 {
		b = retry.WithCappedDuration(q.cfg.RetryMaxDelay, b)
	}

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay, _ = b.Next()
	}
	return delay
}

// PeekPendingCount returns the number of queued operations.
func (q *Queue) PeekPendingCount(ctx context.Context) (int, error) {
	return q.count(ctx)
}

func (q *Queue) count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_operations`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "count operations", err)
	}
	return n, nil
}

// PendingFor counts queued operations targeting one entity.
func (q *Queue) PendingFor(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_operations WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "count entity operations", err)
	}
	return n, nil
}

// UpdatePayload replaces the payload of a pending operation.
func (q *Queue) UpdatePayload(ctx context.Context, queueID string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `UPDATE queued_operations SET payload = ? WHERE queue_id = ?`,
		[]byte(payload), queueID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "update payload", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "operation %s not found", queueID)
	}
	return nil
}

// RewriteEntityID replaces a temporary client id with the server-assigned
// id in every pending operation, both as target and inside payloads.
func (q *Queue) RewriteEntityID(ctx context.Context, oldID, newID string) (int64, error) {
	if oldID == "" || newID == "" || oldID == newID {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
	UPDATE queued_operations
	SET entity_id = CASE WHEN entity_id = ? THEN ? ELSE entity_id END,
		payload = CAST(REPLACE(CAST(payload AS TEXT), ?, ?) AS BLOB)
	WHERE entity_id = ? OR instr(CAST(payload AS TEXT), ?) > 0`,
		oldID, newID, oldID, newID, oldID, oldID)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "rewrite entity id", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear removes every pending operation and returns how many were dropped.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_operations`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "clear queue", err)
	}
	n, _ := res.RowsAffected()
	logging.Info("Operation queue cleared", map[string]interface{}{"dropped": n})
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op       models.QueuedOperation
		kind     string
		payload  []byte
		rollback []byte
	)
	err := row.Scan(&op.Seq, &op.QueueID, &kind, &op.EntityType, &op.EntityID, &payload,
		&op.CreatedAt, &op.Attempts, &op.NextAttemptAt, &op.LastError, &rollback)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrDatabase, "scan operation", err)
	}
	op.Kind = models.OperationKind(kind)
	op.Payload = json.RawMessage(payload)

	if len(rollback) > 0 {
		if err := json.Unmarshal(rollback, &op.Rollback); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rollback for %s: %w", op.QueueID, err)
		}
	}
	return &op, nil
}

func marshalRollback(snaps []models.Snapshot) (interface{}, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rollback: %w", err)
	}
	return data, nil
}

// List returns pending operations in queue order for diagnostics.
func (q *Queue) List(ctx context.Context) ([]*models.QueuedOperation, error) {
	return q.DequeueAll(ctx)
}
