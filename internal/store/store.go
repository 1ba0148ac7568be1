// Package store implements the normalized entity store: typed, TTL-bound
// cache entries keyed by (type, id) with foreign-key indexes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// DefaultRetention is how long expired rows are kept for stale fallback
// reads before PurgeExpired removes them.
const DefaultRetention = 24 * time.Hour

// Store persists cached entities in SQLite.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	retention time.Duration

	// Prepared statements for the hot read paths, created on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetention sets how long expired entries survive PurgeExpired.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// New opens the store over an already migrated database and purges
// entries that expired beyond the retention window.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.PurgeExpired(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	selectEntity = `SELECT type, id, payload, fetched_at, expires_at FROM cached_entities WHERE type = ? AND id = ?`
)

func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached prepared statements. The database is owned by the caller.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns the entity if present and not expired. Missing and expired
// entries both report found == false with a nil error.
func (s *Store) Get(ctx context.Context, t models.EntityType, id string) (*models.CachedEntity, bool, error) {
	e, found, err := s.Peek(ctx, t, id)
	if err != nil || !found {
		return nil, false, err
	}
	if e.Expired(s.now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Peek returns the entity regardless of expiry. Callers check Fresh.
func (s *Store) Peek(ctx context.Context, t models.EntityType, id string) (*models.CachedEntity, bool, error) {
	stmt, err := s.prepare(ctx, selectEntity)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "prepare entity lookup", err)
	}

	var e models.CachedEntity
	var typ string
	err = stmt.QueryRowContext(ctx, string(t), id).Scan(&typ, &e.ID, &e.Payload, &e.FetchedAt, &e.ExpiresAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("get %s %s", t, id), err)
	}
	e.Type = models.EntityType(typ)
	return &e, true, nil
}

// Fresh reports whether e is within its TTL.
func (s *Store) Fresh(e *models.CachedEntity) bool {
	return e != nil && !e.Expired(s.now())
}

// Put validates and stores one entity for ttl.
func (s *Store) Put(ctx context.Context, t models.EntityType, id string, payload json.RawMessage, ttl time.Duration) error {
	return s.PutMany(ctx, []models.EntityWrite{{Type: t, ID: id, Payload: payload, TTL: ttl}})
}

// PutMany stores a batch atomically. Nothing is written if any entry is invalid.
func (s *Store) PutMany(ctx context.Context, writes []models.EntityWrite) error {
	if len(writes) == 0 {
		return nil
	}

	indexes := make([]map[string]string, len(writes))
	for i, w := range writes {
		keys, err := validate(w)
		if err != nil {
			return err
		}
		indexes[i] = keys
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "begin put", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	for i, w := range writes {
		if err := putTx(ctx, tx, w, indexes[i], now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "commit put", err)
	}
	return nil
}

func validate(w models.EntityWrite) (map[string]string, error) {
	if !w.Type.Valid() {
		return nil, errors.Newf(errors.ErrValidation, "unknown entity type %q", w.Type)
	}
	if w.ID == "" {
		return nil, errors.New(errors.ErrValidation, "entity id is required")
	}
	if w.TTL <= 0 {
		return nil, errors.Newf(errors.ErrValidation, "ttl for %s %s must be positive", w.Type, w.ID)
	}
	keys, err := models.ValidatePayload(w.Type, w.ID, w.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid payload", err)
	}
	return keys, nil
}

func putTx(ctx context.Context, tx *sql.Tx, w models.EntityWrite, keys map[string]string, now int64) error {
	expiresAt := now + w.TTL.Milliseconds()
	if expiresAt <= now {
		expiresAt = now + 1
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO cached_entities (type, id, payload, fetched_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (type, id) DO UPDATE SET
		payload = excluded.payload,
		fetched_at = excluded.fetched_at,
		expires_at = excluded.expires_at`,
		string(w.Type), w.ID, []byte(w.Payload), now, expiresAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("put %s %s", w.Type, w.ID), err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_index WHERE type = ? AND id = ?`, string(w.Type), w.ID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear index", err)
	}
	for key, value := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_index (type, id, index_key, value) VALUES (?, ?, ?, ?)`,
			string(w.Type), w.ID, key, value)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "write index", err)
		}
	}
	return nil
}

// Restore writes a snapshot back with its original expiry, or deletes the
// entity when the snapshot recorded it as absent.
func (s *Store) Restore(ctx context.Context, snap models.Snapshot) error {
	if snap.Payload == nil {
		return s.Delete(ctx, snap.Type, snap.ID)
	}

	ttl := time.Duration(snap.ExpiresAt-s.now().UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		// The original entry had already expired; keep it for stale reads only.
		if err := s.Put(ctx, snap.Type, snap.ID, snap.Payload, time.Millisecond); err != nil {
			return err
		}
		return s.Expire(ctx, snap.Type, snap.ID)
	}
	return s.Put(ctx, snap.Type, snap.ID, snap.Payload, ttl)
}

// Delete removes an entity and its index rows. Deleting a missing entity is a no-op.
func (s *Store) Delete(ctx context.Context, t models.EntityType, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_entities WHERE type = ? AND id = ?`, string(t), id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("delete %s %s", t, id), err)
	}
	return nil
}

// Expire marks an entity as expired so the next read goes to the network.
func (s *Store) Expire(ctx context.Context, t models.EntityType, id string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
	UPDATE cached_entities
	SET expires_at = ?, fetched_at = MIN(fetched_at, ? - 1)
	WHERE type = ? AND id = ? AND expires_at > ?`,
		now, now, string(t), id, now)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("expire %s %s", t, id), err)
	}
	return nil
}

// QueryByIndex returns unexpired entities of type t whose foreign key equals value.
func (s *Store) QueryByIndex(ctx context.Context, t models.EntityType, foreignKey, value string) ([]*models.CachedEntity, error) {
	return s.queryByIndex(ctx, t, foreignKey, value, false)
}

// QueryByIndexIncludingExpired is QueryByIndex for stale fallback reads.
func (s *Store) QueryByIndexIncludingExpired(ctx context.Context, t models.EntityType, foreignKey, value string) ([]*models.CachedEntity, error) {
	return s.queryByIndex(ctx, t, foreignKey, value, true)
}

func (s *Store) queryByIndex(ctx context.Context, t models.EntityType, foreignKey, value string, includeExpired bool) ([]*models.CachedEntity, error) {
	query := `
	SELECT e.type, e.id, e.payload, e.fetched_at, e.expires_at
	FROM entity_index i
	JOIN cached_entities e ON e.type = i.type AND e.id = i.id
	WHERE i.type = ? AND i.index_key = ? AND i.value = ?`
	args := []interface{}{string(t), foreignKey, value}
	if !includeExpired {
		query += ` AND e.expires_at > ?`
		args = append(args, s.now().UnixMilli())
	}
	query += ` ORDER BY e.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "query by index", err)
	}
	defer rows.Close()

	var out []*models.CachedEntity
	for rows.Next() {
		var e models.CachedEntity
		var typ string
		if err := rows.Scan(&typ, &e.ID, &e.Payload, &e.FetchedAt, &e.ExpiresAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan entity", err)
		}
		e.Type = models.EntityType(typ)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "iterate entities", err)
	}
	return out, nil
}

// PurgeExpired deletes entries expired for longer than the retention window
// and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_entities WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "purge expired", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Debug("Purged expired cache entries", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Total   int `json:"total"`
	Expired int `json:"expired"`
}

// Stats counts cached and expired entries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) FROM cached_entities`,
		s.now().UnixMilli()).Scan(&st.Total, &st.Expired)
	if err != nil {
		return st, errors.Wrap(errors.ErrDatabase, "cache stats", err)
	}
	return st, nil
}
