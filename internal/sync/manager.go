// Package sync drains the operation queue against the Clipper API and
// publishes the sync state.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/connectivity"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/optimistic"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/conflict"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/queue"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/scheduler"
	"github.com/subculture-collective/clipper/clipsync/internal/uuid"
)

// Remote performs the server effect of a queued operation.
type Remote interface {
	Send(ctx context.Context, op *models.QueuedOperation) (json.RawMessage, error)
}

// Connectivity reports and publishes the online state.
type Connectivity interface {
	Online() bool
	Subscribe(fn connectivity.Listener) func()
}

// TTLs are the cache lifetimes used when writing server responses.
type TTLs struct {
	Clip    time.Duration
	Comment time.Duration
	Feed    time.Duration
}

// For returns the TTL for an entity type.
func (t TTLs) For(et models.EntityType) time.Duration {
	switch et {
	case models.EntityClip:
		return t.Clip
	case models.EntityComment:
		return t.Comment
	default:
		return t.Feed
	}
}

// DefaultTTLs returns the default cache lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{Clip: 5 * time.Minute, Comment: 2 * time.Minute, Feed: time.Minute}
}

// Config holds Manager settings.
type Config struct {
	Interval       time.Duration // periodic sync (default: 30s)
	PurgeInterval  time.Duration // cache janitor (default: 1h)
	RequestTimeout time.Duration // per operation (default: 30s)
	TTLs           TTLs
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Queue     *queue.Queue
	Store     *store.Store
	Remote    Remote
	Conn      Connectivity
	Resolver  *conflict.Resolver
	Conflicts *conflict.Log
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Manager owns the sync state machine: Idle -> Syncing -> {Idle, Error}.
type Manager struct {
	queue     *queue.Queue
	store     *store.Store
	remote    Remote
	conn      Connectivity
	resolver  *conflict.Resolver
	conflicts *conflict.Log
	applier   *optimistic.Applier
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	group singleflight.Group

	mu        stdsync.RWMutex
	state     models.SyncState
	listeners map[int]func(models.SyncState)
	notices   map[int]func(models.Notice)
	nextID    int

	lifecycle stdsync.Mutex
	started   bool
	disposed  bool
	cycles    stdsync.WaitGroup
	sched     *scheduler.Scheduler
	cancel    context.CancelFunc
	unsubConn func()
}

// NewManager creates a Manager. Call Init to start background syncing.
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.TTLs == (TTLs{}) {
		cfg.TTLs = DefaultTTLs()
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(nil, conflict.StrategyServerWins)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		queue:     deps.Queue,
		store:     deps.Store,
		remote:    deps.Remote,
		conn:      deps.Conn,
		resolver:  deps.Resolver,
		conflicts: deps.Conflicts,
		applier:   optimistic.New(deps.Store, cfg.TTLs.Clip),
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       now,
		state:     models.SyncState{Status: models.SyncStatusIdle, Online: deps.Conn.Online()},
		listeners: make(map[int]func(models.SyncState)),
		notices:   make(map[int]func(models.Notice)),
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Init loads the pending count, subscribes to connectivity and starts the
// periodic sync loop. Calling it again is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started || m.disposed {
		return nil
	}

	if err := m.refreshPending(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.sched = scheduler.NewScheduler(
		func(ctx context.Context) error {
			_, err := m.SyncNow(ctx)
			return err
		},
		func(ctx context.Context) (int64, error) {
			n, err := m.store.PurgeExpired(ctx)
			m.metrics.AddPurged(n)
			return n, err
		},
		&scheduler.SchedulerConfig{SyncInterval: m.cfg.Interval, PurgeInterval: m.cfg.PurgeInterval},
	)
	m.sched.SetOnlineStatus(runCtx, m.conn.Online())
	m.sched.Start(runCtx)

	m.unsubConn = m.conn.Subscribe(func(online bool) {
		m.setState(func(s *models.SyncState) { s.Online = online })
		m.metrics.SetOnline(online)
		m.sched.SetOnlineStatus(runCtx, online)
	})
	m.metrics.SetOnline(m.conn.Online())

	m.started = true
	logging.Info("Sync manager initialized", map[string]interface{}{
		"pending":    m.State().PendingCount,
		"interval_s": m.cfg.Interval.Seconds(),
	})
	return nil
}

// Dispose stops background work and waits for a running cycle. It is
// safe to call more than once.
func (m *Manager) Dispose() {
	m.lifecycle.Lock()
	if m.disposed {
		m.lifecycle.Unlock()
		return
	}
	m.disposed = true
	sched, cancel, unsub := m.sched, m.cancel, m.unsubConn
	m.lifecycle.Unlock()

	if unsub != nil {
		unsub()
	}
	if sched != nil {
		sched.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.cycles.Wait()
	logging.Info("Sync manager disposed", nil)
}

// =====================================================
// State and subscriptions
// =====================================================

// State returns a copy of the current sync state.
func (m *Manager) State() models.SyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyState(m.state)
}

func copyState(s models.SyncState) models.SyncState {
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		s.LastSyncedAt = &t
	}
	return s
}

// Subscribe registers fn for every state transition and returns a function
// that removes it.
func (m *Manager) Subscribe(fn func(models.SyncState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once stdsync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SubscribeNotices registers fn for user-visible notices: abandoned and
// rejected writes and manual conflicts.
func (m *Manager) SubscribeNotices(fn func(models.Notice)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.notices[id] = fn
	m.mu.Unlock()

	var once stdsync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.notices, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) setState(mutate func(*models.SyncState)) {
	m.mu.Lock()
	mutate(&m.state)
	snapshot := copyState(m.state)
	listeners := make([]func(models.SyncState), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (m *Manager) publish(n models.Notice) {
	m.mu.RLock()
	listeners := make([]func(models.Notice), 0, len(m.notices))
	for _, l := range m.notices {
		listeners = append(listeners, l)
	}
	m.mu.RUnlock()

	logging.Warn("Sync notice", map[string]interface{}{
		"kind":        n.Kind,
		"queue_id":    n.QueueID,
		"entity_type": n.EntityType,
		"entity_id":   n.EntityID,
		"code":        n.Code,
	})
	for _, l := range listeners {
		l(n)
	}
}

func (m *Manager) refreshPending(ctx context.Context) error {
	n, err := m.queue.PeekPendingCount(ctx)
	if err != nil {
		return err
	}
	m.metrics.SetPending(n)
	m.setState(func(s *models.SyncState) {
		s.PendingCount = n
		s.Online = m.conn.Online()
	})
	return nil
}

// Notify refreshes the pending count after the facade enqueues and
// starts a background sync when online.
func (m *Manager) Notify(ctx context.Context) {
	if err := m.refreshPending(ctx); err != nil {
		logging.Error("Failed to refresh pending count", err, nil)
	}
	m.lifecycle.Lock()
	sched := m.sched
	m.lifecycle.Unlock()
	if sched != nil && m.conn.Online() {
		sched.TriggerSync(context.Background())
	}
}

// =====================================================
// Sync cycle
// =====================================================

// SyncNow runs one sync cycle and returns the resulting state. Calls made
// while a cycle runs share its result. Offline it only refreshes the
// pending count. Canceling ctx stops waiting but not the cycle itself.
func (m *Manager) SyncNow(ctx context.Context) (models.SyncState, error) {
	if !m.conn.Online() {
		if err := m.refreshPending(ctx); err != nil {
			return m.State(), err
		}
		m.metrics.ObserveSync(metrics.CycleOffline, 0)
		return m.State(), nil
	}

	ch := m.group.DoChan("sync", func() (interface{}, error) {
		m.lifecycle.Lock()
		if m.disposed {
			m.lifecycle.Unlock()
			return m.State(), errors.New(errors.ErrSyncFailed, "sync manager disposed")
		}
		m.cycles.Add(1)
		m.lifecycle.Unlock()
		defer m.cycles.Done()

		return m.runCycle(), nil
	})

	select {
	case res := <-ch:
		state, _ := res.Val.(models.SyncState)
		return state, res.Err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// outcome summarizes a drain.
type outcome struct {
	acked    int
	failure  error // transient failure or backoff gate that stopped the drain
	deferred bool  // a conflict rewrite stopped the drain
}

func (m *Manager) runCycle() models.SyncState {
	start := time.Now()
	m.setState(func(s *models.SyncState) { s.Status = models.SyncStatusSyncing })

	// The cycle is detached from callers; only per-request timeouts bound it.
	ctx := context.Background()
	out := m.drain(ctx)

	pending, err := m.queue.PeekPendingCount(ctx)
	if err != nil && out.failure == nil {
		out.failure = err
	}
	m.metrics.SetPending(pending)

	finished := m.now()
	m.setState(func(s *models.SyncState) {
		s.PendingCount = pending
		s.Online = m.conn.Online()
		if out.failure != nil {
			s.Status = models.SyncStatusError
			s.LastError = out.failure.Error()
			return
		}
		s.Status = models.SyncStatusIdle
		s.LastError = ""
		s.LastSyncedAt = &finished
	})

	result := metrics.CycleOK
	if out.failure != nil {
		result = metrics.CycleError
	}
	m.metrics.ObserveSync(result, time.Since(start))

	logging.Info("Sync cycle finished", map[string]interface{}{
		"acked":       out.acked,
		"pending":     pending,
		"deferred":    out.deferred,
		"duration_ms": time.Since(start).Milliseconds(),
		"failed":      out.failure != nil,
	})
	return m.State()
}

// drain sends queued operations in order until the queue is empty or an
// operation cannot be completed this cycle.
func (m *Manager) drain(ctx context.Context) outcome {
	var out outcome

	ops, err := m.queue.DequeueAll(ctx)
	if err != nil {
		out.failure = err
		return out
	}

	for i := 0; i < len(ops); i++ {
		op := ops[i]

		if !op.Ready(m.now()) {
			out.failure = errors.Newf(errors.ErrSyncFailed,
				"waiting to retry %s %s after %d attempts: %s", op.Kind, op.EntityType, op.Attempts, op.LastError)
			return out
		}
		if !m.conn.Online() {
			out.failure = errors.New(errors.ErrOffline, "went offline during sync")
			return out
		}

		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		resp, sendErr := m.remote.Send(reqCtx, op)
		cancel()

		switch {
		case sendErr == nil:
			remapped, err := m.handleSuccess(ctx, op, resp)
			if err != nil {
				out.failure = err
				return out
			}
			out.acked++
			if remapped {
				// Later operations may have been rewritten to the server id.
				if ops, err = m.queue.DequeueAll(ctx); err != nil {
					out.failure = err
					return out
				}
				i = -1
			}

		case errors.Is(sendErr, errors.ErrConflict):
			stop, err := m.handleConflict(ctx, op, sendErr)
			if err != nil {
				out.failure = err
				return out
			}
			if stop {
				out.deferred = true
				return out
			}

		case errors.IsPermanent(sendErr):
			dropped, err := m.reject(ctx, op, sendErr)
			if err != nil {
				out.failure = err
				return out
			}
			if dropped > 0 {
				if ops, err = m.queue.DequeueAll(ctx); err != nil {
					out.failure = err
					return out
				}
				i = -1
			}

		default:
			if err := m.handleTransient(ctx, op, sendErr); err != nil {
				out.failure = err
				return out
			}
			out.failure = sendErr
			return out
		}
	}
	return out
}

// handleSuccess acks op and writes the server's response to the store.
// It reports whether a temporary id was replaced.
func (m *Manager) handleSuccess(ctx context.Context, op *models.QueuedOperation, resp json.RawMessage) (bool, error) {
	if err := m.queue.Ack(ctx, op.QueueID); err != nil {
		return false, err
	}
	m.metrics.ObserveOperation(op.EntityType, metrics.OpAcked)

	remapped, err := m.ApplyResponse(ctx, op, resp)
	if err != nil {
		// The server accepted the write; a stale cache entry is recoverable.
		logging.Error("Failed to apply server response", err, map[string]interface{}{
			"queue_id":    op.QueueID,
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
		})
	}
	return remapped, nil
}

// ApplyResponse writes the authoritative result of a confirmed operation
// into the store. For comment creates it replaces the temporary id with
// the server id everywhere and reports true.
func (m *Manager) ApplyResponse(ctx context.Context, op *models.QueuedOperation, resp json.RawMessage) (bool, error) {
	switch op.EntityType {
	case models.TargetClipVote, models.TargetFavorite:
		return false, m.patch(ctx, models.EntityClip, op.EntityID, resp)
	case models.TargetCommentVote:
		return false, m.patch(ctx, models.EntityComment, op.EntityID, resp)
	case models.TargetComment:
		switch op.Kind {
		case models.OperationCreate:
			return m.confirmComment(ctx, op, resp)
		case models.OperationUpdate:
			return false, m.patch(ctx, models.EntityComment, op.EntityID, resp)
		}
	}
	return false, nil
}

// patch overlays the fields of resp onto a cached entity. Responses that
// are not objects or only carry a message leave the entity alone.
func (m *Manager) patch(ctx context.Context, et models.EntityType, id string, resp json.RawMessage) error {
	var fields map[string]json.RawMessage
	if len(resp) == 0 || json.Unmarshal(resp, &fields) != nil {
		return nil
	}
	delete(fields, "message")
	if rid, ok := fields["id"]; ok {
		var s string
		if json.Unmarshal(rid, &s) != nil || s != id {
			delete(fields, "id")
		}
	}
	if len(fields) == 0 {
		return nil
	}

	current, found, err := m.store.Peek(ctx, et, id)
	if err != nil || !found {
		return err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(current.Payload, &merged); err != nil {
		return err
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return m.put(ctx, et, id, data, current)
}

// put writes payload keeping the existing entry's remaining lifetime.
func (m *Manager) put(ctx context.Context, et models.EntityType, id string, payload json.RawMessage, existing *models.CachedEntity) error {
	ttl := m.cfg.TTLs.For(et)
	if existing != nil {
		if remaining := existing.ExpiresAt - m.store.Now().UnixMilli(); remaining > 0 {
			ttl = time.Duration(remaining) * time.Millisecond
		}
	}
	return m.store.Put(ctx, et, id, payload, ttl)
}

// confirmComment replaces a pending comment with the server's version.
func (m *Manager) confirmComment(ctx context.Context, op *models.QueuedOperation, resp json.RawMessage) (bool, error) {
	doc := map[string]json.RawMessage{}
	current, found, err := m.store.Peek(ctx, models.EntityComment, op.EntityID)
	if err != nil {
		return false, err
	}
	if found {
		if err := json.Unmarshal(current.Payload, &doc); err != nil {
			return false, err
		}
	}
	var server map[string]json.RawMessage
	if len(resp) > 0 && json.Unmarshal(resp, &server) == nil {
		// Server fields overlay the tentative ones.
		delete(server, "message")
		for k, v := range server {
			doc[k] = v
		}
	}
	delete(doc, "pending")

	var comment models.Comment
	if data, err := json.Marshal(doc); err == nil {
		_ = json.Unmarshal(data, &comment)
	}

	serverID := comment.ID
	if serverID == "" || serverID == op.EntityID {
		if !found {
			return false, nil
		}
		doc["id"], _ = json.Marshal(op.EntityID)
		data, err := json.Marshal(doc)
		if err != nil {
			return false, err
		}
		return false, m.put(ctx, models.EntityComment, op.EntityID, data, current)
	}

	if comment.ClipID == "" {
		var p models.CommentPayload
		if json.Unmarshal(op.Payload, &p) == nil {
			doc["clip_id"], _ = json.Marshal(p.ClipID)
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	if err := m.store.Put(ctx, models.EntityComment, serverID, data, m.cfg.TTLs.Comment); err != nil {
		return false, err
	}
	if err := m.store.Delete(ctx, models.EntityComment, op.EntityID); err != nil {
		return false, err
	}

	if uuid.IsTemp(op.EntityID) {
		if err := m.remapReplies(ctx, op.EntityID, serverID); err != nil {
			return false, err
		}
		n, err := m.queue.RewriteEntityID(ctx, op.EntityID, serverID)
		if err != nil {
			return false, err
		}
		logging.Info("Remapped temporary comment id", map[string]interface{}{
			"temp_id":   op.EntityID,
			"server_id": serverID,
			"rewritten": n,
		})
	}
	return true, nil
}

// remapReplies points cached replies of a temporary comment at its server id.
func (m *Manager) remapReplies(ctx context.Context, tempID, serverID string) error {
	replies, err := m.store.QueryByIndexIncludingExpired(ctx, models.EntityComment, models.IndexParentCommentID, tempID)
	if err != nil {
		return err
	}
	parent, err := json.Marshal(serverID)
	if err != nil {
		return err
	}
	for _, r := range replies {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &doc); err != nil {
			return err
		}
		doc["parent_comment_id"] = parent
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := m.put(ctx, models.EntityComment, r.ID, data, r); err != nil {
			return err
		}
	}
	return nil
}

// handleTransient records a failed attempt. An abandoned operation is
// rolled back and reported.
func (m *Manager) handleTransient(ctx context.Context, op *models.QueuedOperation, cause error) error {
	res, err := m.queue.Fail(ctx, op.QueueID, cause)
	if err != nil {
		return err
	}
	if !res.Abandoned {
		m.metrics.ObserveOperation(op.EntityType, metrics.OpRetried)
		return nil
	}

	m.metrics.ObserveOperation(op.EntityType, metrics.OpAbandoned)
	if err := m.applier.Revert(ctx, op.Rollback); err != nil {
		return err
	}
	m.publish(models.Notice{
		Kind:       models.NoticePermanentFailure,
		QueueID:    op.QueueID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Code:       string(errors.CodeOf(cause)),
		Message:    cause.Error(),
		Attempts:   res.Attempts,
		At:         m.now(),
	})
	_, err = m.dropDependents(ctx, op, cause)
	return err
}

// reject drops an operation the server refused, rolls back its optimistic
// change and reports it. It returns how many dependent operations were
// also dropped.
func (m *Manager) reject(ctx context.Context, op *models.QueuedOperation, cause error) (int, error) {
	if err := m.queue.Ack(ctx, op.QueueID); err != nil {
		return 0, err
	}
	m.metrics.ObserveOperation(op.EntityType, metrics.OpRejected)
	if err := m.applier.Revert(ctx, op.Rollback); err != nil {
		return 0, err
	}
	m.publish(models.Notice{
		Kind:       models.NoticeRejected,
		QueueID:    op.QueueID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Code:       string(errors.CodeOf(cause)),
		Message:    cause.Error(),
		Attempts:   op.Attempts + 1,
		At:         m.now(),
	})
	return m.dropDependents(ctx, op, cause)
}

// dropDependents removes operations that target an entity whose create
// will never reach the server.
func (m *Manager) dropDependents(ctx context.Context, op *models.QueuedOperation, cause error) (int, error) {
	if op.Kind != models.OperationCreate || !uuid.IsTemp(op.EntityID) {
		return 0, nil
	}
	ops, err := m.queue.DequeueAll(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, dep := range ops {
		if dep.EntityID != op.EntityID && !containsID(dep.Payload, op.EntityID) {
			continue
		}
		if err := m.queue.Ack(ctx, dep.QueueID); err != nil {
			return dropped, err
		}
		if err := m.applier.Revert(ctx, dep.Rollback); err != nil {
			return dropped, err
		}
		m.metrics.ObserveOperation(dep.EntityType, metrics.OpRejected)
		m.publish(models.Notice{
			Kind:       models.NoticeRejected,
			QueueID:    dep.QueueID,
			EntityType: dep.EntityType,
			EntityID:   dep.EntityID,
			Code:       string(errors.CodeOf(cause)),
			Message:    "depends on a write that failed: " + cause.Error(),
			At:         m.now(),
		})
		dropped++
	}
	return dropped, nil
}

// containsID reports whether id appears as a string value in payload, as
// parent_comment_id does for replies to a pending comment.
func containsID(payload json.RawMessage, id string) bool {
	return id != "" && bytes.Contains(payload, []byte(`"`+id+`"`))
}

// =====================================================
// Conflicts
// =====================================================

// cachedEntityFor maps a queue target onto the cached entity it changes.
func cachedEntityFor(target string) (models.EntityType, bool) {
	switch target {
	case models.TargetClipVote, models.TargetFavorite:
		return models.EntityClip, true
	case models.TargetComment, models.TargetCommentVote:
		return models.EntityComment, true
	}
	return "", false
}

// handleConflict resolves a CONFLICT response. It reports whether the
// drain must stop so the rewritten operation keeps its place in line.
func (m *Manager) handleConflict(ctx context.Context, op *models.QueuedOperation, cause error) (bool, error) {
	m.metrics.ObserveOperation(op.EntityType, metrics.OpConflict)

	et, cacheable := cachedEntityFor(op.EntityType)
	remote, hasRemote := api.ServerVersion(cause)

	var local json.RawMessage
	var current *models.CachedEntity
	if cacheable {
		e, found, err := m.store.Peek(ctx, et, op.EntityID)
		if err != nil {
			return false, err
		}
		if found {
			local, current = e.Payload, e
		}
	}

	if !hasRemote || local == nil {
		return m.conflictWithoutVersions(ctx, op, cause, et, cacheable, local)
	}

	c := &conflict.Conflict{EntityType: op.EntityType, EntityID: op.EntityID, Local: local, Remote: remote}
	res, err := m.resolver.Resolve(c)
	if err != nil {
		return false, err
	}

	switch {
	case res.NeedsManual:
		if m.conflicts != nil {
			if err := m.conflicts.Record(ctx, c.LogEntry(op.QueueID, res, m.now())); err != nil {
				return false, err
			}
		}
		if err := m.writeResolved(ctx, et, op.EntityID, remote, current); err != nil {
			return false, err
		}
		if err := m.queue.Ack(ctx, op.QueueID); err != nil {
			return false, err
		}
		m.publish(models.Notice{
			Kind:       models.NoticeConflict,
			QueueID:    op.QueueID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Code:       string(errors.ErrConflict),
			Message:    "your change conflicts with a newer version on the server",
			At:         m.now(),
		})
		return false, nil

	case res.Strategy == conflict.StrategyServerWins:
		if err := m.writeResolved(ctx, et, op.EntityID, res.Resolved, current); err != nil {
			return false, err
		}
		return false, m.queue.Ack(ctx, op.QueueID)
	}

	// client-wins and merge: keep the resolved entity locally and resend it
	// against the server's version next cycle.
	if err := m.writeResolved(ctx, et, op.EntityID, res.Resolved, current); err != nil {
		return false, err
	}
	payload, err := rebasePayload(op, res.Resolved, remote)
	if err != nil {
		return false, err
	}
	if err := m.queue.UpdatePayload(ctx, op.QueueID, payload); err != nil {
		return false, err
	}
	return m.retryConflict(ctx, op, cause)
}

// conflictWithoutVersions handles a CONFLICT that cannot be merged because
// the server sent no current version or nothing local is cached. A dropped
// write is always reported.
func (m *Manager) conflictWithoutVersions(ctx context.Context, op *models.QueuedOperation, cause error, et models.EntityType, cacheable bool, local json.RawMessage) (bool, error) {
	strategy := m.resolver.StrategyFor(op.EntityType)
	logging.Warn("Conflict without a server version", map[string]interface{}{
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
		"strategy":    strategy,
	})

	switch strategy {
	case conflict.StrategyClientWins, conflict.StrategyMerge:
		return m.retryConflict(ctx, op, cause)

	case conflict.StrategyManual:
		if local == nil {
			local = op.Payload
		}
		if m.conflicts != nil {
			entry := &models.ConflictLog{
				QueueID:        op.QueueID,
				EntityType:     op.EntityType,
				EntityID:       op.EntityID,
				Local:          local,
				LocalTimestamp: conflict.UpdatedAt(local),
				Resolution:     conflict.OutcomeManual,
				DetectedAt:     m.now().UnixMilli(),
			}
			if err := m.conflicts.Record(ctx, entry); err != nil {
				return false, err
			}
		}
		if err := m.dropConflicting(ctx, op, et, cacheable); err != nil {
			return false, err
		}
		m.publish(models.Notice{
			Kind:       models.NoticeConflict,
			QueueID:    op.QueueID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Code:       string(errors.ErrConflict),
			Message:    "your change conflicts with a newer version on the server",
			At:         m.now(),
		})
		return false, nil
	}

	if err := m.dropConflicting(ctx, op, et, cacheable); err != nil {
		return false, err
	}
	m.publish(models.Notice{
		Kind:       models.NoticeRejected,
		QueueID:    op.QueueID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Code:       string(errors.ErrConflict),
		Message:    "the server kept its version: " + cause.Error(),
		Attempts:   op.Attempts + 1,
		At:         m.now(),
	})
	return false, nil
}

// dropConflicting acks op, reverts its optimistic change and expires the
// cached entity so the next read fetches the server's version.
func (m *Manager) dropConflicting(ctx context.Context, op *models.QueuedOperation, et models.EntityType, cacheable bool) error {
	if err := m.queue.Ack(ctx, op.QueueID); err != nil {
		return err
	}
	if err := m.applier.Revert(ctx, op.Rollback); err != nil {
		return err
	}
	if cacheable {
		return m.store.Expire(ctx, et, op.EntityID)
	}
	return nil
}

// retryConflict counts a conflicting attempt and keeps the operation for the
// next cycle. It reports whether the drain must stop.
func (m *Manager) retryConflict(ctx context.Context, op *models.QueuedOperation, cause error) (bool, error) {
	fail, err := m.queue.Fail(ctx, op.QueueID, cause)
	if err != nil {
		return false, err
	}
	if !fail.Abandoned {
		return true, nil
	}
	m.metrics.ObserveOperation(op.EntityType, metrics.OpAbandoned)
	if err := m.applier.Revert(ctx, op.Rollback); err != nil {
		return false, err
	}
	m.publish(models.Notice{
		Kind:       models.NoticePermanentFailure,
		QueueID:    op.QueueID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Code:       string(errors.ErrConflict),
		Message:    cause.Error(),
		Attempts:   fail.Attempts,
		At:         m.now(),
	})
	return false, nil
}

func (m *Manager) writeResolved(ctx context.Context, et models.EntityType, id string, payload json.RawMessage, current *models.CachedEntity) error {
	if len(payload) == 0 {
		return nil
	}
	if err := m.put(ctx, et, id, payload, current); err != nil {
		// A server body the store rejects is not worth failing the cycle.
		logging.Warn("Resolved entity not cached", map[string]interface{}{
			"entity_type": et,
			"entity_id":   id,
			"error":       err.Error(),
		})
		return m.store.Expire(ctx, et, id)
	}
	return nil
}

// rebasePayload rebuilds the request for a resolved entity. Comment edits
// carry the resolved text and the server version they now build on; other
// operations are resent unchanged.
func rebasePayload(op *models.QueuedOperation, resolved, remote json.RawMessage) (json.RawMessage, error) {
	if op.EntityType != models.TargetComment || op.Kind != models.OperationUpdate {
		return op.Payload, nil
	}
	var comment models.Comment
	if err := json.Unmarshal(resolved, &comment); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "decode resolved comment", err)
	}
	p := models.CommentPayload{Content: comment.Content}
	if ms := conflict.UpdatedAt(remote); ms > 0 {
		base := time.UnixMilli(ms).UTC()
		p.BaseUpdatedAt = &base
	}
	return json.Marshal(p)
}
