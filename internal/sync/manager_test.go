package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/connectivity"
	"github.com/subculture-collective/clipper/clipsync/internal/db"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/optimistic"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/conflict"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type testClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRemote records every operation it is sent and answers with handler.
type fakeRemote struct {
	mu      stdsync.Mutex
	calls   []models.QueuedOperation
	handler func(op *models.QueuedOperation) (json.RawMessage, error)
}

func (r *fakeRemote) Send(ctx context.Context, op *models.QueuedOperation) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, *op)
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return json.RawMessage(`{"message":"ok"}`), nil
	}
	return h(op)
}

func (r *fakeRemote) Calls() []models.QueuedOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.QueuedOperation(nil), r.calls...)
}

type harness struct {
	mgr     *Manager
	queue   *queue.Queue
	store   *store.Store
	remote  *fakeRemote
	conn    *connectivity.Monitor
	clock   *testClock
	log     *conflict.Log
	notices []models.Notice
	mu      stdsync.Mutex
}

type harnessOpts struct {
	online     bool
	queue      *queue.Config
	strategies map[string]conflict.Strategy
	metrics    *metrics.Metrics
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.OpenPath(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.New(ctx, database.DB, store.WithClock(clock.Now))
	require.NoError(t, err)

	qcfg := o.queue
	if qcfg == nil {
		qcfg = &queue.Config{MaxAttempts: 5}
	}
	q := queue.NewQueue(database.DB, qcfg, queue.WithClock(clock.Now))

	h := &harness{
		queue:  q,
		store:  s,
		remote: &fakeRemote{},
		conn:   connectivity.NewMonitor(nil, time.Hour, o.online),
		clock:  clock,
		log:    conflict.NewLog(database.DB),
	}
	h.mgr = NewManager(Deps{
		Queue:     q,
		Store:     s,
		Remote:    h.remote,
		Conn:      h.conn,
		Resolver:  conflict.NewResolver(o.strategies, conflict.StrategyServerWins),
		Conflicts: h.log,
		Metrics:   o.metrics,
		Clock:     clock.Now,
	}, Config{Interval: time.Hour, RequestTimeout: time.Second})
	h.mgr.SubscribeNotices(func(n models.Notice) {
		h.mu.Lock()
		h.notices = append(h.notices, n)
		h.mu.Unlock()
	})
	t.Cleanup(h.mgr.Dispose)
	return h
}

func (h *harness) Notices() []models.Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Notice(nil), h.notices...)
}

func (h *harness) putClip(t *testing.T, clip models.Clip) {
	t.Helper()
	data, err := json.Marshal(clip)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), models.EntityClip, clip.ID, data, time.Minute))
}

func (h *harness) putComment(t *testing.T, c models.Comment) {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), models.EntityComment, c.ID, data, time.Minute))
}

func (h *harness) clip(t *testing.T, id string) models.Clip {
	t.Helper()
	e, found, err := h.store.Peek(context.Background(), models.EntityClip, id)
	require.NoError(t, err)
	require.True(t, found, "clip %s should be cached", id)
	var c models.Clip
	require.NoError(t, e.Decode(&c))
	return c
}

func (h *harness) comment(t *testing.T, id string) (models.Comment, bool) {
	t.Helper()
	e, found, err := h.store.Peek(context.Background(), models.EntityComment, id)
	require.NoError(t, err)
	if !found {
		return models.Comment{}, false
	}
	var c models.Comment
	require.NoError(t, e.Decode(&c))
	return c, true
}

// vote applies an optimistic clip vote and queues it, the way the facade does.
func (h *harness) vote(t *testing.T, clipID string, vote int16) string {
	t.Helper()
	ctx := context.Background()
	snaps, err := optimistic.New(h.store, time.Minute).Apply(ctx, optimistic.Change{
		Type: models.EntityClip,
		ID:   clipID,
		Mutate: optimistic.Update(func(c *models.Clip) error {
			c.VoteScore = models.ApplyVote(c.VoteScore, c.UserVote, vote)
			c.UserVote = &vote
			return nil
		}),
	})
	require.NoError(t, err)
	payload, _ := json.Marshal(models.VotePayload{Vote: vote})
	id, err := h.queue.Enqueue(ctx, &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetClipVote,
		EntityID:   clipID,
		Payload:    payload,
		Rollback:   snaps,
	})
	require.NoError(t, err)
	return id
}

// createComment inserts a pending comment under a temporary id and queues it.
func (h *harness) createComment(t *testing.T, tempID, clipID string, parent *string) string {
	t.Helper()
	ctx := context.Background()
	c := models.Comment{
		ID: tempID, ClipID: clipID, ParentCommentID: parent, Content: "hello " + tempID,
		Pending: true, CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	snaps, err := optimistic.New(h.store, time.Minute).Apply(ctx, optimistic.Change{
		Type: models.EntityComment, ID: tempID, Mutate: optimistic.Insert(&c),
	})
	require.NoError(t, err)
	payload, _ := json.Marshal(models.CommentPayload{ClipID: clipID, Content: c.Content, ParentCommentID: parent})
	id, err := h.queue.Enqueue(ctx, &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetComment,
		EntityID:   tempID,
		Payload:    payload,
		Rollback:   snaps,
	})
	require.NoError(t, err)
	return id
}

func pending(t *testing.T, q *queue.Queue) []*models.QueuedOperation {
	t.Helper()
	ops, err := q.DequeueAll(context.Background())
	require.NoError(t, err)
	return ops
}

func conflictErr(current string) error {
	se := &api.StatusError{Status: 409, Code: "CONFLICT", Message: "version changed"}
	if current != "" {
		se.Data = json.RawMessage(current)
	}
	return errors.Wrap(errors.ErrConflict, se.Message, se)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Offline and reconnect
// =====================================================

func TestSyncNow_OfflineOnlyRefreshesPending(t *testing.T) {
	h := newHarness(t, harnessOpts{online: false})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.vote(t, "c1", 1)

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Equal(t, 1, state.PendingCount)
	assert.False(t, state.Online)
	assert.Equal(t, 11, h.clip(t, "c1").VoteScore, "optimistic vote stays applied")
}

func TestOfflineVoteSyncsOnReconnect(t *testing.T) {
	h := newHarness(t, harnessOpts{online: false})
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return json.RawMessage(`{"message":"Vote recorded","vote_score":12,"upvote_count":12,"downvote_count":0,"user_vote":1}`), nil
	}
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.vote(t, "c1", 1)

	var states []models.SyncStatus
	var mu stdsync.Mutex
	h.mgr.Subscribe(func(s models.SyncState) {
		mu.Lock()
		states = append(states, s.Status)
		mu.Unlock()
	})

	require.NoError(t, h.mgr.Init(context.Background()))
	assert.Equal(t, 1, h.mgr.State().PendingCount)

	h.conn.SetOnline(true)
	waitFor(t, func() bool {
		s := h.mgr.State()
		return s.PendingCount == 0 && s.LastSyncedAt != nil
	})

	calls := h.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.TargetClipVote, calls[0].EntityType)
	assert.Equal(t, 12, h.clip(t, "c1").VoteScore, "server score replaces the optimistic one")
	assert.True(t, h.mgr.State().Online)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, models.SyncStatusSyncing)
	assert.Equal(t, models.SyncStatusIdle, states[len(states)-1])
}

// =====================================================
// Ordering and coalescing
// =====================================================

func TestSyncNow_SendsInQueueOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace"})
	h.putClip(t, models.Clip{ID: "c2", Title: "Clutch"})

	first := h.vote(t, "c1", 1)
	second := h.vote(t, "c2", -1)
	third := h.vote(t, "c1", 0)

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)

	calls := h.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{first, second, third},
		[]string{calls[0].QueueID, calls[1].QueueID, calls[2].QueueID})
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Zero(t, state.PendingCount)
	require.NotNil(t, state.LastSyncedAt)
	assert.Equal(t, h.clock.Now(), *state.LastSyncedAt)
}

func TestSyncNow_ConcurrentCallsShareOneCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace"})
	h.vote(t, "c1", 1)

	release := make(chan struct{})
	var sends int32
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		atomic.AddInt32(&sends, 1)
		<-release
		return nil, nil
	}

	results := make(chan models.SyncState, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, _ := h.mgr.SyncNow(context.Background())
			results <- s
		}()
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&sends) == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
	assert.Equal(t, a, b)
	assert.Zero(t, a.PendingCount)
}

func TestSyncNow_CallerCancelDoesNotAbortCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace"})
	h.vote(t, "c1", 1)

	release := make(chan struct{})
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		<-release
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.SyncNow(ctx)
		done <- err
	}()
	waitFor(t, func() bool { return len(h.remote.Calls()) == 1 })
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	waitFor(t, func() bool { return h.mgr.State().Status == models.SyncStatusIdle && h.mgr.State().PendingCount == 0 })
}

// =====================================================
// Failures
// =====================================================

func TestSyncNow_TransientFailureStopsAndBacksOff(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, queue: &queue.Config{
		MaxAttempts: 5, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour,
	}})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.putClip(t, models.Clip{ID: "c2", Title: "Clutch"})
	h.vote(t, "c1", 1)
	h.vote(t, "c2", 1)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, errors.New(errors.ErrServer, "bad gateway")
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, state.Status)
	assert.Contains(t, state.LastError, "bad gateway")
	assert.Equal(t, 2, state.PendingCount)
	assert.Len(t, h.remote.Calls(), 1, "later operations wait behind the failed one")
	assert.Equal(t, 11, h.clip(t, "c1").VoteScore, "optimistic change kept while retrying")

	// Within the backoff window nothing is sent.
	state, err = h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.remote.Calls(), 1)
	assert.Equal(t, models.SyncStatusError, state.Status)

	h.clock.Advance(time.Minute)
	h.remote.handler = nil
	state, err = h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.remote.Calls(), 3)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Empty(t, state.LastError)
	assert.Zero(t, state.PendingCount)
}

func TestSyncNow_FailureMidQueueAcksEarlierOperations(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	for _, id := range []string{"c1", "c2", "c3"} {
		h.putClip(t, models.Clip{ID: id, Title: id})
	}
	h.vote(t, "c1", 1)
	second := h.vote(t, "c2", 1)
	third := h.vote(t, "c3", 1)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		if op.QueueID == second {
			return nil, errors.New(errors.ErrNetwork, "connection reset")
		}
		return nil, nil
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, state.Status)
	assert.Equal(t, 2, state.PendingCount)
	assert.Len(t, h.remote.Calls(), 2, "the third operation waits behind the failed one")

	ops := pending(t, h.queue)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{second, third}, []string{ops[0].QueueID, ops[1].QueueID})
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Zero(t, ops[1].Attempts)
}

func TestSyncNow_AbandonsAfterDefaultMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, queue: queue.DefaultConfig()})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.vote(t, "c1", 1)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, errors.New(errors.ErrNetwork, "connection reset")
	}

	for i := 1; i < 5; i++ {
		state, err := h.mgr.SyncNow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, state.PendingCount, "attempt %d", i)
		assert.Empty(t, h.Notices(), "attempt %d", i)
		h.clock.Advance(time.Hour)
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
	assert.Len(t, h.remote.Calls(), 5)
	assert.Equal(t, 10, h.clip(t, "c1").VoteScore)

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticePermanentFailure, notices[0].Kind)
	assert.Equal(t, 5, notices[0].Attempts)
}

func TestSyncNow_AbandonedOperationRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, queue: &queue.Config{MaxAttempts: 2}})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.vote(t, "c1", 1)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, errors.New(errors.ErrNetwork, "connection reset")
	}

	_, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.Notices())

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, state.Status)
	assert.Zero(t, state.PendingCount)
	assert.Equal(t, 10, h.clip(t, "c1").VoteScore, "vote reverted after abandonment")

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticePermanentFailure, notices[0].Kind)
	assert.Equal(t, string(errors.ErrNetwork), notices[0].Code)
	assert.Equal(t, 2, notices[0].Attempts)
}

func TestSyncNow_ValidationRejectsAndContinues(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, harnessOpts{online: true, metrics: m})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	h.putClip(t, models.Clip{ID: "c2", Title: "Clutch", VoteScore: 3})
	rejected := h.vote(t, "c1", 1)
	h.vote(t, "c2", 1)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		if op.QueueID == rejected {
			return nil, errors.New(errors.ErrValidation, "vote must be -1, 0 or 1")
		}
		return nil, nil
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Zero(t, state.PendingCount)
	assert.Len(t, h.remote.Calls(), 2)

	assert.Equal(t, 10, h.clip(t, "c1").VoteScore)
	assert.Nil(t, h.clip(t, "c1").UserVote)
	assert.Equal(t, 4, h.clip(t, "c2").VoteScore)

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeRejected, notices[0].Kind)
	assert.Equal(t, rejected, notices[0].QueueID)

	// acked and rejected series for clip_vote
	n, err := testutil.GatherAndCount(m.Registry(), "clipsync_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =====================================================
// Conflicts
// =====================================================

func commentJSON(content string, updatedAt time.Time, score int) string {
	c := models.Comment{ID: "k1", ClipID: "c1", Content: content, VoteScore: score, CreatedAt: updatedAt, UpdatedAt: updatedAt}
	data, _ := json.Marshal(c)
	return string(data)
}

func (h *harness) editComment(t *testing.T, content string) string {
	t.Helper()
	payload, _ := json.Marshal(models.CommentPayload{Content: content})
	id, err := h.queue.Enqueue(context.Background(), &models.QueuedOperation{
		Kind:       models.OperationUpdate,
		EntityType: models.TargetComment,
		EntityID:   "k1",
		Payload:    payload,
	})
	require.NoError(t, err)
	return id
}

func TestConflict_ServerWinsByDefault(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	base := h.clock.Now()
	h.putComment(t, models.Comment{ID: "k1", ClipID: "c1", Content: "mine", UpdatedAt: base.Add(10 * time.Second)})
	h.editComment(t, "mine")

	remote := commentJSON("theirs", base, 5)
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, conflictErr(remote)
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Zero(t, state.PendingCount)

	c, found := h.comment(t, "k1")
	require.True(t, found)
	assert.Equal(t, "theirs", c.Content)
	assert.Equal(t, 5, c.VoteScore)
	assert.Empty(t, h.Notices())
}

func TestConflict_MergeRewritesAndDefers(t *testing.T) {
	h := newHarness(t, harnessOpts{
		online:     true,
		strategies: map[string]conflict.Strategy{models.TargetComment: conflict.StrategyMerge},
	})
	base := h.clock.Now()
	h.putComment(t, models.Comment{ID: "k1", ClipID: "c1", Content: "mine", UpdatedAt: base.Add(10 * time.Second)})
	edit := h.editComment(t, "mine")
	h.putClip(t, models.Clip{ID: "c2", Title: "Clutch"})
	h.vote(t, "c2", 1)

	remote := commentJSON("theirs", base, 5)
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		if op.EntityType == models.TargetComment {
			return nil, conflictErr(remote)
		}
		return nil, nil
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Equal(t, 2, state.PendingCount, "drain stops so the rewritten edit keeps its place")
	assert.Len(t, h.remote.Calls(), 1)

	c, found := h.comment(t, "k1")
	require.True(t, found)
	assert.Equal(t, "mine", c.Content, "newer local text survives the merge")
	assert.Equal(t, 5, c.VoteScore, "server counters are taken")

	ops := pending(t, h.queue)
	require.Len(t, ops, 2)
	assert.Equal(t, edit, ops[0].QueueID)
	assert.Equal(t, 1, ops[0].Attempts)
	var p models.CommentPayload
	require.NoError(t, json.Unmarshal(ops[0].Payload, &p))
	assert.Equal(t, "mine", p.Content)
	require.NotNil(t, p.BaseUpdatedAt)
	assert.True(t, p.BaseUpdatedAt.Equal(base))

	// The server accepts the rebased edit on the next cycle.
	h.remote.handler = nil
	state, err = h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
}

func TestConflict_ManualRecordsAndNotifies(t *testing.T) {
	h := newHarness(t, harnessOpts{
		online:     true,
		strategies: map[string]conflict.Strategy{models.TargetComment: conflict.StrategyManual},
	})
	base := h.clock.Now()
	h.putComment(t, models.Comment{ID: "k1", ClipID: "c1", Content: "mine", UpdatedAt: base.Add(time.Second)})
	edit := h.editComment(t, "mine")

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, conflictErr(commentJSON("theirs", base, 0))
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)

	entries, err := h.log.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, edit, entries[0].QueueID)
	assert.Equal(t, conflict.OutcomeManual, entries[0].Resolution)

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeConflict, notices[0].Kind)

	c, _ := h.comment(t, "k1")
	assert.Equal(t, "theirs", c.Content, "server version shown until the user decides")
}

func TestConflict_WithoutServerVersionServerWinsRevertsAndNotifies(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	h.putClip(t, models.Clip{ID: "c1", Title: "Ace", VoteScore: 10})
	queued := h.vote(t, "c1", 1)
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, conflictErr("")
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)

	e, found, err := h.store.Peek(context.Background(), models.EntityClip, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, h.store.Fresh(e), "refetched on the next read")
	assert.Equal(t, 10, h.clip(t, "c1").VoteScore, "optimistic vote reverted")

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeRejected, notices[0].Kind)
	assert.Equal(t, queued, notices[0].QueueID)
	assert.Equal(t, string(errors.ErrConflict), notices[0].Code)
}

func TestConflict_WithoutServerVersionManualRecordsAndNotifies(t *testing.T) {
	h := newHarness(t, harnessOpts{
		online:     true,
		strategies: map[string]conflict.Strategy{models.TargetComment: conflict.StrategyManual},
	})
	h.putComment(t, models.Comment{ID: "k1", ClipID: "c1", Content: "mine", UpdatedAt: h.clock.Now()})
	edit := h.editComment(t, "mine")
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, conflictErr("")
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)

	entries, err := h.log.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, edit, entries[0].QueueID)
	assert.Equal(t, conflict.OutcomeManual, entries[0].Resolution)
	assert.Contains(t, string(entries[0].Local), "mine")
	assert.Empty(t, entries[0].Remote)

	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeConflict, notices[0].Kind)
	assert.Equal(t, edit, notices[0].QueueID)

	e, found, err := h.store.Peek(context.Background(), models.EntityComment, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, h.store.Fresh(e))
}

func TestConflict_WithoutServerVersionClientWinsRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{
		online:     true,
		queue:      &queue.Config{MaxAttempts: 2},
		strategies: map[string]conflict.Strategy{models.TargetComment: conflict.StrategyClientWins},
	})
	h.putComment(t, models.Comment{ID: "k1", ClipID: "c1", Content: "mine", UpdatedAt: h.clock.Now()})
	edit := h.editComment(t, "mine")
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, conflictErr("")
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.PendingCount)
	assert.Empty(t, h.Notices())
	ops := pending(t, h.queue)
	require.Len(t, ops, 1)
	assert.Equal(t, edit, ops[0].QueueID)
	assert.Equal(t, 1, ops[0].Attempts)
	c, found := h.comment(t, "k1")
	require.True(t, found)
	assert.Equal(t, "mine", c.Content)

	state, err = h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
	notices := h.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticePermanentFailure, notices[0].Kind)
	assert.Equal(t, string(errors.ErrConflict), notices[0].Code)
	assert.Equal(t, 2, notices[0].Attempts)
}

// =====================================================
// Temporary ids
// =====================================================

func TestCommentCreate_RemapsTemporaryIDs(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	parent := "local-parent"
	h.createComment(t, parent, "c1", nil)
	h.createComment(t, "local-reply", "c1", &parent)

	next := 0
	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		next++
		var p models.CommentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "bad payload", err)
		}
		c := models.Comment{
			ID: []string{"srv-1", "srv-2"}[next-1], ClipID: p.ClipID, Content: p.Content,
			ParentCommentID: p.ParentCommentID, CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
		}
		data, _ := json.Marshal(c)
		return data, nil
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Zero(t, state.PendingCount)

	calls := h.remote.Calls()
	require.Len(t, calls, 2)
	var reply models.CommentPayload
	require.NoError(t, json.Unmarshal(calls[1].Payload, &reply))
	require.NotNil(t, reply.ParentCommentID)
	assert.Equal(t, "srv-1", *reply.ParentCommentID, "reply sent against the server id")

	_, found := h.comment(t, parent)
	assert.False(t, found, "temporary entity removed")
	c, found := h.comment(t, "srv-1")
	require.True(t, found)
	assert.False(t, c.Pending)
	assert.Equal(t, "hello local-parent", c.Content)

	r, found := h.comment(t, "srv-2")
	require.True(t, found)
	require.NotNil(t, r.ParentCommentID)
	assert.Equal(t, "srv-1", *r.ParentCommentID)
}

func TestCommentCreate_RejectionDropsDependents(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	parent := "local-parent"
	h.createComment(t, parent, "c1", nil)
	h.createComment(t, "local-reply", "c1", &parent)

	h.remote.handler = func(op *models.QueuedOperation) (json.RawMessage, error) {
		return nil, errors.New(errors.ErrNotFound, "clip not found")
	}

	state, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
	assert.Len(t, h.remote.Calls(), 1, "reply never sent")

	_, found := h.comment(t, parent)
	assert.False(t, found)
	_, found = h.comment(t, "local-reply")
	assert.False(t, found)

	notices := h.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, "local-reply", notices[1].EntityID)
}

// =====================================================
// Lifecycle
// =====================================================

func TestDispose_IsIdempotentAndRefusesCycles(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	require.NoError(t, h.mgr.Init(context.Background()))
	require.NoError(t, h.mgr.Init(context.Background()))

	h.mgr.Dispose()
	h.mgr.Dispose()

	_, err := h.mgr.SyncNow(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSyncFailed))
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	var calls int32
	unsub := h.mgr.Subscribe(func(models.SyncState) { atomic.AddInt32(&calls, 1) })

	_, err := h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	seen := atomic.LoadInt32(&calls)
	assert.GreaterOrEqual(t, seen, int32(2))

	unsub()
	unsub()
	_, err = h.mgr.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seen, atomic.LoadInt32(&calls))
}
