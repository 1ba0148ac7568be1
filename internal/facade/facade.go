// Package facade is the offline-aware entry point for the UI. Reads are
// served from the entity store when fresh and fall back to stale data when
// the network fails. Writes are applied optimistically and either sent
// directly or queued for the sync manager.
package facade

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/optimistic"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
	"github.com/subculture-collective/clipper/clipsync/internal/sync"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/queue"
)

// Remote is the part of the Clipper API the facade calls directly.
type Remote interface {
	GetClip(ctx context.Context, id string) (json.RawMessage, error)
	ListClips(ctx context.Context, q api.FeedQuery) (*api.ClipPage, error)
	ListComments(ctx context.Context, clipID string, q api.CommentQuery) (*api.CommentPage, error)
	Send(ctx context.Context, op *models.QueuedOperation) (json.RawMessage, error)
}

// Syncer is the part of the sync manager the facade drives.
type Syncer interface {
	// Notify tells the manager the queue changed.
	Notify(ctx context.Context)
	// ApplyResponse writes a confirmed server response to the store.
	ApplyResponse(ctx context.Context, op *models.QueuedOperation, resp json.RawMessage) (bool, error)
}

// Online reports connectivity.
type Online interface {
	Online() bool
}

// Facade serves reads and writes for the UI.
type Facade struct {
	store   *store.Store
	queue   *queue.Queue
	remote  Remote
	syncer  Syncer
	conn    Online
	applier *optimistic.Applier
	metrics *metrics.Metrics
	ttls    sync.TTLs
}

// Deps are the collaborators of a Facade.
type Deps struct {
	Store   *store.Store
	Queue   *queue.Queue
	Remote  Remote
	Syncer  Syncer
	Conn    Online
	Metrics *metrics.Metrics
	TTLs    sync.TTLs
}

// New creates a Facade.
func New(deps Deps) *Facade {
	ttls := deps.TTLs
	if ttls == (sync.TTLs{}) {
		ttls = sync.DefaultTTLs()
	}
	return &Facade{
		store:   deps.Store,
		queue:   deps.Queue,
		remote:  deps.Remote,
		syncer:  deps.Syncer,
		conn:    deps.Conn,
		applier: optimistic.New(deps.Store, ttls.Clip),
		metrics: deps.Metrics,
		ttls:    ttls,
	}
}

// ClipResult is a clip read. Fresh is false when the clip came from an
// expired cache entry.
type ClipResult struct {
	Clip      *models.Clip `json:"clip"`
	Fresh     bool         `json:"fresh"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// FeedResult is a page of the clip feed.
type FeedResult struct {
	Clips     []*models.Clip `json:"clips"`
	HasMore   bool           `json:"has_more"`
	Fresh     bool           `json:"fresh"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// CommentsResult is the comment list of a clip, including comments still
// waiting to be sent.
type CommentsResult struct {
	Comments   []*models.Comment `json:"comments"`
	NextCursor string            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
	Fresh      bool              `json:"fresh"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

func offline(what string) error {
	return errors.Newf(errors.ErrOffline, "%s is not cached and the server is unreachable", what)
}

// fallbackAllowed reports whether a failed network read may be answered
// from a stale cache entry.
func fallbackAllowed(err error) bool {
	return err != nil && !errors.IsPermanent(err)
}

// =====================================================
// Clip
// =====================================================

// FetchClip returns a clip, preferring a fresh cache entry.
func (f *Facade) FetchClip(ctx context.Context, id string) (*ClipResult, error) {
	if id == "" {
		return nil, errors.New(errors.ErrValidation, "clip id is required")
	}

	cached, found, err := f.store.Peek(ctx, models.EntityClip, id)
	if err != nil {
		return nil, err
	}
	if found && f.store.Fresh(cached) {
		f.metrics.ObserveCacheRead(string(models.EntityClip), metrics.ReadFresh)
		return clipResult(cached, true)
	}

	if f.conn.Online() {
		raw, err := f.remote.GetClip(ctx, id)
		if err == nil {
			if err := f.store.Put(ctx, models.EntityClip, id, raw, f.ttls.Clip); err != nil {
				return nil, err
			}
			f.metrics.ObserveCacheRead(string(models.EntityClip), metrics.ReadNetwork)
			var clip models.Clip
			if err := json.Unmarshal(raw, &clip); err != nil {
				return nil, errors.Wrap(errors.ErrServer, "decode clip", err)
			}
			return &ClipResult{Clip: &clip, Fresh: true, FetchedAt: f.store.Now()}, nil
		}
		if !fallbackAllowed(err) {
			return nil, err
		}
		logging.Debug("Clip fetch failed, falling back to cache", map[string]interface{}{
			"clip_id": id,
			"error":   err.Error(),
		})
	}

	if !found {
		f.metrics.ObserveCacheRead(string(models.EntityClip), metrics.ReadMiss)
		return nil, offline("clip " + id)
	}
	f.metrics.ObserveCacheRead(string(models.EntityClip), metrics.ReadStale)
	return clipResult(cached, false)
}

func clipResult(e *models.CachedEntity, fresh bool) (*ClipResult, error) {
	var clip models.Clip
	if err := e.Decode(&clip); err != nil {
		return nil, err
	}
	return &ClipResult{Clip: &clip, Fresh: fresh, FetchedAt: e.FetchedAtTime()}, nil
}

// =====================================================
// Feed
// =====================================================

// FetchFeed returns a page of clips. The first page of each sort order is
// cached as a feedRef holding clip ids.
func (f *Facade) FetchFeed(ctx context.Context, q api.FeedQuery) (*FeedResult, error) {
	key := models.FeedKey(q.Sort)
	cacheable := q.Page <= 1

	var ref *models.CachedEntity
	var found bool
	if cacheable {
		var err error
		ref, found, err = f.store.Peek(ctx, models.EntityFeedRef, key)
		if err != nil {
			return nil, err
		}
		if found && f.store.Fresh(ref) {
			res, err := f.feedFromRef(ctx, ref)
			if err == nil && len(res.Clips) == len(res.refIDs) {
				f.metrics.ObserveCacheRead(string(models.EntityFeedRef), metrics.ReadFresh)
				res.Fresh = true
				return &res.FeedResult, nil
			}
			// A clip of the feed was evicted; refresh the whole page.
		}
	}

	if f.conn.Online() {
		page, err := f.remote.ListClips(ctx, q)
		if err == nil {
			return f.writeFeed(ctx, key, cacheable, page)
		}
		if !fallbackAllowed(err) {
			return nil, err
		}
		logging.Debug("Feed fetch failed, falling back to cache", map[string]interface{}{
			"feed":  key,
			"error": err.Error(),
		})
	}

	if !found {
		f.metrics.ObserveCacheRead(string(models.EntityFeedRef), metrics.ReadMiss)
		return nil, offline("feed " + key)
	}
	res, err := f.feedFromRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	f.metrics.ObserveCacheRead(string(models.EntityFeedRef), metrics.ReadStale)
	res.Fresh = false
	return &res.FeedResult, nil
}

type feedRead struct {
	FeedResult
	refIDs []string
}

// feedFromRef loads the clips of a feedRef in order, including expired
// ones. Clips missing from the store are skipped.
func (f *Facade) feedFromRef(ctx context.Context, ref *models.CachedEntity) (feedRead, error) {
	var fr models.FeedRef
	if err := ref.Decode(&fr); err != nil {
		return feedRead{}, err
	}
	res := feedRead{
		FeedResult: FeedResult{Clips: make([]*models.Clip, 0, len(fr.ClipIDs)), HasMore: fr.HasMore, FetchedAt: ref.FetchedAtTime()},
		refIDs:     fr.ClipIDs,
	}
	for _, id := range fr.ClipIDs {
		e, ok, err := f.store.Peek(ctx, models.EntityClip, id)
		if err != nil {
			return feedRead{}, err
		}
		if !ok {
			continue
		}
		var clip models.Clip
		if err := e.Decode(&clip); err != nil {
			return feedRead{}, err
		}
		res.Clips = append(res.Clips, &clip)
	}
	return res, nil
}

func (f *Facade) writeFeed(ctx context.Context, key string, cacheable bool, page *api.ClipPage) (*FeedResult, error) {
	writes := make([]models.EntityWrite, 0, len(page.Clips)+1)
	res := &FeedResult{Clips: make([]*models.Clip, 0, len(page.Clips)), HasMore: page.HasMore, Fresh: true, FetchedAt: f.store.Now()}
	ids := make([]string, 0, len(page.Clips))

	for _, raw := range page.Clips {
		var clip models.Clip
		if err := json.Unmarshal(raw, &clip); err != nil || clip.Validate() != nil {
			logging.Warn("Skipping malformed clip in feed", map[string]interface{}{"feed": key})
			continue
		}
		writes = append(writes, models.EntityWrite{Type: models.EntityClip, ID: clip.ID, Payload: raw, TTL: f.ttls.Clip})
		ids = append(ids, clip.ID)
		res.Clips = append(res.Clips, &clip)
	}

	if cacheable {
		ref, err := json.Marshal(models.FeedRef{ID: key, ClipIDs: ids, HasMore: page.HasMore})
		if err != nil {
			return nil, err
		}
		writes = append(writes, models.EntityWrite{Type: models.EntityFeedRef, ID: key, Payload: ref, TTL: f.ttls.Feed})
	}
	if err := f.store.PutMany(ctx, writes); err != nil {
		return nil, err
	}
	f.metrics.ObserveCacheRead(string(models.EntityFeedRef), metrics.ReadNetwork)
	return res, nil
}

// =====================================================
// Comments
// =====================================================

// FetchComments returns the comments of a clip. The first page is cached:
// a marker feedRef records the server order and the comments are stored
// individually, indexed by clip. Pending local comments are always
// included.
func (f *Facade) FetchComments(ctx context.Context, clipID string, q api.CommentQuery) (*CommentsResult, error) {
	if clipID == "" {
		return nil, errors.New(errors.ErrValidation, "clip id is required")
	}
	key := models.CommentsKey(clipID)
	cacheable := q.Cursor == ""

	var marker *models.CachedEntity
	var found bool
	if cacheable {
		var err error
		marker, found, err = f.store.Peek(ctx, models.EntityFeedRef, key)
		if err != nil {
			return nil, err
		}
		if found && f.store.Fresh(marker) {
			res, err := f.commentsFromCache(ctx, clipID, marker)
			if err != nil {
				return nil, err
			}
			f.metrics.ObserveCacheRead(string(models.EntityComment), metrics.ReadFresh)
			res.Fresh = true
			return res, nil
		}
	}

	if f.conn.Online() {
		page, err := f.remote.ListComments(ctx, clipID, q)
		if err == nil {
			return f.writeComments(ctx, clipID, key, cacheable, page)
		}
		if !fallbackAllowed(err) {
			return nil, err
		}
		logging.Debug("Comment fetch failed, falling back to cache", map[string]interface{}{
			"clip_id": clipID,
			"error":   err.Error(),
		})
	}

	res, err := f.commentsFromCache(ctx, clipID, marker)
	if err != nil {
		return nil, err
	}
	if !found && len(res.Comments) == 0 {
		f.metrics.ObserveCacheRead(string(models.EntityComment), metrics.ReadMiss)
		return nil, offline("comments of clip " + clipID)
	}
	f.metrics.ObserveCacheRead(string(models.EntityComment), metrics.ReadStale)
	res.Fresh = false
	return res, nil
}

// commentsFromCache orders cached comments by the marker's server order,
// then appends the rest, oldest first.
func (f *Facade) commentsFromCache(ctx context.Context, clipID string, marker *models.CachedEntity) (*CommentsResult, error) {
	entries, err := f.store.QueryByIndexIncludingExpired(ctx, models.EntityComment, models.IndexClipID, clipID)
	if err != nil {
		return nil, err
	}

	res := &CommentsResult{Comments: make([]*models.Comment, 0, len(entries))}
	byID := make(map[string]*models.Comment, len(entries))
	for _, e := range entries {
		var c models.Comment
		if err := e.Decode(&c); err != nil {
			return nil, err
		}
		byID[c.ID] = &c
	}

	if marker != nil {
		var ref models.FeedRef
		if err := marker.Decode(&ref); err != nil {
			return nil, err
		}
		res.NextCursor, res.HasMore, res.FetchedAt = ref.NextCursor, ref.HasMore, marker.FetchedAtTime()
		for _, id := range ref.ClipIDs {
			if c, ok := byID[id]; ok {
				res.Comments = append(res.Comments, c)
				delete(byID, id)
			}
		}
	}

	rest := make([]*models.Comment, 0, len(byID))
	for _, c := range byID {
		rest = append(rest, c)
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].ID < rest[j].ID
		}
		return rest[i].CreatedAt.Before(rest[j].CreatedAt)
	})
	res.Comments = append(res.Comments, rest...)
	return res, nil
}

func (f *Facade) writeComments(ctx context.Context, clipID, key string, cacheable bool, page *api.CommentPage) (*CommentsResult, error) {
	writes := make([]models.EntityWrite, 0, len(page.Comments)+1)
	ids := make([]string, 0, len(page.Comments))
	for _, raw := range page.Comments {
		var c models.Comment
		if err := json.Unmarshal(raw, &c); err != nil {
			logging.Warn("Skipping malformed comment", map[string]interface{}{"clip_id": clipID})
			continue
		}
		data := raw
		if c.ClipID == "" {
			c.ClipID = clipID
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(raw, &doc); err != nil {
				continue
			}
			doc["clip_id"] = mustJSON(clipID)
			b, err := json.Marshal(doc)
			if err != nil {
				return nil, err
			}
			data = b
		}
		if c.Validate() != nil {
			continue
		}
		writes = append(writes, models.EntityWrite{Type: models.EntityComment, ID: c.ID, Payload: data, TTL: f.ttls.Comment})
		ids = append(ids, c.ID)
	}

	var marker *models.CachedEntity
	if cacheable {
		ref, err := json.Marshal(models.FeedRef{ID: key, ClipIDs: ids, NextCursor: page.NextCursor, HasMore: page.HasMore})
		if err != nil {
			return nil, err
		}
		writes = append(writes, models.EntityWrite{Type: models.EntityFeedRef, ID: key, Payload: ref, TTL: f.ttls.Comment})
		marker = &models.CachedEntity{Type: models.EntityFeedRef, ID: key, Payload: ref, FetchedAt: f.store.Now().UnixMilli()}
	}
	if err := f.store.PutMany(ctx, writes); err != nil {
		return nil, err
	}
	f.metrics.ObserveCacheRead(string(models.EntityComment), metrics.ReadNetwork)

	if !cacheable {
		res := &CommentsResult{NextCursor: page.NextCursor, HasMore: page.HasMore, Fresh: true, FetchedAt: f.store.Now()}
		for _, w := range writes {
			var c models.Comment
			if err := json.Unmarshal(w.Payload, &c); err == nil {
				res.Comments = append(res.Comments, &c)
			}
		}
		return res, nil
	}

	res, err := f.commentsFromCache(ctx, clipID, marker)
	if err != nil {
		return nil, err
	}
	res.Fresh = true
	return res, nil
}
