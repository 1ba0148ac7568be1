package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/facade"
	"github.com/subculture-collective/clipper/clipsync/internal/widgets"
)

// =====================================================
// Status
// =====================================================

func (s *Server) health(c *gin.Context) {
	data := gin.H{"status": "ok", "ws_clients": s.hub.Clients()}
	if s.deps.Syncer != nil {
		data["online"] = s.deps.Syncer.State().Online
	}
	ok(c, data)
}

func (s *Server) syncStatus(c *gin.Context) {
	ok(c, s.deps.Syncer.State())
}

func (s *Server) syncNow(c *gin.Context) {
	state, err := s.deps.Syncer.SyncNow(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, state)
}

func (s *Server) syncQueue(c *gin.Context) {
	ops, err := s.deps.Queue.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, http.StatusOK, ops, gin.H{"count": len(ops)})
}

func (s *Server) cacheStats(c *gin.Context) {
	stats, err := s.deps.Cache.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, stats)
}

// =====================================================
// Reads
// =====================================================

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, errors.ErrValidation, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func freshness(fresh bool, fetchedAt interface{}) gin.H {
	return gin.H{"fresh": fresh, "fetched_at": fetchedAt}
}

func (s *Server) listClips(c *gin.Context) {
	limit, valid := queryInt(c, "limit")
	if !valid {
		return
	}
	page, valid := queryInt(c, "page")
	if !valid {
		return
	}
	res, err := s.deps.Facade.FetchFeed(c.Request.Context(), api.FeedQuery{
		Sort:  c.DefaultQuery("sort", "hot"),
		Limit: limit,
		Page:  page,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	meta := freshness(res.Fresh, res.FetchedAt)
	meta["has_more"] = res.HasMore
	respond(c, http.StatusOK, res.Clips, meta)
}

func (s *Server) getClip(c *gin.Context) {
	res, err := s.deps.Facade.FetchClip(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	respond(c, http.StatusOK, res.Clip, freshness(res.Fresh, res.FetchedAt))
}

func (s *Server) clipEmbed(c *gin.Context) {
	if s.deps.Embedder == nil {
		fail(c, http.StatusNotFound, errors.ErrNotFound, "embedding is not configured")
		return
	}
	res, err := s.deps.Facade.FetchClip(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	embedURL, err := s.deps.Embedder.InitEmbed(res.Clip, widgets.EmbedOptions{
		Autoplay: c.Query("autoplay") == "true",
		Muted:    c.DefaultQuery("muted", "true") == "true",
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"embed_url": embedURL, "parents": s.deps.Embedder.Parents()})
}

func (s *Server) listComments(c *gin.Context) {
	limit, valid := queryInt(c, "limit")
	if !valid {
		return
	}
	res, err := s.deps.Facade.FetchComments(c.Request.Context(), c.Param("id"), api.CommentQuery{
		Sort:   c.DefaultQuery("sort", "best"),
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	meta := freshness(res.Fresh, res.FetchedAt)
	meta["has_more"] = res.HasMore
	meta["next_cursor"] = res.NextCursor
	respond(c, http.StatusOK, res.Comments, meta)
}

// =====================================================
// Writes
// =====================================================

type voteRequest struct {
	Vote *int16 `json:"vote"`
}

type contentRequest struct {
	Content         string  `json:"content"`
	ParentCommentID *string `json:"parent_comment_id"`
}

func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, errors.ErrValidation, "invalid request body")
		return false
	}
	return true
}

func written(c *gin.Context, res *facade.WriteResult, err error) {
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	respond(c, status, res, nil)
}

func (s *Server) vote(c *gin.Context, send func(id string, vote int16) (*facade.WriteResult, error)) {
	var req voteRequest
	if !bind(c, &req) {
		return
	}
	if req.Vote == nil {
		fail(c, http.StatusBadRequest, errors.ErrValidation, "vote is required")
		return
	}
	res, err := send(c.Param("id"), *req.Vote)
	written(c, res, err)
}

func (s *Server) voteClip(c *gin.Context) {
	s.vote(c, func(id string, v int16) (*facade.WriteResult, error) {
		return s.deps.Facade.VoteClip(c.Request.Context(), id, v)
	})
}

func (s *Server) voteComment(c *gin.Context) {
	s.vote(c, func(id string, v int16) (*facade.WriteResult, error) {
		return s.deps.Facade.VoteComment(c.Request.Context(), id, v)
	})
}

func (s *Server) favorite(c *gin.Context) {
	res, err := s.deps.Facade.Favorite(c.Request.Context(), c.Param("id"))
	written(c, res, err)
}

func (s *Server) unfavorite(c *gin.Context) {
	res, err := s.deps.Facade.Unfavorite(c.Request.Context(), c.Param("id"))
	written(c, res, err)
}

func (s *Server) createComment(c *gin.Context) {
	var req contentRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Facade.CreateComment(c.Request.Context(), facade.CommentInput{
		ClipID:          c.Param("id"),
		Content:         req.Content,
		ParentCommentID: req.ParentCommentID,
	})
	written(c, res, err)
}

func (s *Server) updateComment(c *gin.Context) {
	var req contentRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Facade.UpdateComment(c.Request.Context(), c.Param("id"), req.Content)
	written(c, res, err)
}

func (s *Server) deleteComment(c *gin.Context) {
	res, err := s.deps.Facade.DeleteComment(c.Request.Context(), c.Param("id"))
	written(c, res, err)
}

func (s *Server) submitClip(c *gin.Context) {
	var req facade.SubmissionInput
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Facade.SubmitClip(c.Request.Context(), req)
	written(c, res, err)
}
