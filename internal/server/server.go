// Package server exposes the local clipsync API: sync status, cached reads,
// optimistic writes and a WebSocket stream of sync events.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/facade"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
	"github.com/subculture-collective/clipper/clipsync/internal/widgets"
)

// Facade is the read and write surface served over HTTP.
type Facade interface {
	FetchClip(ctx context.Context, id string) (*facade.ClipResult, error)
	FetchFeed(ctx context.Context, q api.FeedQuery) (*facade.FeedResult, error)
	FetchComments(ctx context.Context, clipID string, q api.CommentQuery) (*facade.CommentsResult, error)
	VoteClip(ctx context.Context, clipID string, vote int16) (*facade.WriteResult, error)
	VoteComment(ctx context.Context, commentID string, vote int16) (*facade.WriteResult, error)
	Favorite(ctx context.Context, clipID string) (*facade.WriteResult, error)
	Unfavorite(ctx context.Context, clipID string) (*facade.WriteResult, error)
	CreateComment(ctx context.Context, in facade.CommentInput) (*facade.WriteResult, error)
	UpdateComment(ctx context.Context, commentID, content string) (*facade.WriteResult, error)
	DeleteComment(ctx context.Context, commentID string) (*facade.WriteResult, error)
	SubmitClip(ctx context.Context, in facade.SubmissionInput) (*facade.WriteResult, error)
}

// Syncer is the sync manager surface served over HTTP.
type Syncer interface {
	State() models.SyncState
	SyncNow(ctx context.Context) (models.SyncState, error)
	Subscribe(fn func(models.SyncState)) func()
	SubscribeNotices(fn func(models.Notice)) func()
}

// QueueLister lists pending operations.
type QueueLister interface {
	List(ctx context.Context) ([]*models.QueuedOperation, error)
}

// CacheStats reports entity store occupancy.
type CacheStats interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Facade   Facade
	Syncer   Syncer
	Queue    QueueLister
	Cache    CacheStats
	Metrics  *metrics.Metrics
	Embedder *widgets.Embedder
}

// Server is the local HTTP API.
type Server struct {
	deps   Deps
	hub    *Hub
	engine *gin.Engine
}

// New builds the router. The hub is not running until Run is called.
func New(deps Deps) *Server {
	s := &Server{deps: deps, hub: NewHub()}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.health)

		v1.GET("/sync/status", s.syncStatus)
		v1.POST("/sync/now", s.syncNow)
		v1.GET("/sync/queue", s.syncQueue)
		v1.GET("/cache/stats", s.cacheStats)

		v1.GET("/clips", s.listClips)
		v1.GET("/clips/:id", s.getClip)
		v1.GET("/clips/:id/embed", s.clipEmbed)
		v1.POST("/clips/:id/vote", s.voteClip)
		v1.POST("/clips/:id/favorite", s.favorite)
		v1.DELETE("/clips/:id/favorite", s.unfavorite)
		v1.GET("/clips/:id/comments", s.listComments)
		v1.POST("/clips/:id/comments", s.createComment)

		v1.PUT("/comments/:id", s.updateComment)
		v1.DELETE("/comments/:id", s.deleteComment)
		v1.POST("/comments/:id/vote", s.voteComment)

		v1.POST("/submissions", s.submitClip)
	}

	r.GET("/ws", gin.WrapF(s.hub.ServeWS))
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	return r
}

// Run starts the hub, forwards sync events to it and serves addr until ctx
// is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)

	if s.deps.Syncer != nil {
		unsubState := s.deps.Syncer.Subscribe(s.hub.BroadcastState)
		defer unsubState()
		unsubNotice := s.deps.Syncer.SubscribeNotices(s.hub.BroadcastNotice)
		defer unsubNotice()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("local api listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(errors.ErrInternal, "local api stopped", err)
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(errors.ErrInternal, "shutdown local api", err)
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
