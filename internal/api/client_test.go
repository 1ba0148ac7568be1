package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "opaque-token", RequestTimeout: 2 * time.Second}, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

// =====================================================
// Reads
// =====================================================

func TestGetClip_Envelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/clips/c1", r.URL.Path)
		assert.Equal(t, "Bearer opaque-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"id":"c1","title":"Ace"}}`)
	})

	data, err := c.GetClip(context.Background(), "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","title":"Ace"}`, string(data))
}

func TestListClips_Pagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/clips", r.URL.Path)
		assert.Equal(t, "top", r.URL.Query().Get("sort"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `{"success":true,
			"data":[{"id":"a","title":"A"},{"id":"b","title":"B"}],
			"meta":{"page":1,"limit":2,"total":5,"total_pages":3,"has_next":true}}`)
	})

	page, err := c.ListClips(context.Background(), FeedQuery{Sort: "top", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Clips, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 1, page.Page)
}

func TestListComments_BareBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/clips/c1/comments", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"comments":[{"id":"cm1","clip_id":"c1","content":"hi"}],"next_cursor":50,"has_more":true}`)
	})

	page, err := c.ListComments(context.Background(), "c1", CommentQuery{})
	require.NoError(t, err)
	require.Len(t, page.Comments, 1)
	assert.Equal(t, "50", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestHealth_RootPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"status":"ok"}`)
	})
	assert.NoError(t, c.Health(context.Background()))
}

// =====================================================
// Error classification
// =====================================================

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   errors.ErrorCode
	}{
		{http.StatusBadRequest, `{"success":false,"error":{"code":"INVALID_VOTE","message":"Vote must be -1, 0, or 1"}}`, errors.ErrValidation},
		{http.StatusForbidden, `{"error":"forbidden"}`, errors.ErrValidation},
		{http.StatusUnprocessableEntity, `{"error":"bad"}`, errors.ErrValidation},
		{http.StatusNotFound, `{"success":false,"error":{"code":"NOT_FOUND","message":"Clip not found"}}`, errors.ErrNotFound},
		{http.StatusUnauthorized, `{"error":"Authentication required"}`, errors.ErrAuthExpired},
		{http.StatusConflict, `{"error":"stale"}`, errors.ErrConflict},
		{http.StatusTooManyRequests, ``, errors.ErrRateLimited},
		{http.StatusServiceUnavailable, `upstream down`, errors.ErrServer},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			_, err := c.GetClip(context.Background(), "c1")
			require.Error(t, err)
			assert.Equal(t, tc.code, errors.CodeOf(err))
			assert.Equal(t, tc.status, StatusOf(err))
		})
	}
}

func TestErrorMessageFromEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"success":false,"error":{"code":"INVALID_VOTE","message":"Vote must be -1, 0, or 1"}}`)
	})
	_, err := c.GetClip(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Vote must be -1, 0, or 1")
}

func TestConflictCarriesServerVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"success":false,"error":{"code":"CONFLICT","message":"stale"},
			"data":{"id":"cm1","clip_id":"c1","content":"server"}}`)
	})

	op := &models.QueuedOperation{QueueID: "q1", Kind: models.OperationUpdate, EntityType: models.TargetComment,
		EntityID: "cm1", Payload: json.RawMessage(`{"content":"mine"}`)}
	_, err := c.Send(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	current, ok := ServerVersion(err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"cm1","clip_id":"c1","content":"server"}`, string(current))
}

func TestConflictBareCurrentField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"error":"stale","current":{"id":"cm1"}}`)
	})
	_, err := c.GetClip(context.Background(), "cm1")
	current, ok := ServerVersion(err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"cm1"}`, string(current))
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url})
	require.NoError(t, err)
	_, err = c.GetClip(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrNetwork, errors.CodeOf(err))
	assert.True(t, errors.IsTransient(err))
}

// =====================================================
// Token handling
// =====================================================

func TestExpiredJWTFailsWithoutRequest(t *testing.T) {
	var hits int32
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusOK, `{}`)
	}, WithClock(func() time.Time { return now }))

	c.SetToken(signedToken(t, now.Add(-time.Minute)))
	_, err := c.GetClip(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrAuthExpired, errors.CodeOf(err))
	assert.Zero(t, atomic.LoadInt32(&hits))

	c.SetToken(signedToken(t, now.Add(time.Hour)))
	_, err = c.GetClip(context.Background(), "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

// =====================================================
// Writes
// =====================================================

func TestSend_Routes(t *testing.T) {
	type seen struct {
		method, path, idem, body string
	}
	var got seen
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = seen{r.Method, r.URL.Path, r.Header.Get(IdempotencyHeader), string(body)}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"message":"ok"}}`)
	})

	parent := "cm0"
	commentPayload, _ := json.Marshal(models.CommentPayload{ClipID: "c1", Content: "hi", ParentCommentID: &parent})

	cases := []struct {
		op     models.QueuedOperation
		method string
		path   string
		body   string
	}{
		{models.QueuedOperation{Kind: models.OperationCreate, EntityType: models.TargetClipVote, EntityID: "c1", Payload: json.RawMessage(`{"vote":1}`)},
			http.MethodPost, "/api/v1/clips/c1/vote", `{"vote":1}`},
		{models.QueuedOperation{Kind: models.OperationCreate, EntityType: models.TargetCommentVote, EntityID: "cm1", Payload: json.RawMessage(`{"vote":-1}`)},
			http.MethodPost, "/api/v1/comments/cm1/vote", `{"vote":-1}`},
		{models.QueuedOperation{Kind: models.OperationCreate, EntityType: models.TargetFavorite, EntityID: "c1"},
			http.MethodPost, "/api/v1/clips/c1/favorite", ``},
		{models.QueuedOperation{Kind: models.OperationDelete, EntityType: models.TargetFavorite, EntityID: "c1"},
			http.MethodDelete, "/api/v1/clips/c1/favorite", ``},
		{models.QueuedOperation{Kind: models.OperationCreate, EntityType: models.TargetComment, EntityID: "local-x", Payload: commentPayload},
			http.MethodPost, "/api/v1/clips/c1/comments", `{"content":"hi","parent_comment_id":"cm0"}`},
		{models.QueuedOperation{Kind: models.OperationUpdate, EntityType: models.TargetComment, EntityID: "cm1", Payload: json.RawMessage(`{"content":"edit"}`)},
			http.MethodPut, "/api/v1/comments/cm1", `{"content":"edit"}`},
		{models.QueuedOperation{Kind: models.OperationDelete, EntityType: models.TargetComment, EntityID: "cm1"},
			http.MethodDelete, "/api/v1/comments/cm1", ``},
		{models.QueuedOperation{Kind: models.OperationCreate, EntityType: models.TargetSubmission, EntityID: "local-s", Payload: json.RawMessage(`{"clip_url":"https://clips.twitch.tv/x","is_nsfw":false}`)},
			http.MethodPost, "/api/v1/submissions", `{"clip_url":"https://clips.twitch.tv/x","is_nsfw":false}`},
	}

	for i, tc := range cases {
		op := tc.op
		op.QueueID = "q" + string(rune('a'+i))
		data, err := c.Send(context.Background(), &op)
		require.NoError(t, err, "%s %s", op.Kind, op.EntityType)
		assert.JSONEq(t, `{"message":"ok"}`, string(data))

		assert.Equal(t, tc.method, got.method)
		assert.Equal(t, tc.path, got.path)
		assert.Equal(t, op.QueueID, got.idem)
		if tc.body == "" {
			assert.Empty(t, got.body)
		} else {
			assert.JSONEq(t, tc.body, got.body)
		}
	}
}

func TestSend_UnknownRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.Send(context.Background(), &models.QueuedOperation{Kind: models.OperationDelete, EntityType: models.TargetClipVote, EntityID: "c1"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
