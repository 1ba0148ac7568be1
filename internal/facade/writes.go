package facade

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/optimistic"
	"github.com/subculture-collective/clipper/clipsync/internal/uuid"
)

// WriteResult reports how a write was handled. Queued writes reach the
// server on a later sync; the optimistic change is visible either way.
type WriteResult struct {
	QueueID string `json:"queue_id"`
	Queued  bool   `json:"queued"`
	// EntityID is the id of the written entity. For new comments it is a
	// temporary id until the server confirms the create.
	EntityID string `json:"entity_id"`
}

// textPolicy strips all markup from user text.
var textPolicy = bluemonday.StrictPolicy()

// sanitize strips markup and surrounding whitespace.
func sanitize(s string) string {
	return strings.TrimSpace(textPolicy.Sanitize(s))
}

func validateContent(content string) (string, error) {
	clean := sanitize(content)
	n := utf8.RuneCountInString(clean)
	if n < models.MinCommentLength {
		return "", errors.New(errors.ErrValidation, "comment content is required")
	}
	if n > models.MaxCommentLength {
		return "", errors.Newf(errors.ErrValidation, "comment exceeds %d characters", models.MaxCommentLength)
	}
	return clean, nil
}

func validateVote(vote int16) error {
	if vote < -1 || vote > 1 {
		return errors.Newf(errors.ErrValidation, "vote must be -1, 0 or 1, got %d", vote)
	}
	return nil
}

// submit applies changes, then sends op directly when online with an
// empty queue, or queues it. A permanent failure of a direct send reverts
// the changes and is returned to the caller.
func (f *Facade) submit(ctx context.Context, op *models.QueuedOperation, changes ...optimistic.Change) (*WriteResult, error) {
	snaps, err := f.applier.Apply(ctx, changes...)
	if err != nil {
		return nil, err
	}
	op.Rollback = snaps
	op.QueueID = uuid.New()
	result := &WriteResult{QueueID: op.QueueID, EntityID: op.EntityID}

	direct, err := f.canSendDirectly(ctx)
	if err != nil {
		return nil, f.revert(ctx, snaps, err)
	}

	var directErr error
	if direct {
		resp, sendErr := f.remote.Send(ctx, op)
		switch {
		case sendErr == nil:
			f.metrics.ObserveOperation(op.EntityType, metrics.OpDirect)
			if _, err := f.syncer.ApplyResponse(ctx, op, resp); err != nil {
				logging.Error("Failed to apply server response", err, map[string]interface{}{
					"entity_type": op.EntityType,
					"entity_id":   op.EntityID,
				})
			}
			if id := createdID(op, resp); id != "" {
				result.EntityID = id
			}
			return result, nil

		case errors.IsPermanent(sendErr):
			f.metrics.ObserveOperation(op.EntityType, metrics.OpRejected)
			return nil, f.revert(ctx, snaps, sendErr)
		}

		// Transient failures and conflicts are left to the sync manager.
		directErr = sendErr
		logging.Debug("Direct send failed, queueing", map[string]interface{}{
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
			"error":       sendErr.Error(),
		})
	}

	if _, err := f.queue.Enqueue(ctx, op); err != nil {
		return nil, f.revert(ctx, snaps, err)
	}
	if directErr != nil {
		// The direct send counts as the first attempt.
		res, err := f.queue.Fail(ctx, op.QueueID, directErr)
		if err != nil {
			return nil, err
		}
		if res.Abandoned {
			f.metrics.ObserveOperation(op.EntityType, metrics.OpAbandoned)
			return nil, f.revert(ctx, snaps, directErr)
		}
	}
	f.metrics.ObserveOperation(op.EntityType, metrics.OpQueued)
	f.syncer.Notify(ctx)

	result.Queued = true
	return result, nil
}

// canSendDirectly reports whether a write may skip the queue. Anything
// already queued must reach the server first.
func (f *Facade) canSendDirectly(ctx context.Context) (bool, error) {
	if !f.conn.Online() {
		return false, nil
	}
	n, err := f.queue.PeekPendingCount(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (f *Facade) revert(ctx context.Context, snaps []models.Snapshot, cause error) error {
	if err := f.applier.Revert(ctx, snaps); err != nil {
		logging.Error("Failed to revert optimistic change", err, nil)
	}
	return cause
}

// createdID returns the server id of a comment created by op.
func createdID(op *models.QueuedOperation, resp json.RawMessage) string {
	if op.EntityType != models.TargetComment || op.Kind != models.OperationCreate || len(resp) == 0 {
		return ""
	}
	var body struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(resp, &body) != nil {
		return ""
	}
	return body.ID
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// =====================================================
// Votes and favorites
// =====================================================

// applyClipVote updates score, counters and user_vote of a clip.
func applyClipVote(c *models.Clip, vote int16) {
	if c.UserVote != nil {
		switch *c.UserVote {
		case 1:
			c.UpvoteCount--
		case -1:
			c.DownvoteCount--
		}
	}
	c.VoteScore = models.ApplyVote(c.VoteScore, c.UserVote, vote)
	switch vote {
	case 1:
		c.UpvoteCount++
	case -1:
		c.DownvoteCount++
	}
	if vote == 0 {
		c.UserVote = nil
	} else {
		v := vote
		c.UserVote = &v
	}
}

// VoteClip records the user's vote on a clip. A vote of 0 removes it.
func (f *Facade) VoteClip(ctx context.Context, clipID string, vote int16) (*WriteResult, error) {
	if clipID == "" {
		return nil, errors.New(errors.ErrValidation, "clip id is required")
	}
	if err := validateVote(vote); err != nil {
		return nil, err
	}
	op := &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetClipVote,
		EntityID:   clipID,
		Payload:    mustJSON(models.VotePayload{Vote: vote}),
	}
	return f.submit(ctx, op, optimistic.Change{
		Type: models.EntityClip,
		ID:   clipID,
		Mutate: optimistic.Update(func(c *models.Clip) error {
			applyClipVote(c, vote)
			return nil
		}),
	})
}

// VoteComment records the user's vote on a comment.
func (f *Facade) VoteComment(ctx context.Context, commentID string, vote int16) (*WriteResult, error) {
	if commentID == "" {
		return nil, errors.New(errors.ErrValidation, "comment id is required")
	}
	if err := validateVote(vote); err != nil {
		return nil, err
	}
	op := &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetCommentVote,
		EntityID:   commentID,
		Payload:    mustJSON(models.VotePayload{Vote: vote}),
	}
	return f.submit(ctx, op, optimistic.Change{
		Type: models.EntityComment,
		ID:   commentID,
		Mutate: optimistic.Update(func(c *models.Comment) error {
			c.VoteScore = models.ApplyVote(c.VoteScore, c.UserVote, vote)
			if vote == 0 {
				c.UserVote = nil
			} else {
				v := vote
				c.UserVote = &v
			}
			return nil
		}),
	})
}

// Favorite adds a clip to the user's favorites.
func (f *Facade) Favorite(ctx context.Context, clipID string) (*WriteResult, error) {
	return f.setFavorite(ctx, clipID, true)
}

// Unfavorite removes a clip from the user's favorites.
func (f *Facade) Unfavorite(ctx context.Context, clipID string) (*WriteResult, error) {
	return f.setFavorite(ctx, clipID, false)
}

func (f *Facade) setFavorite(ctx context.Context, clipID string, favorited bool) (*WriteResult, error) {
	if clipID == "" {
		return nil, errors.New(errors.ErrValidation, "clip id is required")
	}
	kind := models.OperationCreate
	if !favorited {
		kind = models.OperationDelete
	}
	op := &models.QueuedOperation{Kind: kind, EntityType: models.TargetFavorite, EntityID: clipID}
	return f.submit(ctx, op, optimistic.Change{
		Type: models.EntityClip,
		ID:   clipID,
		Mutate: optimistic.Update(func(c *models.Clip) error {
			if c.IsFavorited == favorited {
				return nil
			}
			c.IsFavorited = favorited
			if favorited {
				c.FavoriteCount++
			} else if c.FavoriteCount > 0 {
				c.FavoriteCount--
			}
			return nil
		}),
	})
}

// =====================================================
// Comments
// =====================================================

// CommentInput is a new comment or reply.
type CommentInput struct {
	ClipID          string  `json:"clip_id"`
	Content         string  `json:"content"`
	ParentCommentID *string `json:"parent_comment_id,omitempty"`
}

// CreateComment posts a comment. Until the server confirms it the comment
// is cached as pending under a temporary id.
func (f *Facade) CreateComment(ctx context.Context, in CommentInput) (*WriteResult, error) {
	if in.ClipID == "" {
		return nil, errors.New(errors.ErrValidation, "clip id is required")
	}
	content, err := validateContent(in.Content)
	if err != nil {
		return nil, err
	}
	var parent *string
	if in.ParentCommentID != nil && *in.ParentCommentID != "" {
		p := *in.ParentCommentID
		parent = &p
	}

	now := f.store.Now().UTC()
	id := uuid.NewTemp()
	comment := &models.Comment{
		ID:              id,
		ClipID:          in.ClipID,
		ParentCommentID: parent,
		Content:         content,
		Pending:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	changes := []optimistic.Change{
		{Type: models.EntityComment, ID: id, Mutate: optimistic.Insert(comment), TTL: f.ttls.Comment},
		{Type: models.EntityClip, ID: in.ClipID, Mutate: optimistic.Update(func(c *models.Clip) error {
			c.CommentCount++
			return nil
		})},
	}
	if parent != nil {
		changes = append(changes, optimistic.Change{Type: models.EntityComment, ID: *parent,
			Mutate: optimistic.Update(func(c *models.Comment) error {
				c.ReplyCount++
				return nil
			})})
	}

	op := &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetComment,
		EntityID:   id,
		Payload:    mustJSON(models.CommentPayload{ClipID: in.ClipID, Content: content, ParentCommentID: parent}),
	}
	return f.submit(ctx, op, changes...)
}

// UpdateComment edits the text of a comment. The edit records the
// version it was made against so the server can detect conflicts.
func (f *Facade) UpdateComment(ctx context.Context, commentID, content string) (*WriteResult, error) {
	if commentID == "" {
		return nil, errors.New(errors.ErrValidation, "comment id is required")
	}
	clean, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	payload := models.CommentPayload{Content: clean}
	current, found, err := f.store.Peek(ctx, models.EntityComment, commentID)
	if err != nil {
		return nil, err
	}
	if found {
		var c models.Comment
		if err := current.Decode(&c); err != nil {
			return nil, err
		}
		if !c.UpdatedAt.IsZero() && !uuid.IsTemp(commentID) {
			base := c.UpdatedAt.UTC()
			payload.BaseUpdatedAt = &base
		}
	}

	now := f.store.Now().UTC()
	op := &models.QueuedOperation{
		Kind:       models.OperationUpdate,
		EntityType: models.TargetComment,
		EntityID:   commentID,
		Payload:    mustJSON(payload),
	}
	return f.submit(ctx, op, optimistic.Change{
		Type: models.EntityComment,
		ID:   commentID,
		Mutate: optimistic.Update(func(c *models.Comment) error {
			c.Content = clean
			c.IsEdited = true
			c.UpdatedAt = now
			return nil
		}),
	})
}

// DeleteComment removes a comment and decrements the counters that
// included it.
func (f *Facade) DeleteComment(ctx context.Context, commentID string) (*WriteResult, error) {
	if commentID == "" {
		return nil, errors.New(errors.ErrValidation, "comment id is required")
	}

	changes := []optimistic.Change{{
		Type: models.EntityComment,
		ID:   commentID,
		Mutate: optimistic.Update(func(c *models.Comment) error {
			c.IsRemoved = true
			c.Content = ""
			return nil
		}),
	}}

	current, found, err := f.store.Peek(ctx, models.EntityComment, commentID)
	if err != nil {
		return nil, err
	}
	if found {
		var c models.Comment
		if err := current.Decode(&c); err != nil {
			return nil, err
		}
		if !c.IsRemoved {
			changes = append(changes, optimistic.Change{Type: models.EntityClip, ID: c.ClipID,
				Mutate: optimistic.Update(func(clip *models.Clip) error {
					if clip.CommentCount > 0 {
						clip.CommentCount--
					}
					return nil
				})})
			if c.ParentCommentID != nil && *c.ParentCommentID != "" {
				changes = append(changes, optimistic.Change{Type: models.EntityComment, ID: *c.ParentCommentID,
					Mutate: optimistic.Update(func(p *models.Comment) error {
						if p.ReplyCount > 0 {
							p.ReplyCount--
						}
						return nil
					})})
			}
		}
	}

	op := &models.QueuedOperation{Kind: models.OperationDelete, EntityType: models.TargetComment, EntityID: commentID}
	return f.submit(ctx, op, changes...)
}

// =====================================================
// Submissions
// =====================================================

// SubmissionInput is a clip submitted for review.
type SubmissionInput struct {
	ClipURL          string   `json:"clip_url"`
	CustomTitle      string   `json:"custom_title,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	IsNSFW           bool     `json:"is_nsfw"`
	SubmissionReason string   `json:"submission_reason,omitempty"`
}

// SubmitClip submits a Twitch clip. Submissions have no cached entity.
func (f *Facade) SubmitClip(ctx context.Context, in SubmissionInput) (*WriteResult, error) {
	u, err := url.Parse(strings.TrimSpace(in.ClipURL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, errors.Newf(errors.ErrValidation, "invalid clip url %q", in.ClipURL)
	}

	p := models.SubmissionPayload{ClipURL: u.String(), IsNSFW: in.IsNSFW}
	if title := sanitize(in.CustomTitle); title != "" {
		p.CustomTitle = &title
	}
	if reason := sanitize(in.SubmissionReason); reason != "" {
		p.SubmissionReason = &reason
	}
	for _, tag := range in.Tags {
		if t := sanitize(tag); t != "" {
			p.Tags = append(p.Tags, t)
		}
	}

	op := &models.QueuedOperation{
		Kind:       models.OperationCreate,
		EntityType: models.TargetSubmission,
		EntityID:   uuid.New(),
		Payload:    mustJSON(p),
	}
	return f.submit(ctx, op)
}

// PendingCount returns how many writes are waiting to be sent.
func (f *Facade) PendingCount(ctx context.Context) (int, error) {
	return f.queue.PeekPendingCount(ctx)
}

