package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Comment length bounds enforced before anything is queued.
const (
	MinCommentLength = 1
	MaxCommentLength = 10000
)

// Clip is the cached representation of a Clipper clip.
type Clip struct {
	ID              string    `json:"id"`
	TwitchClipID    string    `json:"twitch_clip_id,omitempty"`
	TwitchClipURL   string    `json:"twitch_clip_url,omitempty"`
	EmbedURL        string    `json:"embed_url,omitempty"`
	Title           string    `json:"title"`
	CreatorName     string    `json:"creator_name,omitempty"`
	BroadcasterName string    `json:"broadcaster_name,omitempty"`
	GameName        *string   `json:"game_name,omitempty"`
	ThumbnailURL    *string   `json:"thumbnail_url,omitempty"`
	Duration        *float64  `json:"duration,omitempty"`
	ViewCount       int       `json:"view_count"`
	VoteScore       int       `json:"vote_score"`
	UpvoteCount     int       `json:"upvote_count,omitempty"`
	DownvoteCount   int       `json:"downvote_count,omitempty"`
	CommentCount    int       `json:"comment_count"`
	FavoriteCount   int       `json:"favorite_count"`
	UserVote        *int16    `json:"user_vote,omitempty"`
	IsFavorited     bool      `json:"is_favorited"`
	IsNSFW          bool      `json:"is_nsfw,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the fields the store requires.
func (c *Clip) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("clip: id is required")
	}
	if c.Title == "" {
		return fmt.Errorf("clip %s: title is required", c.ID)
	}
	return nil
}

// Comment is the cached representation of a comment on a clip.
type Comment struct {
	ID              string    `json:"id"`
	ClipID          string    `json:"clip_id"`
	UserID          string    `json:"user_id,omitempty"`
	Username        string    `json:"username,omitempty"`
	ParentCommentID *string   `json:"parent_comment_id,omitempty"`
	Content         string    `json:"content"`
	VoteScore       int       `json:"vote_score"`
	ReplyCount      int       `json:"reply_count"`
	UserVote        *int16    `json:"user_vote,omitempty"`
	IsEdited        bool      `json:"is_edited"`
	IsRemoved       bool      `json:"is_removed,omitempty"`
	Pending         bool      `json:"pending,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks the fields the store requires.
func (c *Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("comment: id is required")
	}
	if c.ClipID == "" {
		return fmt.Errorf("comment %s: clip_id is required", c.ID)
	}
	if c.Content == "" && !c.IsRemoved {
		return fmt.Errorf("comment %s: content is required", c.ID)
	}
	return nil
}

// FeedRef is an ordered list of clip ids. Clips themselves are cached
// separately so a feed never duplicates clip payloads.
type FeedRef struct {
	ID         string   `json:"id"`
	ClipIDs    []string `json:"clip_ids"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more,omitempty"`
}

// Validate checks the fields the store requires.
func (f *FeedRef) Validate() error {
	if f.ClipIDs == nil {
		return fmt.Errorf("feedRef %s: clip_ids is required", f.ID)
	}
	return nil
}

// Index keys extracted from payloads.
const (
	IndexClipID          = "clip_id"
	IndexParentCommentID = "parent_comment_id"
)

// ValidatePayload decodes payload as the tagged variant for t, validates it
// and returns the foreign keys to index.
func ValidatePayload(t EntityType, id string, payload json.RawMessage) (map[string]string, error) {
	switch t {
	case EntityClip:
		var c Clip
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("clip %s: %w", id, err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.ID != id {
			return nil, fmt.Errorf("clip payload id %q does not match key %q", c.ID, id)
		}
		return nil, nil

	case EntityComment:
		var c Comment
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("comment %s: %w", id, err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.ID != id {
			return nil, fmt.Errorf("comment payload id %q does not match key %q", c.ID, id)
		}
		keys := map[string]string{IndexClipID: c.ClipID}
		if c.ParentCommentID != nil && *c.ParentCommentID != "" {
			keys[IndexParentCommentID] = *c.ParentCommentID
		}
		return keys, nil

	case EntityFeedRef:
		var f FeedRef
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("feedRef %s: %w", id, err)
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}

// FeedKey returns the feedRef id for a clip listing sort order.
func FeedKey(sort string) string {
	if sort == "" {
		sort = "hot"
	}
	return "feed:" + sort
}

// CommentsKey returns the feedRef id marking the comment list of a clip.
func CommentsKey(clipID string) string {
	return "comments:" + clipID
}

// ApplyVote returns the new score after replacing previous with vote.
func ApplyVote(score int, previous *int16, vote int16) int {
	if previous != nil {
		score -= int(*previous)
	}
	return score + int(vote)
}
