// Package widgets wraps third-party UI widgets behind narrow interfaces:
// the Twitch clip player and hosted checkout pages.
package widgets

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// TwitchEmbedBase is the Twitch clip player endpoint.
const TwitchEmbedBase = "https://clips.twitch.tv/embed"

// DefaultCheckoutHosts are the hosts a checkout session may redirect to.
var DefaultCheckoutHosts = []string{"checkout.stripe.com"}

var hostnamePattern = regexp.MustCompile(`^(localhost|[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+)$`)

var clipSlugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// =====================================================
// Twitch player
// =====================================================

// EmbedOptions tune the player.
type EmbedOptions struct {
	Autoplay bool
	Muted    bool
}

// Embedder builds Twitch player URLs. Twitch refuses to play unless every
// domain embedding the player is listed as a parent.
type Embedder struct {
	parents []string
}

// NewEmbedder creates an Embedder for the given parent domains.
func NewEmbedder(parents ...string) (*Embedder, error) {
	if len(parents) == 0 {
		return nil, errors.New(errors.ErrValidation, "at least one parent domain is required")
	}
	seen := make(map[string]bool, len(parents))
	clean := make([]string, 0, len(parents))
	for _, p := range parents {
		p = strings.ToLower(strings.TrimSpace(p))
		if !hostnamePattern.MatchString(p) {
			return nil, errors.Newf(errors.ErrValidation, "invalid parent domain %q", p)
		}
		if !seen[p] {
			seen[p] = true
			clean = append(clean, p)
		}
	}
	return &Embedder{parents: clean}, nil
}

// Parents returns the configured parent domains.
func (e *Embedder) Parents() []string {
	return append([]string(nil), e.parents...)
}

// InitEmbed returns the player URL for a clip.
func (e *Embedder) InitEmbed(clip *models.Clip, opts EmbedOptions) (string, error) {
	if clip == nil {
		return "", errors.New(errors.ErrValidation, "clip is required")
	}
	slug := ClipSlug(clip)
	if slug == "" {
		return "", errors.Newf(errors.ErrValidation, "clip %s has no Twitch clip id", clip.ID)
	}

	q := url.Values{}
	q.Set("clip", slug)
	for _, p := range e.parents {
		q.Add("parent", p)
	}
	q.Set("autoplay", boolParam(opts.Autoplay))
	q.Set("muted", boolParam(opts.Muted))
	return TwitchEmbedBase + "?" + q.Encode(), nil
}

// ClipSlug returns the Twitch clip id of a clip, taken from the
// twitch_clip_id field or parsed from the embed or clip URL.
func ClipSlug(clip *models.Clip) string {
	if clipSlugPattern.MatchString(clip.TwitchClipID) {
		return clip.TwitchClipID
	}
	if u, err := url.Parse(clip.EmbedURL); err == nil {
		if s := u.Query().Get("clip"); clipSlugPattern.MatchString(s) {
			return s
		}
	}
	if u, err := url.Parse(clip.TwitchClipURL); err == nil && u.Host != "" {
		if s := path.Base(u.Path); clipSlugPattern.MatchString(s) {
			return s
		}
	}
	return ""
}

func boolParam(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// =====================================================
// Checkout
// =====================================================

// Opener hands a URL to the platform, usually the default browser.
type Opener func(ctx context.Context, rawURL string) error

// Checkout redirects the user to a hosted checkout session. Sessions are
// created by the Clipper server; the client only opens the returned URL.
type Checkout struct {
	open  Opener
	hosts map[string]bool
}

// NewCheckout creates a Checkout that opens URLs with open. Without hosts
// only DefaultCheckoutHosts are allowed.
func NewCheckout(open Opener, hosts ...string) *Checkout {
	if len(hosts) == 0 {
		hosts = DefaultCheckoutHosts
	}
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}
	return &Checkout{open: open, hosts: allowed}
}

// RedirectToCheckout validates sessionURL and opens it.
func (c *Checkout) RedirectToCheckout(ctx context.Context, sessionURL string) error {
	u, err := url.Parse(strings.TrimSpace(sessionURL))
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid checkout url", err)
	}
	if u.Scheme != "https" {
		return errors.Newf(errors.ErrValidation, "checkout url must use https, got %q", u.Scheme)
	}
	if !c.hosts[strings.ToLower(u.Hostname())] {
		return errors.Newf(errors.ErrValidation, "checkout host %q is not allowed", u.Hostname())
	}
	if c.open == nil {
		return errors.New(errors.ErrInternal, "no opener configured")
	}
	if err := c.open(ctx, u.String()); err != nil {
		return errors.Wrap(errors.ErrInternal, "open checkout", err)
	}
	logging.Info("Opened checkout session", map[string]interface{}{"host": u.Hostname()})
	return nil
}
