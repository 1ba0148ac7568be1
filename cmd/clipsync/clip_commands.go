package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/app"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/facade"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/widgets"
)

func freshLabel(fresh bool) string {
	if fresh {
		return "fresh"
	}
	return colorize("stale", text.FgYellow)
}

func newClipCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clip",
		Short: "Read clips through the offline cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <clip-id>",
		Short: "Show one clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.FetchClip(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				c := res.Clip
				vote := "-"
				if c.UserVote != nil {
					vote = fmt.Sprintf("%+d", *c.UserVote)
				}
				rows := [][]string{
					{"Title", c.Title},
					{"Score", fmt.Sprintf("%d (%d up, %d down)", c.VoteScore, c.UpvoteCount, c.DownvoteCount)},
					{"Comments", humanize.Comma(int64(c.CommentCount))},
					{"Favorites", humanize.Comma(int64(c.FavoriteCount))},
					{"Your vote", vote},
					{"Favorited", yesNo(c.IsFavorited)},
					{"Fetched", humanize.Time(res.FetchedAt) + ", " + freshLabel(res.Fresh)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	})

	var sort string
	var limit, page int
	feed := &cobra.Command{
		Use:   "feed",
		Short: "List the clip feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.FetchFeed(cmd.Context(), api.FeedQuery{Sort: sort, Limit: limit, Page: page})
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				rows := make([][]string, 0, len(res.Clips))
				for _, c := range res.Clips {
					rows = append(rows, []string{c.ID, truncate(c.Title, 50), fmt.Sprintf("%d", c.VoteScore), humanize.Comma(int64(c.CommentCount))})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Title", "Score", "Comments"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
				fmt.Fprintf(cmd.OutOrStdout(), "%s, fetched %s\n", freshLabel(res.Fresh), humanize.Time(res.FetchedAt))
				return nil
			})
		},
	}
	feed.Flags().StringVar(&sort, "sort", "hot", "Feed sort (hot, new, top)")
	feed.Flags().IntVar(&limit, "limit", 20, "Clips per page")
	feed.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.AddCommand(feed)

	cmd.AddCommand(&cobra.Command{
		Use:   "comments <clip-id>",
		Short: "List comments on a clip, including unsent ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.FetchComments(cmd.Context(), args[0], api.CommentQuery{})
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printComments(cmd.OutOrStdout(), res.Comments)
				return nil
			})
		},
	})

	var autoplay bool
	embed := &cobra.Command{
		Use:   "embed <clip-id>",
		Short: "Print the Twitch player URL for a clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.FetchClip(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				u, err := a.Embedder.InitEmbed(res.Clip, widgets.EmbedOptions{Autoplay: autoplay, Muted: true})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
	embed.Flags().BoolVar(&autoplay, "autoplay", false, "Start playback immediately")
	cmd.AddCommand(embed)

	var title, reason string
	var tags []string
	var nsfw bool
	submit := &cobra.Command{
		Use:   "submit <twitch-clip-url>",
		Short: "Submit a Twitch clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.SubmitClip(cmd.Context(), facade.SubmissionInput{
					ClipURL:          args[0],
					CustomTitle:      title,
					Tags:             tags,
					IsNSFW:           nsfw,
					SubmissionReason: reason,
				})
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Submission", res, err)
			})
		},
	}
	submit.Flags().StringVar(&title, "title", "", "Custom title")
	submit.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	submit.Flags().BoolVar(&nsfw, "nsfw", false, "Mark as NSFW")
	submit.Flags().StringVar(&reason, "reason", "", "Submission reason")
	cmd.AddCommand(submit)

	return cmd
}

func printComments(w io.Writer, comments []*models.Comment) {
	if len(comments) == 0 {
		fmt.Fprintln(w, "No comments")
		return
	}
	rows := make([][]string, 0, len(comments))
	for _, c := range comments {
		state := ""
		switch {
		case c.Pending:
			state = colorize("pending", text.FgYellow)
		case c.IsRemoved:
			state = "removed"
		case c.IsEdited:
			state = "edited"
		}
		indent := ""
		if c.ParentCommentID != nil {
			indent = "  ↳ "
		}
		rows = append(rows, []string{shortID(c.ID), indent + truncate(c.Content, 60), fmt.Sprintf("%d", c.VoteScore), state})
	}
	fmt.Fprintln(w, renderTable([]string{"ID", "Comment", "Score", "State"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
}

// reportWrite prints the outcome of an optimistic write.
func reportWrite(w io.Writer, asJSON bool, what string, res *facade.WriteResult, err error) error {
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, res)
	}
	if res.Queued {
		fmt.Fprintf(w, "%s queued (%s); it will be sent when online\n", what, shortID(res.QueueID))
		return nil
	}
	fmt.Fprintf(w, "%s saved\n", what)
	return nil
}

func parseVote(s string) (int16, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "+1", "1":
		return 1, nil
	case "down", "-1":
		return -1, nil
	case "none", "clear", "0":
		return 0, nil
	}
	return 0, errors.Newf(errors.ErrValidation, "vote must be up, down or none, got %q", s)
}

func newVoteCommand(ctx *commandContext) *cobra.Command {
	var comment bool
	cmd := &cobra.Command{
		Use:   "vote <id> <up|down|none>",
		Short: "Vote on a clip, or on a comment with --comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vote, err := parseVote(args[1])
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				var res *facade.WriteResult
				if comment {
					res, err = a.Facade.VoteComment(cmd.Context(), args[0], vote)
				} else {
					res, err = a.Facade.VoteClip(cmd.Context(), args[0], vote)
				}
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Vote", res, err)
			})
		},
	}
	cmd.Flags().BoolVar(&comment, "comment", false, "Treat the id as a comment id")
	return cmd
}

func newFavoriteCommand(ctx *commandContext) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "favorite <clip-id>",
		Short: "Add a clip to favorites, or remove it with --remove",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				var res *facade.WriteResult
				var err error
				if remove {
					res, err = a.Facade.Unfavorite(cmd.Context(), args[0])
				} else {
					res, err = a.Facade.Favorite(cmd.Context(), args[0])
				}
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Favorite", res, err)
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove from favorites")
	return cmd
}

func newCommentCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Write comments",
	}

	var parent string
	add := &cobra.Command{
		Use:   "add <clip-id> <text>",
		Short: "Post a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := facade.CommentInput{ClipID: args[0], Content: args[1]}
			if parent != "" {
				in.ParentCommentID = &parent
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.CreateComment(cmd.Context(), in)
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Comment", res, err)
			})
		},
	}
	add.Flags().StringVar(&parent, "parent", "", "Reply to this comment id")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "edit <comment-id> <text>",
		Short: "Edit a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.UpdateComment(cmd.Context(), args[0], args[1])
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Edit", res, err)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <comment-id>",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Facade.DeleteComment(cmd.Context(), args[0])
				return reportWrite(cmd.OutOrStdout(), ctx.json(), "Delete", res, err)
			})
		},
	})

	return cmd
}
