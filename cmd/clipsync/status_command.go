package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/subculture-collective/clipper/clipsync/internal/app"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
)

type statusReport struct {
	Online        bool        `json:"online"`
	Sync          string      `json:"sync_status"`
	LastError     string      `json:"last_error,omitempty"`
	Pending       int         `json:"pending"`
	OldestPending *time.Time  `json:"oldest_pending,omitempty"`
	Cache         store.Stats `json:"cache"`
	Conflicts     int         `json:"conflicts"`
	DataDir       string      `json:"data_dir"`
}

func gatherStatus(c context.Context, a *app.App) (*statusReport, error) {
	ops, err := a.Queue.List(c)
	if err != nil {
		return nil, err
	}
	stats, err := a.Store.Stats(c)
	if err != nil {
		return nil, err
	}
	conflicts, err := a.Conflicts.List(c, 0)
	if err != nil {
		return nil, err
	}
	state := a.Manager.State()
	report := &statusReport{
		Online:    a.Monitor.Online(),
		Sync:      string(state.Status),
		LastError: state.LastError,
		Pending:   len(ops),
		Cache:     stats,
		Conflicts: len(conflicts),
		DataDir:   a.Config.Paths.DataDir,
	}
	if len(ops) > 0 {
		oldest := ops[0].CreatedAtTime()
		report.OldestPending = &oldest
	}
	return report, nil
}

func renderStatus(r *statusReport) string {
	online := colorize("offline", text.FgYellow)
	if r.Online {
		online = colorize("online", text.FgGreen)
	}
	oldest := "-"
	if r.OldestPending != nil {
		oldest = humanize.Time(*r.OldestPending)
	}
	rows := [][]string{
		{"Connectivity", online},
		{"Sync", r.Sync},
		{"Pending writes", humanize.Comma(int64(r.Pending))},
		{"Oldest pending", oldest},
		{"Cached entities", fmt.Sprintf("%s (%s expired)", humanize.Comma(int64(r.Cache.Total)), humanize.Comma(int64(r.Cache.Expired)))},
		{"Unresolved conflicts", humanize.Comma(int64(r.Conflicts))},
		{"Data directory", r.DataDir},
	}
	if r.LastError != "" {
		rows = append(rows, []string{"Last error", colorize(r.LastError, text.FgRed)})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				report, err := gatherStatus(cmd.Context(), a)
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(report))
				return nil
			})
		},
	}
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send pending writes to the server now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				state, err := a.Manager.SyncNow(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), state)
				}
				out := cmd.OutOrStdout()
				switch {
				case !state.Online:
					fmt.Fprintf(out, "Offline: %d write(s) remain queued\n", state.PendingCount)
				case state.Status == models.SyncStatusError:
					fmt.Fprintf(out, "Sync stopped: %s (%d pending)\n", state.LastError, state.PendingCount)
				default:
					fmt.Fprintf(out, "Synced; %d write(s) pending\n", state.PendingCount)
				}
				return nil
			})
		},
	}
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending writes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations in send order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				ops, err := a.Queue.List(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), ops)
				}
				if len(ops) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderQueue(ops))
				return nil
			})
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to drop queued writes without --yes")
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Queue.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s operation(s)\n", humanize.Comma(n))
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "Confirm dropping queued writes")
	cmd.AddCommand(clearCmd)
	return cmd
}

func renderQueue(ops []*models.QueuedOperation) string {
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		next := "now"
		if op.NextAttemptAt > time.Now().UnixMilli() {
			next = humanize.Time(time.UnixMilli(op.NextAttemptAt))
		}
		rows = append(rows, []string{
			shortID(op.QueueID),
			string(op.Kind) + " " + op.EntityType,
			op.EntityID,
			fmt.Sprintf("%d", op.Attempts),
			humanize.Time(op.CreatedAtTime()),
			next,
			truncate(op.LastError, 40),
		})
	}
	return renderTable(
		[]string{"Queue ID", "Operation", "Entity", "Attempts", "Queued", "Next attempt", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
