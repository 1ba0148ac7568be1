package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/subculture-collective/clipper/clipsync/internal/app"
	"github.com/subculture-collective/clipper/clipsync/internal/config"
	"github.com/subculture-collective/clipper/clipsync/internal/widgets"
)

func newConflictsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review conflicts that need a manual decision",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded conflicts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				entries, err := a.Conflicts.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No conflicts")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID, e.EntityType, e.EntityID, e.Resolution, humanize.Time(e.DetectedAtTime()),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Entity", "Resolution", "Detected"}, rows, nil))
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum entries (0 for all)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "dismiss <conflict-id>",
		Short: "Forget a conflict after deciding on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Conflicts.Dismiss(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Dismissed")
				return nil
			})
		},
	})
	return cmd
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete cache entries past their stale retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Store.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				a.Metrics.AddPurged(n)
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %s entr%s\n", humanize.Comma(n), plural(n, "y", "ies"))
				return nil
			})
		},
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// openBrowser hands url to the desktop's default handler.
func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}

func newCheckoutCommand(ctx *commandContext) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "checkout <session-url>",
		Short: "Open a payment checkout session in the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			open := openBrowser
			if printOnly {
				open = func(_ context.Context, url string) error {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), url)
					return err
				}
			}
			return widgets.NewCheckout(open, cfg.Server.CheckoutHosts...).RedirectToCheckout(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the validated URL instead of opening it")
	return cmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a commented sample configuration",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else if ctx.configFlag != nil && *ctx.configFlag != "" {
				path = *ctx.configFlag
			}
			target, err := initConfigFile(path, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", target)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.API.Token != "" {
				redacted.API.Token = "***REDACTED***"
			}
			if ctx.json() {
				return writeJSON(cmd.OutOrStdout(), redacted)
			}
			out, err := toml.Marshal(redacted)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func initConfigFile(path string, force bool) (string, error) {
	var err error
	if path == "" {
		path, err = config.DefaultConfigPath()
	} else {
		path, err = config.ExpandPath(path)
	}
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr == nil && !force {
		return "", fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.SampleConfig()), 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
