package main

import (
	"context"
	"io"
	"strings"
	stdsync "sync"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/subculture-collective/clipper/clipsync/internal/app"
	"github.com/subculture-collective/clipper/clipsync/internal/config"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var verbose bool
	var jsonOut bool

	ctx := newCommandContext(&configFlag, &verbose, &jsonOut)

	rootCmd := &cobra.Command{
		Use:           "clipsync",
		Short:         "Offline cache and sync engine for Clipper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newSyncCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newClipCommand(ctx))
	rootCmd.AddCommand(newVoteCommand(ctx))
	rootCmd.AddCommand(newFavoriteCommand(ctx))
	rootCmd.AddCommand(newCommentCommand(ctx))
	rootCmd.AddCommand(newConflictsCommand(ctx))
	rootCmd.AddCommand(newPurgeCommand(ctx))
	rootCmd.AddCommand(newCheckoutCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

type commandContext struct {
	configFlag *string
	verbose    *bool
	jsonOut    *bool

	configOnce stdsync.Once
	config     *config.Config
	configErr  error
	logCloser  io.Closer
}

func newCommandContext(configFlag *string, verbose, jsonOut *bool) *commandContext {
	return &commandContext{configFlag: configFlag, verbose: verbose, jsonOut: jsonOut}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		opts := cfg.LoggingOptions()
		if c.verbose == nil || !*c.verbose {
			opts.Level = logging.LevelWarn
		}
		closer, err := logging.Configure(opts)
		if err != nil {
			c.configErr = err
			return
		}
		c.logCloser = closer
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) json() bool {
	return c.jsonOut != nil && *c.jsonOut
}

func (c *commandContext) close() error {
	if c.logCloser == nil {
		return nil
	}
	err := c.logCloser.Close()
	c.logCloser = nil
	return err
}

// withApp opens the data directory, probes connectivity once and runs fn.
// Background sync is not started; queued writes wait for `clipsync sync`
// or the daemon.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.App) error) (err error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()
	a.Monitor.Probe(ctx)
	return fn(a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
