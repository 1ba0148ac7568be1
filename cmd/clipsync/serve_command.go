package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/subculture-collective/clipper/clipsync/internal/app"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background sync and the local API",
		Long: "Run the sync manager, connectivity probe and cache purge in the foreground, " +
			"and serve the local API and WebSocket event stream until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			a, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.Close())
			}()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Override server.bind")
	return cmd
}
