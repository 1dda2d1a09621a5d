package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/internal/api"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent and its HTTP interface",
		Long: `Starts the browser agent and serves the command intake (POST /command),
the event streams (GET /events, GET /ws) and the task journal (GET /tasks).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			ctx := cmd.Context()

			ln, err := api.Listen(cfg.Server, logger)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				ln.Close()
				return err
			}
			defer rt.Close()

			server := api.NewServer(cfg.Server, cfg.Journal.ListLimit, rt.Intake, rt.Bus, rt.Journal, logger)
			if cfg.Server.Metrics {
				server.ExposeMetrics(rt.Registry)
			}
			cmd.Printf("webpilot listening on http://%s\n", ln.Addr())

			g, gctx := errgroup.WithContext(ctx)
			// The loop goes first; the worker stops once it has returned.
			workerCtx, stopWorker := context.WithCancel(context.Background())
			defer stopWorker()
			g.Go(func() error {
				rt.Worker.Run(workerCtx)
				return nil
			})
			g.Go(func() error {
				defer stopWorker()
				return rt.Loop.Run(gctx)
			})
			g.Go(func() error {
				return server.Serve(gctx, ln)
			})

			err = g.Wait()
			logger.Info("Shutting down", zap.Error(err))
			return err
		},
	}
}
