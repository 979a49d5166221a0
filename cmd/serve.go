package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/internal/observability"
	"github.com/xkilldash9x/kbgraph/internal/server"
	"github.com/xkilldash9x/kbgraph/internal/service"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the knowledge graph HTTP API",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line values override the config file and
			// environment variables with the right precedence.
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlag("graph.store", cmd.Flags().Lookup("store"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			// Re-resolve the config now that flags are bound.
			var err error
			cfg, err = resolveConfig()
			if err != nil {
				return err
			}

			// Shut down cleanly on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				components.Shutdown(shutdownCtx)
			}()

			srv := server.New(cfg.Server, components, logger)
			logger.Info("Serving knowledge graph API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("graph_store", string(cfg.Graph.Store)))

			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			logger.Info("Server stopped.")
			return nil
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("store", "", "graph store backend: memory, postgres or neo4j")

	return serveCmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
