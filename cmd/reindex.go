package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/internal/observability"
	"github.com/xkilldash9x/kbgraph/internal/service"
)

// newReindexCmd creates and configures the `reindex` command, which
// regenerates the inferred edges for a single tenant and exits.
func newReindexCmd() *cobra.Command {
	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Regenerates inferred edges for a tenant",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("graph.store", cmd.Flags().Lookup("store"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			tenantID, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return err
			}
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}

			cfg, err = resolveConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown(ctx)

			status, err := components.Inference.Regenerate(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("regeneration failed for tenant %q: %w", tenantID, err)
			}

			logger.Info("Regeneration complete.",
				zap.String("tenant_id", tenantID),
				zap.Int("shared_tag_edges", status.SharedTagEdges),
				zap.Int("similar_edges", status.SimilarEdges),
				zap.Bool("scoring_skipped", status.ScoringSkipped),
				zap.Int64("duration_ms", status.DurationMillis))

			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: %d shared_tag edges, %d similar edges (scoring skipped: %v)\n",
				tenantID, status.SharedTagEdges, status.SimilarEdges, status.ScoringSkipped)
			return nil
		},
	}

	reindexCmd.Flags().String("tenant", "", "tenant whose inferred edges to regenerate (required)")
	reindexCmd.Flags().String("store", "", "graph store backend: memory, postgres or neo4j")

	return reindexCmd
}

func init() {
	rootCmd.AddCommand(newReindexCmd())
}
