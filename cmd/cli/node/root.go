package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lumino-labs/lumino-client/pkg/config"
	"github.com/lumino-labs/lumino-client/pkg/node"
)

// NewRootCmd builds the compute-provider binary: a single long-running
// serve command. All configuration comes from the environment, see
// pkg/config.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lumino-node",
		Short: "Run a Lumino compute-provider node",
		Long: `Registers this account as a compute provider, participates in the
per-epoch leader election, executes assigned training jobs through the
local pipeline, and keeps the node escrow funded. Runs until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Ctx(ctx).Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}
	cancel()

	return n.Stop(context.Background())
}
