package user

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lumino-labs/lumino-client/pkg/config"
	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
	"github.com/lumino-labs/lumino-client/pkg/user"
)

const monitorPollInterval = 5 * time.Second

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lumino",
		Short:         "Submit and monitor Lumino training jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newCreateJobCmd(),
		newMonitorCmd(),
		newMonitorAllCmd(),
		newTopUpCmd(),
	)
	return cmd
}

// newClient builds a user client over a fresh gateway. Each CLI invocation
// is its own process, so the gateway's one-transaction rule is per-run.
func newClient(ctx context.Context) (*user.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	backend, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	registry, err := ledger.NewRegistry(cfg.Addresses, cfg.ABIDir)
	if err != nil {
		return nil, err
	}
	gateway, err := ledger.NewGateway(ctx, ledger.GatewayParams{
		Backend:             backend,
		Registry:            registry,
		PrivateKeyHex:       cfg.PrivateKey,
		DataDir:             cfg.DataDir,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return user.NewClient(user.ClientParams{Ledger: gateway}), nil
}

func newCreateJobCmd() *cobra.Command {
	var params, paramsFile, model string
	var wait bool

	cmd := &cobra.Command{
		Use:   "create-job",
		Short: "Submit a training job",
		Long: `Validates the parameter blob locally, checks the job escrow, then
submits the job and prints its protocol-issued id. With --wait, keeps
polling until the job reaches a terminal state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("reading params file: %w", err)
				}
				params = string(data)
			}

			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			job, err := client.CreateJob(ctx, params, model)
			if err != nil {
				return err
			}
			cmd.Printf("job %d submitted\n", job.ID)

			if !wait {
				return nil
			}
			final, err := client.WaitForTerminal(ctx, job.ID, monitorPollInterval, func(j models.Job) {
				cmd.Printf("job %d: %s\n", j.ID, j.State)
			})
			if err != nil {
				return err
			}
			if final.State != models.JobStateCompleted {
				return fmt.Errorf("job %d ended as %s", final.ID, final.State)
			}
			return nil
		},
	}
	addJobFlags(cmd.Flags(), &params, &paramsFile, &model)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job reaches a terminal state")
	return cmd
}

func addJobFlags(fs *pflag.FlagSet, params, paramsFile, model *string) {
	fs.StringVar(params, "params", "", "job parameters as a JSON string")
	fs.StringVar(paramsFile, "params-file", "", "file holding the job parameters JSON")
	fs.StringVar(model, "model", "", "base model name, e.g. llm_llama3_1_8b")
}

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor <job-id>",
		Short: "Follow one job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			final, err := client.WaitForTerminal(ctx, jobID, monitorPollInterval, func(j models.Job) {
				cmd.Printf("job %d: %s (node %d)\n", j.ID, j.State, j.AssignedNode)
			})
			if err != nil {
				return err
			}
			cmd.Printf("job %d finished: %s\n", final.ID, final.State)
			return nil
		},
	}
	return cmd
}

func newMonitorAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor-all",
		Short: "Show the current state of every job this account submitted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Job", "State", "Node", "Model"})
			for _, job := range jobs {
				t.AppendRow(table.Row{job.ID, job.State, job.AssignedNode, job.BaseModelName})
			}
			if isatty.IsTerminal(os.Stdout.Fd()) {
				t.SetStyle(table.StyleRounded)
				t.Style().Color.Header = text.Colors{text.Bold}
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func newTopUpCmd() *cobra.Command {
	var tokens uint64

	cmd := &cobra.Command{
		Use:   "top-up",
		Short: "Deposit tokens into the job escrow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}

			amount := new(big.Int).SetUint64(tokens)
			amount.Mul(amount, big.NewInt(1e18))
			if err := client.TopUpEscrow(ctx, amount); err != nil {
				return err
			}
			balance, err := client.EscrowBalance(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("escrow balance: %s wei\n", balance)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&tokens, "tokens", 0, "amount to deposit, in whole tokens")
	_ = cmd.MarkFlagRequired("tokens")
	return cmd
}
