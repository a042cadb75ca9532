package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mxsafiri/nedapay-plus--sub001/libs/logging"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/app"
	"github.com/mxsafiri/nedapay-plus--sub001/services/settlement/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	verbose    bool
	actor      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement engine: liquidity, settlements and the retry queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (defaults to NEDA_CONFIG or config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log service output to stderr")
	root.PersistentFlags().StringVar(&opts.actor, "actor", "", "operator recorded in the liquidity audit trail")

	root.AddCommand(
		settleCmd(opts),
		batchCmd(opts),
		sweepCmd(opts),
		stuckCmd(opts),
		unreconciledCmd(opts),
		reconcileCmd(opts),
		depositCmd(opts),
		reservesCmd(opts),
		checkLiquidityCmd(opts),
		quoteCmd(),
	)
	return root
}

// withApp loads config, builds the service graph and runs fn against it.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.Discard()
	if opts.verbose {
		logger = logging.New(os.Stderr, cfg.App.LogLevel, "settlectl", cfg.App.Env)
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(withActor(ctx, opts.actor), a)
}
