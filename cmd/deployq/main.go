package main

import (
	"context"
	"deployq/internal/config"
	"deployq/internal/logger"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options shared by every subcommand; environment first, flags override.
type options struct {
	cfg      config.Config
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cfg, err := config.Parse()
	if err != nil {
		// bad environment only matters to commands that use it; flags can still fix it
		log.Warn().Err(err).Msg("Ignoring invalid environment configuration")
	}
	opts.cfg = cfg

	root := &cobra.Command{
		Use:           "deployq",
		Short:         "Test, package and deploy job-autoapply",
		Long:          "deployq runs the build-and-test, image and deployment stages of a pipeline\nand keeps a signed provenance ledger of every stage outcome.",
		Version:       config.ParseVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.Initialize(opts.logLevel, opts.pretty)
			cmd.SetContext(log.Logger.WithContext(cmd.Context()))
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.logLevel, "log-level", valueOr(cfg.LogLevel, "info"), "log level (debug, info, warn, error)")
	f.BoolVar(&opts.pretty, "pretty", true, "human readable logs")
	f.StringVarP(&opts.cfg.PipelineFile, "file", "f", valueOr(cfg.PipelineFile, "deployq.yaml"), "pipeline definition")
	f.StringVar(&opts.cfg.LedgerFile, "ledger", valueOr(cfg.LedgerFile, "./ledger.jsonl"), "provenance ledger file")
	f.StringVar(&opts.cfg.KeyDir, "key-dir", valueOr(cfg.KeyDir, "./keys"), "directory of the ledger signing keys")

	root.AddCommand(
		runCmd(opts),
		validateCmd(opts),
		dockerfileCmd(opts),
		ledgerCmd(opts),
		keygenCmd(opts),
	)
	return root
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
