// Package app wires the runner from configuration for both binaries.
package app

import (
	"context"
	"deployq/internal/command"
	"deployq/internal/config"
	"deployq/internal/core"
	"deployq/internal/deploy"
	"deployq/internal/provenance"
	"deployq/internal/registry"
	"deployq/internal/secrets"
	"deployq/internal/security"
	"deployq/internal/storage"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Components are the long-lived parts built from a Config.
type Components struct {
	Pipeline *core.Pipeline
	Runner   *core.Runner
	Ledger   *provenance.Ledger
}

// Build loads the pipeline, opens the ledger (creating the signing key pair
// on first use) and assembles a runner that checks out with ws.
func Build(ctx context.Context, cfg config.Config, ws core.Workspace) (*Components, error) {
	logger := log.Ctx(ctx)

	p, err := core.LoadPipeline(cfg.PipelineFile)
	if err != nil {
		return nil, err
	}

	keys, generated, err := security.EnsureKeyPair(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	if generated {
		logger.Info().Msgf("Generated new ledger signing keys in %s", cfg.KeyDir)
	}

	ledger, err := provenance.OpenLedger(cfg.LedgerFile)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	logger.Debug().Msgf("Ledger %s has %d records", cfg.LedgerFile, ledger.Len())

	runner := &core.Runner{
		Scheduler:  core.NewScheduler(),
		Executor:   core.NewExecutor(command.Exec{}, cfg.StepTimeout),
		Workspace:  ws,
		Images:     registry.NewPublisher(command.Exec{}),
		Deployer:   deploy.NewDeployer(cfg.TrustDir),
		Secrets:    secrets.EnvStore{},
		LogStorage: storage.NewLogStorage(cfg.LogDir),
		Ledger:     ledger,
		Keys:       keys,
		AgentID:    cfg.AgentID,
	}
	return &Components{Pipeline: p, Runner: runner, Ledger: ledger}, nil
}
