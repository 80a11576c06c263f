// Package commands defines all Cobra CLI commands for the advakod binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/wmzpwnz/advakod-sub005/internal/audit"
	"github.com/wmzpwnz/advakod-sub005/internal/config"
	"github.com/wmzpwnz/advakod-sub005/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// cfg is the resolved configuration, loaded once in PersistentPreRunE.
var cfg *config.Config

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "advakod",
		Short: "AdvaKod: ИИ-юрист grounded in the Russian legal corpus",
		Long: `AdvaKod is an AI assistant for questions about Russian law.

It answers in Russian, grounded in an indexed corpus of codes, federal laws,
court rulings, and official letters. Retrieval is hybrid (semantic plus
keyword), answers cite their sources, and every generation runs through a
priority-aware inference scheduler.

Configuration comes from a YAML file (~/.advakod/config.yaml by default)
with ADVAKOD_* environment variables taking precedence.
See 'advakod --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			loaded, path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			cfg = loaded
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.advakod/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
