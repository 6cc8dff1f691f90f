package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"provisioner/internal/platform/config"
	"provisioner/internal/platform/logger"
)

// globals are resolved once in PersistentPreRunE and shared by subcommands.
type globals struct {
	envFile string
	cfg     config.Config
	// missing is set when required configuration is absent; serve still starts
	// and reports it per request, other commands refuse to run.
	missing []string
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "server",
		Short:         "Domain provisioning service",
		Long:          `Turns paid domain orders into a pinned metadata document, a minted token, DNS records and an active domain record.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "optional .env file read before the environment")

	root.AddCommand(
		newServeCmd(g),
		newMigrateCmd(g),
		newProvisionCmd(g),
		newVerifyCmd(g),
	)
	return root
}

func (g *globals) load() error {
	cfg, err := config.Load(g.envFile)
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.logger = logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(g.logger)

	var missingErr *config.MissingConfigError
	if err := cfg.Validate(); errors.As(err, &missingErr) {
		g.missing = missingErr.Keys
	}
	return nil
}

// requireConfig fails commands that cannot run without full configuration.
func (g *globals) requireConfig() error {
	if len(g.missing) > 0 {
		return &config.MissingConfigError{Keys: g.missing}
	}
	return nil
}
