package main

import (
	"github.com/spf13/cobra"

	"provisioner/internal/platform/postgres"
	"provisioner/internal/provisioning/events"
)

func newMigrateCmd(g *globals) *cobra.Command {
	var (
		partitions  int32
		replication int16
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and create the outcome topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if g.cfg.Database.URL == "" {
				return g.requireConfig()
			}
			if err := postgres.Migrate(g.cfg.Database); err != nil {
				return err
			}
			g.logger.InfoContext(ctx, "database migrations applied")

			if len(g.cfg.Kafka.Brokers) == 0 {
				return nil
			}
			if err := events.EnsureTopic(ctx, g.cfg.Kafka.Brokers, g.cfg.Kafka.Topic, partitions, replication); err != nil {
				return err
			}
			g.logger.InfoContext(ctx, "outcome topic ready", "topic", g.cfg.Kafka.Topic)
			return nil
		},
	}
	cmd.Flags().Int32Var(&partitions, "partitions", 3, "partitions for the outcome topic")
	cmd.Flags().Int16Var(&replication, "replication", 1, "replication factor for the outcome topic")
	return cmd
}
