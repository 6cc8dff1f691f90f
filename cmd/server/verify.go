package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newVerifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <fqdn>",
		Short: "Check on chain that the domain's token is held by its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, g.cfg, g.logger, nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := a.orchestrator.VerifyOwnership(ctx, args[0])
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(report)
		},
	}
}
