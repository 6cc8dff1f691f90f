package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"provisioner/internal/provisioning/service"
)

// newProvisionCmd runs one pipeline from the shell, for operator retries
// without going through the HTTP entry point.
func newProvisionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <orderId>",
		Short: "Provision the domain of a paid order",
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

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")

			res, err := a.orchestrator.Provision(ctx, args[0])
			if err != nil {
				report := map[string]any{
					"success":   false,
					"errorKind": service.ErrorKind(err),
					"retryable": service.IsRetryable(err),
					"error":     err.Error(),
				}
				if domain := service.DomainOf(err); domain != "" {
					report["domain"] = domain
				}
				var se *service.StepError
				if errors.As(err, &se) {
					report["steps"] = se.Steps
				}
				_ = out.Encode(report)
				return fmt.Errorf("provisioning order %s: %w", args[0], err)
			}
			return out.Encode(map[string]any{
				"success":            true,
				"domain":             res.Domain,
				"alreadyProvisioned": res.AlreadyProvisioned,
				"steps":              res.Steps,
			})
		},
	}
}
