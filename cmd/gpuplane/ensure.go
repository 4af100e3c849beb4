package main

import (
	"context"
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/fleet"
	"github.com/spf13/cobra"
)

func newEnsureCmd() *cobra.Command {
	var (
		configPath string
		provider   string
	)

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Ensure a worker is available",
		Long:  "Reuses an online worker when one exists; otherwise starts the first worker the quota gate admits. Prints the per-worker refusals when nothing can start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnsure(cmd, configPath, provider)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().StringVar(&provider, "provider", "", "restrict to one provider")
	return cmd
}

func runEnsure(cmd *cobra.Command, configPath, provider string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	res, err := fleet.EnsureAvailable(context.Background(), gormDB, buildCoordinator(gormDB, cfg),
		fleet.Preferences{Provider: provider})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.Available {
		fmt.Fprintf(out, "No worker available: %s\n", res.Reason)
		return nil
	}
	if res.StartedNew {
		fmt.Fprintf(out, "Started worker %s\n", res.WorkerID)
	} else {
		fmt.Fprintf(out, "Reusing worker %s\n", res.WorkerID)
	}
	if res.EndpointURL != "" {
		fmt.Fprintf(out, "Endpoint: %s\n", res.EndpointURL)
	} else {
		fmt.Fprintln(out, "Waiting for the kernel to register its endpoint")
	}
	return nil
}
