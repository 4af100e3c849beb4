package main

import (
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/alerts"
	"github.com/spf13/cobra"
)

func newAlertsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent operational events",
		Long:  "Lists the latest ops events (forced stops, leaked kernels, silent workers). Events not yet delivered to a chat channel are marked with *.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(cmd, configPath, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().IntVar(&limit, "limit", 20, "max events to show")
	return cmd
}

func runAlerts(cmd *cobra.Command, configPath string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	events, err := alerts.Recent(gormDB, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded.")
		return nil
	}

	for i := range events {
		e := &events[i]
		marker := " "
		if !e.Delivered {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s  %s\n", marker, e.CreatedAt.Format("2006-01-02 15:04"), alerts.Format(e))
	}
	return nil
}
