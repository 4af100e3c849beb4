package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/fleet"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		Long:  "Displays every worker's lifecycle state and quota position. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	policies := quota.FromConfig(cfg)

	out := cmd.OutOrStdout()

	for {
		workers, err := registry.List(gormDB)
		if err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}

		if len(workers) == 0 {
			fmt.Fprintln(out, "No workers registered.")
		} else {
			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tPROVIDER\tSTATUS\tQUOTA USED\tREMAINING\tCOOLDOWN\tSESSION")
			for i := range workers {
				st, err := fleet.GetStatus(gormDB, policies, workers[i].ID, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					st.WorkerID, st.Provider, st.Status,
					formatSeconds(st.QuotaUsedSeconds),
					formatSeconds(st.QuotaRemainingSeconds),
					formatSeconds(st.CooldownRemainingSeconds),
					formatSeconds(st.SessionRuntimeSeconds))
			}
			w.Flush()
		}

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}
