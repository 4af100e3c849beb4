package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/db"
	"github.com/fillipeguerrabtc/gpuplane/internal/fleet"
	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/provision"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker management commands",
	}

	cmd.AddCommand(newWorkerAddCmd())
	cmd.AddCommand(newWorkerListCmd())
	cmd.AddCommand(newWorkerShowCmd())
	cmd.AddCommand(newWorkerStartCmd())
	cmd.AddCommand(newWorkerStopCmd())
	cmd.AddCommand(newWorkerHistoryCmd())
	return cmd
}

func newWorkerAddCmd() *cobra.Command {
	var (
		configPath   string
		id           string
		provider     string
		account      string
		capabilities map[string]string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a worker to the fleet",
		Long:  "Registers a new worker row. The ID is auto-generated (wrk-xxxxxxxx) unless --id is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := make(map[string]interface{}, len(capabilities))
			for k, v := range capabilities {
				caps[k] = v
			}
			return runWorkerAdd(cmd, configPath, registry.AddOpts{
				ID:           id,
				Provider:     provider,
				Account:      account,
				Capabilities: caps,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().StringVar(&id, "id", "", "worker ID (auto-generated when omitted)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (required)")
	cmd.Flags().StringVar(&account, "account", "", "provider account reference")
	cmd.Flags().StringToStringVar(&capabilities, "capability", nil, "capability as key=value (repeatable)")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func runWorkerAdd(cmd *cobra.Command, configPath string, opts registry.AddOpts) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if _, ok := cfg.Providers[opts.Provider]; !ok {
		return fmt.Errorf("provider %q has no policy in %s", opts.Provider, configPath)
	}

	w, err := registry.Add(gormDB, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added worker %s (%s)\n", w.ID, w.Provider)
	if w.AccountID != "" {
		fmt.Fprintf(out, "Account: %s\n", w.AccountID)
	}
	return nil
}

func newWorkerListCmd() *cobra.Command {
	var (
		configPath string
		provider   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerList(cmd, configPath, provider)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	return cmd
}

func runWorkerList(cmd *cobra.Command, configPath, provider string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var workers []models.Worker
	if provider != "" {
		workers, err = registry.ListByProvider(gormDB, provider)
	} else {
		workers, err = registry.List(gormDB)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tACCOUNT\tWEEKLY USED\tLAST SEEN")
	for i := range workers {
		wk := &workers[i]
		account := wk.AccountID
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			wk.ID, wk.Provider, wk.Status, account,
			formatSeconds(wk.WeeklyUsageSeconds), lastSeen(wk.LastHeartbeatAt))
	}
	w.Flush()
	return nil
}

func newWorkerShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show worker details",
		Long:  "Displays a worker's lifecycle state, quota position, and active session.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	return cmd
}

func runWorkerShow(cmd *cobra.Command, configPath, id string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	w, err := registry.Get(gormDB, id)
	if err != nil {
		return err
	}
	st, err := fleet.GetStatus(gormDB, quota.FromConfig(cfg), id, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:           %s\n", w.ID)
	fmt.Fprintf(out, "Provider:     %s\n", w.Provider)
	if st.Family != "" {
		fmt.Fprintf(out, "Family:       %s\n", st.Family)
	}
	fmt.Fprintf(out, "Status:       %s\n", w.Status)
	if w.AccountID != "" {
		fmt.Fprintf(out, "Account:      %s\n", w.AccountID)
	}
	if w.EndpointURL != "" {
		fmt.Fprintf(out, "Endpoint:     %s\n", w.EndpointURL)
	}
	if w.Capabilities != "" {
		fmt.Fprintf(out, "Capabilities: %s\n", compactJSON(w.Capabilities))
	}
	fmt.Fprintf(out, "Quota used:   %s\n", formatSeconds(st.QuotaUsedSeconds))
	fmt.Fprintf(out, "Remaining:    %s\n", formatSeconds(st.QuotaRemainingSeconds))
	if st.CooldownRemainingSeconds > 0 {
		fmt.Fprintf(out, "Cooldown:     %s left\n", formatSeconds(st.CooldownRemainingSeconds))
	}
	if st.ActiveSessionID != 0 {
		fmt.Fprintf(out, "Session:      #%d, running %s\n", st.ActiveSessionID, formatSeconds(st.SessionRuntimeSeconds))
	}
	if w.LastHeartbeatAt != nil {
		fmt.Fprintf(out, "Last seen:    %s\n", w.LastHeartbeatAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Created:      %s\n", w.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func newWorkerStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a session on a worker",
		Long:  "Runs the quota gate and, when admitted, provisions the worker's kernel. A refusal prints the reason and is not an error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStart(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	return cmd
}

func runWorkerStart(cmd *cobra.Command, configPath, id string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	res, err := buildCoordinator(gormDB, cfg).StartSession(context.Background(), id, "manual")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.Success {
		fmt.Fprintf(out, "Start refused (%s): %s\n", res.Code, res.Reason)
		return nil
	}
	fmt.Fprintf(out, "Worker %s starting\n", res.WorkerID)
	if res.EndpointURL != "" {
		fmt.Fprintf(out, "Endpoint: %s\n", res.EndpointURL)
	} else {
		fmt.Fprintln(out, "Waiting for the kernel to register its endpoint; watch with: gpuplane status --watch")
	}
	return nil
}

func newWorkerStopCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a worker's active session",
		Long:  "Closes the active session, settles its quota, and asks the remote kernel to shut down.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStop(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	return cmd
}

func runWorkerStop(cmd *cobra.Command, configPath, id string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	res, err := buildCoordinator(gormDB, cfg).StopSession(context.Background(), id, models.ShutdownAdminOverride)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.Stopped {
		fmt.Fprintf(out, "Nothing to stop: %s\n", res.Reason)
		return nil
	}
	fmt.Fprintf(out, "Stopped session on %s\n", id)
	return nil
}

func newWorkerHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a worker's session history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerHistory(cmd, configPath, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().IntVar(&limit, "limit", 20, "max sessions to show")
	return cmd
}

func runWorkerHistory(cmd *cobra.Command, configPath, id string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	sessions, err := ledger.History(gormDB, id, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintf(out, "No sessions for %s\n", id)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tRUNTIME\tACTIVE\tSHUTDOWN")
	for i := range sessions {
		s := &sessions[i]
		active := "-"
		if s.Active {
			active = "yes"
		}
		shutdown := s.ShutdownReason
		if shutdown == "" {
			shutdown = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04"),
			formatSeconds(s.DurationMs/1000), active, shutdown)
	}
	w.Flush()
	return nil
}

// connectFromConfig loads config and opens the GORM store.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	return cfg, gormDB, nil
}

// buildCoordinator assembles the reservation coordinator the one-shot
// commands share with the serve daemons.
func buildCoordinator(gormDB *gorm.DB, cfg *config.Config) *reservation.Coordinator {
	return reservation.New(gormDB, quota.FromConfig(cfg), buildProvisioner(gormDB, cfg),
		provision.NewHTTPShutdown(), cfg.Reservation)
}

// formatSeconds renders a second count as a duration, "-" when zero.
func formatSeconds(secs int64) string {
	if secs <= 0 {
		return "-"
	}
	return (time.Duration(secs) * time.Second).String()
}

// lastSeen renders a heartbeat timestamp as a relative age.
func lastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(*t).Round(time.Second))
}

// compactJSON re-renders stored JSON on one line, returning the input
// unchanged when it does not parse.
func compactJSON(s string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(data)
}
