package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/alerts"
	"github.com/fillipeguerrabtc/gpuplane/internal/api"
	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/heartbeat"
	"github.com/fillipeguerrabtc/gpuplane/internal/provision"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"github.com/fillipeguerrabtc/gpuplane/internal/watchdog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const alertDispatchInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long:  "Starts the HTTP API together with the watchdog, heartbeat monitor, weekly quota reset, and alert dispatcher. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: server.port from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	policies := quota.FromConfig(cfg)
	notifier := provision.NewHTTPShutdown()
	coord := reservation.New(gormDB, policies, buildProvisioner(gormDB, cfg), notifier, cfg.Reservation)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go func() {
		interval := time.Duration(cfg.Watchdog.SweepSeconds) * time.Second
		if err := watchdog.Run(ctx, gormDB, policies, notifier, interval, out); err != nil {
			log.Printf("watchdog: %v", err)
		}
	}()

	go func() {
		interval := time.Duration(cfg.Heartbeat.SweepSeconds) * time.Second
		timeout := time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second
		if err := heartbeat.Run(ctx, gormDB, policies, interval, timeout, out); err != nil {
			log.Printf("heartbeat: %v", err)
		}
	}()

	go func() {
		if err := registry.RunWeeklyReset(ctx, gormDB, usageProviders(policies), cfg.Quota.ResetSchedule, out); err != nil {
			log.Printf("quota reset: %v", err)
		}
	}()

	dispatcher := alerts.NewDispatcher(gormDB, buildNotifiers(out, cfg), alertDispatchInterval)
	go func() {
		if err := dispatcher.Run(ctx, out); err != nil {
			log.Printf("alerts: %v", err)
		}
	}()

	if port == 0 {
		port = cfg.Server.Port
	}
	return api.Start(ctx, api.StartOpts{
		DB:                gormDB,
		Policies:          policies,
		Coordinator:       coord,
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		Port:              port,
		Out:               out,
	})
}

// buildProvisioner wires the provider-specific launchers. Providers in config
// without a launcher here are refused at start time as not configured.
func buildProvisioner(gormDB *gorm.DB, cfg *config.Config) reservation.Provisioner {
	router := provision.NewRouter()
	for name := range cfg.Providers {
		switch name {
		case "kaggle":
			creds := provision.NewFileCredentials(cfg.Credentials.File)
			templates := provision.NewTemplateSource(cfg.Template)
			router.Register(name, provision.NewKaggle(creds, templates, cfg.Server.PublicURL))
		case "colab":
			router.Register(name, provision.NewColab(gormDB, cfg.Server.PublicURL))
		}
	}
	return router
}

// buildNotifiers constructs a chat notifier per configured alert channel. A
// channel whose client cannot be built is disabled, not fatal; the events
// stay queued in the store either way.
func buildNotifiers(out io.Writer, cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier
	if s := cfg.Alerts.Slack; s.BotToken != "" {
		n, err := alerts.NewSlack(s.BotToken, s.ChannelID)
		if err != nil {
			fmt.Fprintf(out, "Slack alerts disabled: %v\n", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if d := cfg.Alerts.Discord; d.BotToken != "" {
		n, err := alerts.NewDiscord(d.BotToken, d.ChannelID)
		if err != nil {
			fmt.Fprintf(out, "Discord alerts disabled: %v\n", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	return notifiers
}

// usageProviders names the providers whose weekly windows the reset job rolls.
func usageProviders(policies quota.PolicySet) []string {
	var names []string
	for name, p := range policies {
		if p.Family == quota.FamilyUsage {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
