package main

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
)

func TestServeCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"serve", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"watchdog", "heartbeat", "alert dispatcher", "--port"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in help, got: %s", want, out)
		}
	}
}

func TestNewServeCmd(t *testing.T) {
	cmd := newServeCmd()
	if cmd.Use != "serve" {
		t.Errorf("Use = %q, want %q", cmd.Use, "serve")
	}
	configFlag := cmd.Flags().Lookup("config")
	if configFlag == nil {
		t.Fatal("expected --config flag")
	}
	if configFlag.Shorthand != "c" {
		t.Errorf("--config shorthand = %q, want c", configFlag.Shorthand)
	}
	portFlag := cmd.Flags().Lookup("port")
	if portFlag == nil {
		t.Fatal("expected --port flag")
	}
	if portFlag.DefValue != "0" {
		t.Errorf("--port default = %q, want 0", portFlag.DefValue)
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"serve", "--config", "/nonexistent/gpuplane.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestUsageProviders(t *testing.T) {
	policies := quota.PolicySet{
		"paperspace": {Family: quota.FamilyUsage},
		"colab":      {Family: quota.FamilyCooldown},
		"kaggle":     {Family: quota.FamilyUsage},
	}

	got := usageProviders(policies)
	want := []string{"kaggle", "paperspace"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("usageProviders = %v, want %v", got, want)
	}
}

func TestBuildNotifiers_NoneConfigured(t *testing.T) {
	buf := new(bytes.Buffer)
	notifiers := buildNotifiers(buf, config.Default())
	if len(notifiers) != 0 {
		t.Errorf("notifiers = %d, want 0", len(notifiers))
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestBuildNotifiers_BothChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.Slack = config.SlackConfig{BotToken: "xoxb-test", ChannelID: "C123"}
	cfg.Alerts.Discord = config.DiscordConfig{BotToken: "discord-test", ChannelID: "456"}

	buf := new(bytes.Buffer)
	notifiers := buildNotifiers(buf, cfg)
	if len(notifiers) != 2 {
		t.Fatalf("notifiers = %d, want 2", len(notifiers))
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestBuildNotifiers_MissingChannelDisables(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.Slack = config.SlackConfig{BotToken: "xoxb-test"}

	buf := new(bytes.Buffer)
	notifiers := buildNotifiers(buf, cfg)
	if len(notifiers) != 0 {
		t.Errorf("notifiers = %d, want 0", len(notifiers))
	}
	if !strings.Contains(buf.String(), "Slack alerts disabled:") {
		t.Errorf("expected disabled notice, got: %s", buf.String())
	}
}

func TestBuildProvisioner_UnknownProvider(t *testing.T) {
	prov := buildProvisioner(nil, config.Default())

	_, err := prov.Launch(context.Background(), &models.Worker{ID: "wrk-x", Provider: "paperspace"})
	if !errors.Is(err, reservation.ErrNotConfigured) {
		t.Errorf("error = %v, want wrapped ErrNotConfigured", err)
	}
}
