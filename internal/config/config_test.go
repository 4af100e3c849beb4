package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: gpuplane_prod
  user: aion
  password: secret

server:
  port: 9090
  public_url: https://aion.example.app

watchdog:
  sweep_seconds: 30

heartbeat:
  interval_seconds: 15
  timeout_seconds: 120
  sweep_seconds: 45

reservation:
  ttl_minutes: 10
  launch_timeout_seconds: 600

quota:
  reset_schedule: "30 2 * * 0"

providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
    safety_margin: 0.7
  colab:
    family: cooldown
    session_limit_hours: 12
    cooldown_hours: 6
    safety_margin: 0.6

workers:
  - id: kaggle-main
    provider: kaggle
    account: team-kaggle
    capabilities:
      gpu: P100
      vram_gb: 16
  - id: colab-1
    provider: colab
    account: team-colab
`

const minimalYAML = `
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "mysql")
	}
	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "10.0.0.5")
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 3307)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Server.PublicURL != "https://aion.example.app" {
		t.Errorf("Server.PublicURL = %q, want %q", cfg.Server.PublicURL, "https://aion.example.app")
	}
	if cfg.Watchdog.SweepSeconds != 30 {
		t.Errorf("Watchdog.SweepSeconds = %d, want 30", cfg.Watchdog.SweepSeconds)
	}
	if cfg.Heartbeat.TimeoutSeconds != 120 {
		t.Errorf("Heartbeat.TimeoutSeconds = %d, want 120", cfg.Heartbeat.TimeoutSeconds)
	}
	if cfg.Reservation.TTLMinutes != 10 {
		t.Errorf("Reservation.TTLMinutes = %d, want 10", cfg.Reservation.TTLMinutes)
	}
	if cfg.Quota.ResetSchedule != "30 2 * * 0" {
		t.Errorf("Quota.ResetSchedule = %q, want %q", cfg.Quota.ResetSchedule, "30 2 * * 0")
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cfg.Providers))
	}
	kaggle := cfg.Providers["kaggle"]
	if kaggle.Family != FamilyUsage {
		t.Errorf("kaggle.Family = %q, want %q", kaggle.Family, FamilyUsage)
	}
	if kaggle.WeeklyLimitHours != 30 {
		t.Errorf("kaggle.WeeklyLimitHours = %v, want 30", kaggle.WeeklyLimitHours)
	}
	colab := cfg.Providers["colab"]
	if colab.Family != FamilyCooldown {
		t.Errorf("colab.Family = %q, want %q", colab.Family, FamilyCooldown)
	}
	if colab.SafetyMargin != 0.6 {
		t.Errorf("colab.SafetyMargin = %v, want 0.6", colab.SafetyMargin)
	}

	if len(cfg.Workers) != 2 {
		t.Fatalf("len(Workers) = %d, want 2", len(cfg.Workers))
	}
	if cfg.Workers[0].ID != "kaggle-main" {
		t.Errorf("Workers[0].ID = %q, want %q", cfg.Workers[0].ID, "kaggle-main")
	}
	if cfg.Workers[0].Capabilities["gpu"] != "P100" {
		t.Errorf("Workers[0].Capabilities[gpu] = %v, want P100", cfg.Workers[0].Capabilities["gpu"])
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want %q (default)", cfg.Database.Driver, "sqlite")
	}
	if cfg.Database.Path != "gpuplane.db" {
		t.Errorf("Database.Path = %q, want %q (default)", cfg.Database.Path, "gpuplane.db")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if cfg.Watchdog.SweepSeconds != 60 {
		t.Errorf("Watchdog.SweepSeconds = %d, want 60 (default)", cfg.Watchdog.SweepSeconds)
	}
	if cfg.Heartbeat.IntervalSeconds != 30 {
		t.Errorf("Heartbeat.IntervalSeconds = %d, want 30 (default)", cfg.Heartbeat.IntervalSeconds)
	}
	if cfg.Heartbeat.TimeoutSeconds != 180 {
		t.Errorf("Heartbeat.TimeoutSeconds = %d, want 180 (default)", cfg.Heartbeat.TimeoutSeconds)
	}
	if cfg.Reservation.TTLMinutes != 5 {
		t.Errorf("Reservation.TTLMinutes = %d, want 5 (default)", cfg.Reservation.TTLMinutes)
	}
	if cfg.Quota.ResetSchedule != "0 0 * * 1" {
		t.Errorf("Quota.ResetSchedule = %q, want %q (default)", cfg.Quota.ResetSchedule, "0 0 * * 1")
	}
	if cfg.Providers["kaggle"].SafetyMargin != 0.7 {
		t.Errorf("kaggle.SafetyMargin = %v, want 0.7 (default)", cfg.Providers["kaggle"].SafetyMargin)
	}
}

func TestDefault_ShipsBothProviders(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.Providers["kaggle"]; !ok {
		t.Error("Default() missing kaggle provider")
	}
	if _, ok := cfg.Providers["colab"]; !ok {
		t.Error("Default() missing colab provider")
	}
	if cfg.Providers["kaggle"].Family != FamilyUsage {
		t.Errorf("kaggle family = %q, want %q", cfg.Providers["kaggle"].Family, FamilyUsage)
	}
	if cfg.Providers["colab"].Family != FamilyCooldown {
		t.Errorf("colab family = %q, want %q", cfg.Providers["colab"].Family, FamilyCooldown)
	}
}

func TestParse_NoProviders(t *testing.T) {
	_, err := Parse([]byte(`server: {port: 8080}`))
	if err == nil {
		t.Fatal("expected error for no providers")
	}
	if !strings.Contains(err.Error(), "at least one provider is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "at least one provider is required")
	}
}

func TestParse_UsageFamilyRequiresWeeklyLimit(t *testing.T) {
	yaml := `
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "providers.kaggle.weekly_limit_hours is required") {
		t.Errorf("error = %q, want weekly_limit_hours complaint", err.Error())
	}
}

func TestParse_CooldownFamilyRequiresCooldown(t *testing.T) {
	yaml := `
providers:
  colab:
    family: cooldown
    session_limit_hours: 12
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "providers.colab.cooldown_hours is required") {
		t.Errorf("error = %q, want cooldown_hours complaint", err.Error())
	}
}

func TestParse_UnknownFamily(t *testing.T) {
	yaml := `
providers:
  foo:
    family: hourly
    session_limit_hours: 1
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "family must be usage or cooldown") {
		t.Errorf("error = %q, want family complaint", err.Error())
	}
}

func TestParse_SafetyMarginAboveOne(t *testing.T) {
	yaml := `
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
    safety_margin: 1.5
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "safety_margin must be in (0, 1]") {
		t.Errorf("error = %q, want safety_margin complaint", err.Error())
	}
}

func TestParse_WorkerWithUnknownProvider(t *testing.T) {
	yaml := `
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
workers:
  - id: w1
    provider: paperspace
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `provider "paperspace" has no provider policy`) {
		t.Errorf("error = %q, want unknown provider complaint", err.Error())
	}
}

func TestParse_WorkerMissingID(t *testing.T) {
	yaml := `
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
workers:
  - provider: kaggle
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "workers[0].id is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "workers[0].id is required")
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yaml := `
database:
  driver: postgres
providers:
  foo:
    family: usage
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "database.driver must be sqlite or mysql") {
		t.Errorf("error missing driver complaint: %s", msg)
	}
	if !strings.Contains(msg, "providers.foo.weekly_limit_hours is required") {
		t.Errorf("error missing weekly_limit_hours complaint: %s", msg)
	}
	if !strings.Contains(msg, "providers.foo.session_limit_hours is required") {
		t.Errorf("error missing session_limit_hours complaint: %s", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":::invalid"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpuplane.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cfg.Providers["kaggle"]; !ok {
		t.Error("expected kaggle provider")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/gpuplane.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

// --- Fixture-based tests using testdata/ files ---

func TestLoad_FullFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "mysql")
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cfg.Providers))
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("len(Workers) = %d, want 2", len(cfg.Workers))
	}
}

func TestLoad_MinimalFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_minimal.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAMLFixture(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}
