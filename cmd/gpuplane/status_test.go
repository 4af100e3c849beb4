package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatusCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "quota position") {
		t.Errorf("expected help to mention 'quota position', got: %s", out)
	}
	if !strings.Contains(out, "--watch") {
		t.Errorf("expected --watch flag, got: %s", out)
	}
}

func TestNewStatusCmd(t *testing.T) {
	cmd := newStatusCmd()
	if cmd.Use != "status" {
		t.Errorf("Use = %q, want %q", cmd.Use, "status")
	}
	watchFlag := cmd.Flags().Lookup("watch")
	if watchFlag == nil {
		t.Fatal("expected --watch flag")
	}
	if watchFlag.DefValue != "false" {
		t.Errorf("--watch default = %q, want false", watchFlag.DefValue)
	}
}

func TestStatus_ShowsFleet(t *testing.T) {
	cfgPath := initStore(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"WORKER", "PROVIDER", "wrk-k1", "wrk-c1", "offline", "21h0m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestStatus_EmptyFleet(t *testing.T) {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
database:
  driver: sqlite
  path: %s
providers:
  kaggle:
    family: usage
    session_limit_hours: 9
    weekly_limit_hours: 30
`, filepath.Join(dir, "gpuplane.db"))
	cfgPath := filepath.Join(dir, "gpuplane.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	cmd = newRootCmd()
	buf.Reset()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No workers registered.") {
		t.Errorf("expected empty-fleet message, got: %s", buf.String())
	}
}

func TestStatusCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--config", "/nonexistent/gpuplane.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}
