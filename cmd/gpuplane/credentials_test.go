package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fillipeguerrabtc/gpuplane/internal/provision"
)

func TestCredentialsCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"credentials", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials --help failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"set", "list"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q subcommand in help, got: %s", want, out)
		}
	}
}

func TestNewCredentialsSetCmd(t *testing.T) {
	cmd := newCredentialsSetCmd()
	if cmd.Use != "set <account>" {
		t.Errorf("Use = %q, want %q", cmd.Use, "set <account>")
	}
	usernameFlag := cmd.Flags().Lookup("username")
	if usernameFlag == nil {
		t.Fatal("expected --username flag")
	}
	if usernameFlag.DefValue != "" {
		t.Errorf("--username default = %q, want empty", usernameFlag.DefValue)
	}
}

func TestCredentialsSet_WithUsernameFlag(t *testing.T) {
	cfgPath := writeTestConfig(t)
	credsPath := filepath.Join(filepath.Dir(cfgPath), "credentials.json")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("secretkey\n"))
	cmd.SetArgs([]string{"credentials", "set", "main", "--username", "alice", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials set failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `Stored credentials for "main"`) {
		t.Errorf("expected confirmation, got: %s", out)
	}
	if strings.Contains(out, "secretkey") {
		t.Errorf("key leaked into output: %s", out)
	}

	data, err := os.ReadFile(credsPath)
	if err != nil {
		t.Fatalf("read credentials file: %v", err)
	}
	var accounts map[string]provision.Credentials
	if err := json.Unmarshal(data, &accounts); err != nil {
		t.Fatalf("parse credentials file: %v", err)
	}
	if accounts["main"].Username != "alice" || accounts["main"].Key != "secretkey" {
		t.Errorf("stored = %+v, want alice/secretkey", accounts["main"])
	}
}

func TestCredentialsSet_PromptsForUsername(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("alice\nsecretkey\n"))
	cmd.SetArgs([]string{"credentials", "set", "main", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials set failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Username: ") {
		t.Errorf("expected username prompt, got: %s", out)
	}
	if !strings.Contains(out, "API key: ") {
		t.Errorf("expected key prompt, got: %s", out)
	}
	if !strings.Contains(out, `Stored credentials for "main"`) {
		t.Errorf("expected confirmation, got: %s", out)
	}
}

func TestCredentialsSet_EmptyKey(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetArgs([]string{"credentials", "set", "main", "--username", "alice", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for empty key")
	}
	if !strings.Contains(err.Error(), "key is required") {
		t.Errorf("error = %q, want %q", err.Error(), "key is required")
	}
}

func TestCredentialsSet_PreservesOtherAccounts(t *testing.T) {
	cfgPath := writeTestConfig(t)
	credsPath := filepath.Join(filepath.Dir(cfgPath), "credentials.json")

	for _, acct := range []string{"main", "alt"} {
		cmd := newRootCmd()
		buf := new(bytes.Buffer)
		cmd.SetOut(buf)
		cmd.SetErr(buf)
		cmd.SetIn(strings.NewReader("key-" + acct + "\n"))
		cmd.SetArgs([]string{"credentials", "set", acct, "--username", acct + "-user", "--config", cfgPath})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("credentials set %s failed: %v", acct, err)
		}
	}

	data, err := os.ReadFile(credsPath)
	if err != nil {
		t.Fatalf("read credentials file: %v", err)
	}
	var accounts map[string]provision.Credentials
	if err := json.Unmarshal(data, &accounts); err != nil {
		t.Fatalf("parse credentials file: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	if accounts["main"].Key != "key-main" {
		t.Errorf("first account clobbered: %+v", accounts["main"])
	}
}

func TestCredentialsList(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("secretkey\n"))
	cmd.SetArgs([]string{"credentials", "set", "main", "--username", "alice", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials set failed: %v", err)
	}

	cmd = newRootCmd()
	buf.Reset()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"credentials", "list", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials list failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ACCOUNT", "USERNAME", "main", "alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in listing, got: %s", want, out)
		}
	}
	if strings.Contains(out, "secretkey") {
		t.Errorf("key leaked into listing: %s", out)
	}
}

func TestCredentialsList_Empty(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"credentials", "list", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("credentials list failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No credentials stored in") {
		t.Errorf("expected empty notice, got: %s", buf.String())
	}
}
