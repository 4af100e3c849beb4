package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/provision"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage provider account credentials",
	}

	cmd.AddCommand(newCredentialsSetCmd())
	cmd.AddCommand(newCredentialsListCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var (
		configPath string
		username   string
	)

	cmd := &cobra.Command{
		Use:   "set <account>",
		Short: "Store API credentials for a provider account",
		Long:  "Prompts for the API key (input is hidden on a terminal) and writes it to the credentials file. The account name must match a worker's account reference in config.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsSet(cmd, configPath, args[0], username)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().StringVar(&username, "username", "", "provider username (prompted when omitted)")
	return cmd
}

func runCredentialsSet(cmd *cobra.Command, configPath, account, username string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out := cmd.OutOrStdout()
	// One scanner for both prompts; a second one would lose whatever the
	// first buffered past its line.
	in := bufio.NewScanner(cmd.InOrStdin())

	if username == "" {
		fmt.Fprint(out, "Username: ")
		if in.Scan() {
			username = strings.TrimSpace(in.Text())
		}
		if username == "" {
			return fmt.Errorf("username is required")
		}
	}

	key, err := readKey(cmd, in)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	path := cfg.Credentials.File
	accounts, err := readCredentialsFile(path)
	if err != nil {
		return err
	}
	accounts[account] = provision.Credentials{Username: username, Key: key}

	if err := writeCredentialsFile(path, accounts); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored credentials for %q in %s\n", account, path)
	return nil
}

// readKey reads the API key without echo when stdin is a terminal, falling
// back to a plain line read so piped input still works.
func readKey(cmd *cobra.Command, in *bufio.Scanner) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, "API key: ")

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		key, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(key)), nil
	}

	if in.Scan() {
		return strings.TrimSpace(in.Text()), nil
	}
	return "", in.Err()
}

func readCredentialsFile(path string) (map[string]provision.Credentials, error) {
	accounts := make(map[string]provision.Credentials)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return accounts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return accounts, nil
}

func writeCredentialsFile(path string, accounts map[string]provision.Credentials) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func newCredentialsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured credential accounts",
		Long:  "Shows which accounts have credentials stored. Keys are never printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	return cmd
}

func runCredentialsList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	accounts, err := readCredentialsFile(cfg.Credentials.File)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(accounts) == 0 {
		fmt.Fprintf(out, "No credentials stored in %s\n", cfg.Credentials.File)
		return nil
	}

	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tUSERNAME")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, accounts[name].Username)
	}
	w.Flush()
	return nil
}
