package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/db"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the gpuplane database",
		Long:  "Creates the database, migrates all tables, and seeds the workers declared in config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	if err := db.EnsureDatabase(cfg.Database); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s ready\n", databaseName(cfg.Database))

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedWorkers(gormDB, cfg.Workers); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d workers:", len(cfg.Workers))
	for _, w := range cfg.Workers {
		fmt.Fprintf(out, " %s", w.ID)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "\nGpuplane database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the gpuplane database",
		Long: `Drops every gpuplane table and re-creates them from config.

Session history, quota counters, and ops events are lost. Worker rows are
re-seeded from the config file afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes || force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpuplane.yaml", "path to gpuplane config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt (alias for --yes)")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !skipConfirm {
		if !confirmReset(cmd, databaseName(cfg.Database)) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := db.EnsureDatabase(cfg.Database); err != nil {
		return err
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}

	if err := gormDB.Migrator().DropTable(db.AllModels()...); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	fmt.Fprintln(out, "Dropped all tables")

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedWorkers(gormDB, cfg.Workers); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d workers\n", len(cfg.Workers))

	fmt.Fprintln(out, "\nGpuplane database reset successfully.")
	return nil
}

// databaseName renders the reset target for humans: the file path for sqlite,
// the schema name for mysql.
func databaseName(cfg config.DatabaseConfig) string {
	if cfg.Driver == "mysql" {
		return cfg.Name
	}
	return cfg.Path
}

func confirmReset(cmd *cobra.Command, dbName string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in database %q.\n", dbName)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
