package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
)

func TestAdminDSN(t *testing.T) {
	dsn := adminDSN(config.DatabaseConfig{
		Host: "127.0.0.1", Port: 3306, User: "gpuplane", Password: "secret",
	})
	if !strings.HasPrefix(dsn, "gpuplane:secret@tcp(127.0.0.1:3306)/") {
		t.Errorf("adminDSN = %q, want server-level DSN with no database", dsn)
	}
}

func TestEnsureDatabase_SQLiteCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "gpuplane.db")
	if err := EnsureDatabase(config.DatabaseConfig{Driver: "sqlite", Path: path}); err != nil {
		t.Fatalf("EnsureDatabase: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
}

func TestEnsureDatabase_SQLiteBarePath(t *testing.T) {
	if err := EnsureDatabase(config.DatabaseConfig{Driver: "sqlite", Path: "gpuplane.db"}); err != nil {
		t.Errorf("EnsureDatabase: %v", err)
	}
}

func TestEnsureDatabase_UnsupportedDriver(t *testing.T) {
	err := EnsureDatabase(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err.Error())
	}
}
