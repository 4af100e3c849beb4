package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/go-sql-driver/mysql"
)

// adminDSN builds a server-level MySQL DSN with no database selected, used
// for CREATE DATABASE before the schema exists.
func adminDSN(cfg config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return mc.FormatDSN()
}

// EnsureDatabase makes sure the configured database can be opened. For MySQL
// it creates the database if missing; for SQLite it creates the parent
// directory, since opening the file itself creates the store.
func EnsureDatabase(cfg config.DatabaseConfig) error {
	switch cfg.Driver {
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("db: create data directory %s: %w", dir, err)
			}
		}
		return nil
	case "mysql":
		conn, err := sql.Open("mysql", adminDSN(cfg))
		if err != nil {
			return fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		defer conn.Close()

		stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Name)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("db: create database %s: %w", cfg.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}
