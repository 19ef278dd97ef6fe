// Package db provides database connection and migration functionality.
package db

import (
	"fmt"
	stdlog "log"
	"os"

	"ballot-relay/internal/config"
	"ballot-relay/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a database connection using the provided configuration.
// It returns (nil, nil) when no postgres database is configured.
func Open(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDialect != config.DatabaseSchemePostgres || cfg.DBDsn == "" {
		return nil, nil
	}
	return gorm.Open(postgres.Open(cfg.DBDsn), GormConfig())
}

// GormConfig is shared by Open and tests. Finalize writes are single statements,
// so the implicit transaction gorm wraps around them is skipped.
func GormConfig() *gorm.Config {
	// Configure GORM logger (Silent to avoid cluttering output; only errors will be logged)
	newLogger := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: newLogger, SkipDefaultTransaction: true}
}

// AutoMigrate runs database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(&models.Ballot{}); err != nil {
		return fmt.Errorf("migrate ballots: %w", err)
	}
	return nil
}
