package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vlog-backend/config"
	"vlog-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log zerolog.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info().Msg("running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info().Msg("database initialization complete")
	return db, nil
}

// Migrate creates or updates the tables the scheduler owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.PushSubscription{},
		&model.Livestream{},
		&model.VlogRequest{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	if err := db.Exec(activeOwnerIndexSQL()).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", model.ActiveOwnerIndex, err)
	}
	return nil
}

// activeOwnerIndexSQL builds the partial unique index on livestream owners.
// Postgres and sqlite both accept it.
func activeOwnerIndexSQL() string {
	terminal := make([]string, len(model.TerminalLivestreamStates))
	for i, s := range model.TerminalLivestreamStates {
		terminal[i] = "'" + string(s) + "'"
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON livestreams (owner_user_id) WHERE owner_user_id IS NOT NULL AND state NOT IN (%s)",
		model.ActiveOwnerIndex, strings.Join(terminal, ", "),
	)
}
