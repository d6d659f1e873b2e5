package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/accproxy/accproxy/internal/config"
	"github.com/accproxy/accproxy/internal/logger"
	"github.com/accproxy/accproxy/internal/models"
)

// Connect opens the Postgres connection pool and runs automigration.
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		logger.NewGormLogger(log),
		gormlogger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      gormlogger.Warn,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Budget{},
		&models.BudgetAlert{},
		&models.RoutingRule{},
		&models.ModelPrice{},
		&models.JournalRecord{},
		&models.SecurityEvent{},
		&models.QuarantineRecord{},
		&models.KillRequest{},
		&models.CustomRule{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
