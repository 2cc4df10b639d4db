package database

import (
	"errors"
	"time"

	"github.com/sagebrookhealth/casevault/internal/locks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearInactiveLockRows = "2026-08-18_clear_inactive_lock_rows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearInactiveLockRows, apply: clearInactiveLockRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearInactiveLockRows removes lock rows a crashed sweep soft-deleted but
// never finished deleting. Absence is the only durable "free" state.
func clearInactiveLockRows(db *gorm.DB) error {
	return db.Where("is_active = ?", false).Delete(&locks.Lock{}).Error
}
