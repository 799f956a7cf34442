package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

const migrationBackfillServerIssued = "2026-09-14_backfill_server_issued"

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

// localMigrations repair device databases written by older releases.
var localMigrations = []migrationDefinition{
	{name: migrationBackfillServerIssued, apply: backfillServerIssued},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillServerIssued enforces that any row holding a server id is flagged as server
// issued, so settledness is read from the flag alone.
func backfillServerIssued(db *gorm.DB) error {
	for _, model := range []any{&store.BookRow{}, &store.EntryRow{}} {
		err := db.Model(model).
			Where("server_id <> '' AND server_issued = ?", false).
			Update("server_issued", true).Error
		if err != nil {
			return err
		}
	}
	return nil
}
