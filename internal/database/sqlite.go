// Package database opens the SQLite databases used by devices and by the server of
// record, and applies their schema migrations.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/owners"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/records"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/undo"
)

// LocalModels lists every table of a device database.
func LocalModels() []any {
	models := append([]any{}, store.Models()...)
	models = append(models, conflicts.Models()...)
	models = append(models, undo.Models()...)
	return append(models, &migrationRecord{})
}

// ServerModels lists every table of the server of record.
func ServerModels() []any {
	models := append([]any{}, records.Models()...)
	models = append(models, owners.Models()...)
	return append(models, &migrationRecord{})
}

// OpenLocal opens a device database and performs schema migrations.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(LocalModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, localMigrations, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenServer opens the server of record database and performs schema migrations.
func OpenServer(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(ServerModels()...); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("server database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
