package database

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/sequence"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Foreign keys drive the image cascade on batch delete; busy_timeout covers
// the sequence command running beside the server.
const connectionPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

var errMissingDatabasePath = errors.New("database path is required")

// OpenSQLite opens the catalogue database on a single connection and brings
// its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingDatabasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []any{&sequence.Counter{}, &batches.Batch{}, &batches.Image{}, &migrationRecord{}}
	if err := db.AutoMigrate(schema...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database ready", zap.String("path", path))
	return db, nil
}

func withPragmas(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + connectionPragmas
	}
	return path + "?" + connectionPragmas
}
