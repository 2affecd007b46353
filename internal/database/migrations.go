package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/imgstk/backend/internal/batches"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name string
	sql  string
}

const (
	migrationCreateBatchSummaryView = "2024-05-01_create_batch_summary_view"
	migrationIndexImagesByBatch     = "2024-05-02_index_images_by_batch_and_id"
)

// schemaMigrations run in order, each once, after AutoMigrate has created the tables.
var schemaMigrations = []migration{
	{name: migrationCreateBatchSummaryView, sql: batches.SummaryViewDDL},
	{
		name: migrationIndexImagesByBatch,
		sql:  `CREATE INDEX IF NOT EXISTS idx_images_batch_id_id ON images (batch_id, id)`,
	},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var applied []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &applied).Error; err != nil {
		return err
	}
	done := make(map[string]struct{}, len(applied))
	for _, name := range applied {
		done[name] = struct{}{}
	}

	for _, pending := range schemaMigrations {
		if _, ok := done[pending.name]; ok {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(pending.sql).Error; err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", pending.name))
	}
	return nil
}
