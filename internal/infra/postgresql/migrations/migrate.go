package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/matforge/material-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_processing_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ProcessingRecordModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_records_pending ON processing_records (request_id, created_at) WHERE status = 'PENDING'`,
					`CREATE INDEX IF NOT EXISTS idx_records_retry_due ON processing_records (retry_after) WHERE status = 'FAILED'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ProcessingRecordModel{})
			},
		},
		createMaterialSKUsTable(),
		createReferenceValuesTable(),
	})

	return m.Migrate()
}
