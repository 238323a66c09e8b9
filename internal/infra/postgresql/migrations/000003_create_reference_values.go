package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/matforge/material-engine/internal/provider"
	"gorm.io/gorm"
)

func createReferenceValuesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_reference_values",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&provider.ReferenceValueModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_reference_values_kind_value ON reference_values (kind, value)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&provider.ReferenceValueModel{})
		},
	}
}
