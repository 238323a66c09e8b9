package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/matforge/material-engine/internal/provider"
	"gorm.io/gorm"
)

func createMaterialSKUsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_material_skus",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&provider.MaterialSKUModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_material_skus_unit ON material_skus (unit)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&provider.MaterialSKUModel{})
		},
	}
}
