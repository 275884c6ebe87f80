package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by the service.
func AllModels() []interface{} {
	return []interface{}{
		&Account{}, &Realization{},
		&Request{}, &LineItem{}, &Document{},
		&Disbursement{},
		&Role{},
		&AuditEventRecord{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
