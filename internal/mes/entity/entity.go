package entity

import "gorm.io/gorm"

// AutoMigrate 自动迁移 MES 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&WorkOrderOperation{},
		&OperationInstance{},
		&ScannedCode{},
		&TimeSession{},
		&ItemRecord{},
		&OperationState{},
		&InspectionRecord{},
	)
}
