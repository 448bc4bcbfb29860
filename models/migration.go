package models

import (
	"github.com/mmdatafocus/measurement_backend/config"
)

// MigrateTable creates or updates the measurement tables.
func MigrateTable() {
	db := config.GetDB()
	logger := config.GetLogger()

	err := db.AutoMigrate(
		&Enrollment{},
		&AsyncRegistration{},
		&Source{},
		&Trigger{},
		&EventReport{},
		&Attribution{},
	)
	if err != nil {
		config.LogError(logger, "Migration.go", "MigrateTable", "AutoMigrate", nil, err)
	}
}
