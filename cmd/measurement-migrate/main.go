package main

import (
	"fmt"
	"os"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
)

// measurement-migrate runs table migrations as a standalone job so the service
// can start with SKIP_MIGRATIONS=true.
func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()
	fmt.Println("migrations applied")
}
