package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/workflow"
)

// attribution-job processes the pending trigger backlog once and exits.
func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the run after this duration")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	handler := &workflow.AttributionJobHandler{
		Transactions: workflow.GormTransactionRunner{DB: db},
		Params:       config.GetMeasurementParams(),
		Logger:       config.GetLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := handler.PerformPendingAttributions(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "attribution run failed:", err)
		os.Exit(1)
	}
	fmt.Println("pending attributions processed")
}
