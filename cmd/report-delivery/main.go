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

// report-delivery publishes due event reports once and exits.
func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "Abort the run after this duration")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	handler := &workflow.ReportDeliveryHandler{
		Transactions: workflow.GormTransactionRunner{DB: db},
		Publisher:    workflow.PubSubReportPublisher{},
		Logger:       config.GetLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := handler.PerformScheduledReportDelivery(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "report delivery failed:", err)
		os.Exit(1)
	}
	fmt.Println("due event reports delivered")
}
