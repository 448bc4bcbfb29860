package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/workflow"
)

// registration-queue-runner drains the async registration queue once for one
// registration group and exits. Intended for cron-style scheduling or manual
// backlog draining.
func main() {
	group := flag.String("group", "APP", "Registration group to drain: APP or WEB")
	retryLimit := flag.Int64("retry-limit", 5, "Skip rows whose retry count reached this limit")
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the run after this duration")
	flag.Parse()

	registrationGroup := models.RegistrationGroup(strings.ToUpper(strings.TrimSpace(*group)))
	if registrationGroup != models.RegistrationGroupApp && registrationGroup != models.RegistrationGroupWeb {
		fmt.Fprintln(os.Stderr, "--group must be APP or WEB")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	fetcher := workflow.NewHTTPFetcher()
	runner := &workflow.AsyncRegistrationQueueRunner{
		Transactions:   workflow.GormTransactionRunner{DB: db},
		SourceFetcher:  fetcher,
		TriggerFetcher: fetcher,
		Enrollments:    workflow.DBEnrollmentResolver{DB: db},
		DebugReports:   workflow.PubSubDebugReporter{Logger: logger},
		Params:         config.GetMeasurementParams(),
		Logger:         logger,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runner.ProcessAsyncRegistrations(ctx, *retryLimit, registrationGroup); err != nil {
		fmt.Fprintln(os.Stderr, "queue run failed:", err)
		os.Exit(1)
	}
	fmt.Println("queue drained:", registrationGroup)
}
