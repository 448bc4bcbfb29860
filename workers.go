package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultWorkerIntervalSeconds = 10
	defaultWorkerLockTTLSeconds  = 60
	defaultBackoffBaseSeconds    = 2
	defaultBackoffMaxSeconds     = 300
	defaultQueueRetryLimit       = 5
)

func envSeconds(key string, fallback int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}

func queueRetryLimit() int64 {
	if v := os.Getenv("QUEUE_RETRY_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultQueueRetryLimit
}

// workerLoop runs one periodic job body behind a Redis leader lock so only a
// single replica executes it at a time. Failed runs back off exponentially
// (base * 2^(attempt-1), capped); a successful run resets the backoff.
type workerLoop struct {
	name     string
	interval time.Duration
	lockTTL  time.Duration
	logger   *logrus.Logger
	body     func(ctx context.Context) error
}

func (w *workerLoop) run(ctx context.Context) {
	base := envSeconds("WORKER_BACKOFF_BASE_SECONDS", defaultBackoffBaseSeconds)
	maxBackoff := envSeconds("WORKER_BACKOFF_MAX_SECONDS", defaultBackoffMaxSeconds)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.runOnce(ctx); err != nil {
			failures++
			sleep := base * time.Duration(1<<min(failures-1, 10))
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			w.logger.WithFields(logrus.Fields{
				"worker":  w.name,
				"attempt": failures,
			}).Warn("worker run failed; backing off " + sleep.String() + ": " + err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}

		failures = 0
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

func (w *workerLoop) runOnce(ctx context.Context) error {
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis not ready yet; try again next tick.
		return nil
	}
	lock, err := locker.Obtain(ctx, "worker:"+w.name, w.lockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			// Another replica holds leadership.
			return nil
		}
		return err
	}
	defer lock.Release(context.Background())

	return w.body(ctx)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func startWorkers(ctx context.Context, db *gorm.DB, logger *logrus.Logger) {
	interval := envSeconds("WORKER_INTERVAL_SECONDS", defaultWorkerIntervalSeconds)
	lockTTL := envSeconds("WORKER_LOCK_TTL_SECONDS", defaultWorkerLockTTLSeconds)
	params := config.GetMeasurementParams()
	transactions := workflow.GormTransactionRunner{DB: db}

	fetcher := workflow.NewHTTPFetcher()
	queueRunner := &workflow.AsyncRegistrationQueueRunner{
		Transactions:   transactions,
		SourceFetcher:  fetcher,
		TriggerFetcher: fetcher,
		Enrollments:    workflow.DBEnrollmentResolver{DB: db},
		DebugReports:   workflow.PubSubDebugReporter{Logger: logger},
		Params:         params,
		Logger:         logger,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	attributionHandler := &workflow.AttributionJobHandler{
		Transactions: transactions,
		Params:       params,
		Logger:       logger,
	}
	deliveryHandler := &workflow.ReportDeliveryHandler{
		Transactions: transactions,
		Publisher:    workflow.PubSubReportPublisher{},
		Logger:       logger,
	}

	loops := []*workerLoop{
		{
			name:     "registration-queue-app",
			interval: interval,
			lockTTL:  lockTTL,
			logger:   logger,
			body: func(ctx context.Context) error {
				return queueRunner.ProcessAsyncRegistrations(ctx, queueRetryLimit(), models.RegistrationGroupApp)
			},
		},
		{
			name:     "registration-queue-web",
			interval: interval,
			lockTTL:  lockTTL,
			logger:   logger,
			body: func(ctx context.Context) error {
				return queueRunner.ProcessAsyncRegistrations(ctx, queueRetryLimit(), models.RegistrationGroupWeb)
			},
		},
		{
			name:     "attribution-job",
			interval: interval,
			lockTTL:  lockTTL,
			logger:   logger,
			body:     attributionHandler.PerformPendingAttributions,
		},
		{
			name:     "report-delivery",
			interval: interval,
			lockTTL:  lockTTL,
			logger:   logger,
			body:     deliveryHandler.PerformScheduledReportDelivery,
		},
	}
	for _, loop := range loops {
		go loop.run(ctx)
	}
}
