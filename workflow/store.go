package workflow

import (
	"context"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"gorm.io/gorm"
)

// Store is the transactional DAO contract the job handlers run against. The
// gorm-backed implementation lives in models.MeasurementStore; tests use
// in-memory fakes.
type Store interface {
	FetchNextQueuedAsyncRegistration(retryLimit int64, types []models.RegistrationType) (*models.AsyncRegistration, error)
	InsertAsyncRegistration(registration *models.AsyncRegistration) error
	DeleteAsyncRegistration(id string) error
	UpdateRetryCount(registration *models.AsyncRegistration) error

	InsertSource(source *models.Source) error
	InsertTrigger(trigger *models.Trigger) error
	InsertEventReport(report *models.EventReport) error
	DeleteEventReport(id string) error
	InsertAttribution(attribution *models.Attribution) error

	UpdateSourceDedupKeys(source *models.Source) error
	UpdateSourceStatus(sourceIDs []string, status models.SourceStatus) error
	UpdateTriggerStatus(triggerID string, status models.TriggerStatus) error
	UpdateSourceAttributedTriggers(source *models.Source) error
	UpdateEventReportSummaryBucket(reportID string, summaryBucket string) error

	GetTrigger(id string) (*models.Trigger, error)
	GetPendingTriggerIDs() ([]string, error)
	GetMatchingActiveSources(trigger *models.Trigger) ([]*models.Source, error)
	GetSourceEventReports(source *models.Source) ([]*models.EventReport, error)
	CountSourceEventReports(source *models.Source, status models.EventReportStatus) (int64, error)
	GetAttributionsPerRateLimitWindow(source *models.Source, trigger *models.Trigger, params config.MeasurementParams) (int64, error)

	GetDueEventReports(now int64, limit int) ([]*models.EventReport, error)
	MarkEventReportDelivered(reportID string) error

	GetNumSourcesPerPublisher(publisher string) (int64, error)
	CountDistinctDestinationsPerPublisherXEnrollment(publisher, enrollmentID string, destinationType models.DestinationType, excludedDestinations []string) (int64, error)
	CountDistinctEnrollmentsPerPublisherXDestination(publisher string, destinationType models.DestinationType, destinations []string, excludedEnrollmentID string, windowStart int64) (int64, error)
	CountTriggersPerDestination(destination string, destinationType models.DestinationType) (int64, error)
}

// TransactionRunner opens one all-or-nothing store transaction per callback.
type TransactionRunner interface {
	RunTransaction(ctx context.Context, fn func(store Store) error) error
}

// GormTransactionRunner binds handler transactions to gorm transactions.
type GormTransactionRunner struct {
	DB *gorm.DB
}

func (r GormTransactionRunner) RunTransaction(ctx context.Context, fn func(store Store) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(models.NewMeasurementStore(tx))
	})
}
