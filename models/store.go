package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/utils"
	"gorm.io/gorm"
)

// MeasurementStore is the gorm-backed DAO for the attribution pipeline. A
// store instance is bound to one *gorm.DB handle; inside RunTransaction that
// handle is the transaction, so every operation of one queue item or trigger
// commits or rolls back together.
type MeasurementStore struct {
	tx *gorm.DB
}

func NewMeasurementStore(tx *gorm.DB) *MeasurementStore {
	return &MeasurementStore{tx: tx}
}

// RunTransaction executes fn against a store bound to one DB transaction.
func RunTransaction(ctx context.Context, db *gorm.DB, fn func(store *MeasurementStore) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewMeasurementStore(tx))
	})
}

// FetchNextQueuedAsyncRegistration pops the oldest pending registration of the
// given types below the retry limit. Returns utils.ErrorQueueEmpty when none
// is eligible.
func (s *MeasurementStore) FetchNextQueuedAsyncRegistration(retryLimit int64, types []RegistrationType) (*AsyncRegistration, error) {
	var registration AsyncRegistration
	err := s.tx.
		Where("type IN ? AND retry_count < ?", types, retryLimit).
		Order("request_time ASC, id ASC").
		First(&registration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorQueueEmpty
		}
		return nil, err
	}
	return &registration, nil
}

func (s *MeasurementStore) InsertAsyncRegistration(registration *AsyncRegistration) error {
	return s.tx.Create(registration).Error
}

func (s *MeasurementStore) DeleteAsyncRegistration(id string) error {
	return s.tx.Delete(&AsyncRegistration{}, "id = ?", id).Error
}

func (s *MeasurementStore) UpdateRetryCount(registration *AsyncRegistration) error {
	return s.tx.Model(&AsyncRegistration{}).
		Where("id = ?", registration.ID).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (s *MeasurementStore) InsertSource(source *Source) error {
	return s.tx.Create(source).Error
}

func (s *MeasurementStore) InsertTrigger(trigger *Trigger) error {
	return s.tx.Create(trigger).Error
}

func (s *MeasurementStore) InsertEventReport(report *EventReport) error {
	return s.tx.Create(report).Error
}

func (s *MeasurementStore) DeleteEventReport(id string) error {
	return s.tx.Delete(&EventReport{}, "id = ?", id).Error
}

func (s *MeasurementStore) UpdateSourceDedupKeys(source *Source) error {
	return s.tx.Model(&Source{}).
		Where("id = ?", source.ID).
		Update("dedup_keys", source.DedupKeys).Error
}

func (s *MeasurementStore) UpdateSourceStatus(sourceIDs []string, status SourceStatus) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	return s.tx.Model(&Source{}).
		Where("id IN ?", sourceIDs).
		Update("status", status).Error
}

func (s *MeasurementStore) UpdateTriggerStatus(triggerID string, status TriggerStatus) error {
	return s.tx.Model(&Trigger{}).
		Where("id = ?", triggerID).
		Update("status", status).Error
}

// UpdateSourceAttributedTriggers persists the flexible reporting ledger after
// the engine has mutated it.
func (s *MeasurementStore) UpdateSourceAttributedTriggers(source *Source) error {
	return s.tx.Model(&Source{}).
		Where("id = ?", source.ID).
		Update("attributed_triggers", source.AttributedTriggers).Error
}

func (s *MeasurementStore) UpdateEventReportSummaryBucket(reportID string, summaryBucket string) error {
	return s.tx.Model(&EventReport{}).
		Where("id = ?", reportID).
		Update("trigger_summary_bucket", summaryBucket).Error
}

func (s *MeasurementStore) InsertAttribution(attribution *Attribution) error {
	return s.tx.Create(attribution).Error
}

// GetAttributionsPerRateLimitWindow counts attribution ledger rows between the
// source and trigger origin pair inside the rate-limit window ending at the
// trigger time.
func (s *MeasurementStore) GetAttributionsPerRateLimitWindow(source *Source, trigger *Trigger, params config.MeasurementParams) (int64, error) {
	windowStart := trigger.TriggerTime - params.RateLimitWindow.Milliseconds()
	var count int64
	err := s.tx.Model(&Attribution{}).
		Where("source_site = ? AND destination_site = ? AND enrollment_id = ? AND trigger_time > ? AND trigger_time <= ?",
			source.Publisher, trigger.AttributionDestination, source.EnrollmentID, windowStart, trigger.TriggerTime).
		Count(&count).Error
	return count, err
}

// GetMatchingActiveSources finds ACTIVE sources whose destination list for the
// trigger's surface contains the trigger destination, registered by the same
// enrollment, with the trigger inside [event time, expiry).
func (s *MeasurementStore) GetMatchingActiveSources(trigger *Trigger) ([]*Source, error) {
	destinationColumn := "app_destinations"
	if trigger.DestinationType == DestinationTypeWeb {
		destinationColumn = "web_destinations"
	}
	var sources []*Source
	err := s.tx.
		Where("status = ? AND enrollment_id = ? AND event_time <= ? AND expiry_time > ? AND "+destinationColumn+" LIKE ?",
			SourceStatusActive, trigger.EnrollmentID, trigger.TriggerTime, trigger.TriggerTime,
			"%\""+trigger.AttributionDestination+"\"%").
		Find(&sources).Error
	return sources, err
}

func (s *MeasurementStore) GetSourceEventReports(source *Source) ([]*EventReport, error) {
	var reports []*EventReport
	err := s.tx.
		Where("source_id = ?", source.ID).
		Order("report_time ASC, id ASC").
		Find(&reports).Error
	return reports, err
}

func (s *MeasurementStore) CountSourceEventReports(source *Source, status EventReportStatus) (int64, error) {
	var count int64
	err := s.tx.Model(&EventReport{}).
		Where("source_id = ? AND status = ?", source.ID, status).
		Count(&count).Error
	return count, err
}

func (s *MeasurementStore) GetPendingTriggerIDs() ([]string, error) {
	var ids []string
	err := s.tx.Model(&Trigger{}).
		Where("status = ?", TriggerStatusPending).
		Order("trigger_time ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (s *MeasurementStore) GetTrigger(id string) (*Trigger, error) {
	var trigger Trigger
	err := s.tx.First(&trigger, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &trigger, nil
}

// GetNumSourcesPerPublisher counts every source registered by the publisher,
// regardless of status.
func (s *MeasurementStore) GetNumSourcesPerPublisher(publisher string) (int64, error) {
	var count int64
	err := s.tx.Model(&Source{}).
		Where("publisher = ?", publisher).
		Count(&count).Error
	return count, err
}

// CountDistinctDestinationsPerPublisherXEnrollment counts distinct destination
// lists in ACTIVE sources of the (publisher, enrollment) pair, excluding the
// candidate's own destinations.
func (s *MeasurementStore) CountDistinctDestinationsPerPublisherXEnrollment(publisher, enrollmentID string, destinationType DestinationType, excludedDestinations []string) (int64, error) {
	destinationColumn := "app_destinations"
	if destinationType == DestinationTypeWeb {
		destinationColumn = "web_destinations"
	}
	query := s.tx.Model(&Source{}).
		Where("publisher = ? AND enrollment_id = ? AND status = ? AND "+destinationColumn+" <> ''",
			publisher, enrollmentID, SourceStatusActive)
	for _, destination := range excludedDestinations {
		query = query.Where(destinationColumn+" NOT LIKE ?", "%\""+destination+"\"%")
	}
	var count int64
	err := query.Distinct(destinationColumn).Count(&count).Error
	return count, err
}

// CountDistinctEnrollmentsPerPublisherXDestination counts distinct enrollments
// that registered sources for the (publisher, destination) pair inside the
// lookback window, excluding the candidate's own enrollment.
func (s *MeasurementStore) CountDistinctEnrollmentsPerPublisherXDestination(publisher string, destinationType DestinationType, destinations []string, excludedEnrollmentID string, windowStart int64) (int64, error) {
	if len(destinations) == 0 {
		return 0, nil
	}
	destinationColumn := "app_destinations"
	if destinationType == DestinationTypeWeb {
		destinationColumn = "web_destinations"
	}
	query := s.tx.Model(&Source{}).
		Where("publisher = ? AND enrollment_id <> ? AND event_time >= ?", publisher, excludedEnrollmentID, windowStart)
	destinationMatch := s.tx.Session(&gorm.Session{NewDB: true})
	for i, destination := range destinations {
		if i == 0 {
			destinationMatch = destinationMatch.Where(destinationColumn+" LIKE ?", "%\""+destination+"\"%")
		} else {
			destinationMatch = destinationMatch.Or(destinationColumn+" LIKE ?", "%\""+destination+"\"%")
		}
	}
	var count int64
	err := query.Where(destinationMatch).Distinct("enrollment_id").Count(&count).Error
	return count, err
}

// CountTriggersPerDestination counts triggers already registered for the
// destination on its surface.
func (s *MeasurementStore) CountTriggersPerDestination(destination string, destinationType DestinationType) (int64, error) {
	var count int64
	err := s.tx.Model(&Trigger{}).
		Where("attribution_destination = ? AND destination_type = ?", destination, destinationType).
		Count(&count).Error
	return count, err
}

// GetDueEventReports loads PENDING reports whose report time has elapsed.
func (s *MeasurementStore) GetDueEventReports(now int64, limit int) ([]*EventReport, error) {
	var reports []*EventReport
	err := s.tx.
		Where("status = ? AND report_time <= ?", EventReportStatusPending, now).
		Order("report_time ASC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

func (s *MeasurementStore) MarkEventReportDelivered(reportID string) error {
	return s.tx.Model(&EventReport{}).
		Where("id = ? AND status = ?", reportID, EventReportStatusPending).
		Update("status", EventReportStatusDelivered).Error
}
