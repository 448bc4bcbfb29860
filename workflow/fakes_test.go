package workflow

import (
	"context"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
)

// NOTE: These tests are intentionally DB-free. The fake store records every
// mutation and exposes call counts so gating short-circuit behavior can be
// asserted. Full DB integration tests require a MySQL environment.

type fakeStore struct {
	queue        []*models.AsyncRegistration
	sources      map[string]*models.Source
	sourceOrder  []string
	triggers     map[string]*models.Trigger
	triggerOrder []string
	reports      map[string]*models.EventReport
	reportOrder  []string
	attributions []*models.Attribution

	insertedRegistrations []*models.AsyncRegistration
	deletedRegistrations  []string
	deletedReports        []string
	retryBumped           []string

	numSourcesPerPublisher int64
	distinctDestinations   int64
	distinctEnrollments    int64
	triggersPerDestination int64
	attributionCount       int64

	calls map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:  map[string]*models.Source{},
		triggers: map[string]*models.Trigger{},
		reports:  map[string]*models.EventReport{},
		calls:    map[string]int{},
	}
}

func (s *fakeStore) count(name string) { s.calls[name]++ }

func (s *fakeStore) addSource(source *models.Source) {
	s.sources[source.ID] = source
	s.sourceOrder = append(s.sourceOrder, source.ID)
}

func (s *fakeStore) addTrigger(trigger *models.Trigger) {
	s.triggers[trigger.ID] = trigger
	s.triggerOrder = append(s.triggerOrder, trigger.ID)
}

func (s *fakeStore) addReport(report *models.EventReport) {
	s.reports[report.ID] = report
	s.reportOrder = append(s.reportOrder, report.ID)
}

func (s *fakeStore) FetchNextQueuedAsyncRegistration(retryLimit int64, types []models.RegistrationType) (*models.AsyncRegistration, error) {
	s.count("FetchNextQueuedAsyncRegistration")
	for _, registration := range s.queue {
		if registration.RetryCount >= retryLimit {
			continue
		}
		for _, t := range types {
			if registration.Type == t {
				return registration, nil
			}
		}
	}
	return nil, utils.ErrorQueueEmpty
}

func (s *fakeStore) InsertAsyncRegistration(registration *models.AsyncRegistration) error {
	s.count("InsertAsyncRegistration")
	s.insertedRegistrations = append(s.insertedRegistrations, registration)
	s.queue = append(s.queue, registration)
	return nil
}

func (s *fakeStore) DeleteAsyncRegistration(id string) error {
	s.count("DeleteAsyncRegistration")
	s.deletedRegistrations = append(s.deletedRegistrations, id)
	for i, registration := range s.queue {
		if registration.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) UpdateRetryCount(registration *models.AsyncRegistration) error {
	s.count("UpdateRetryCount")
	s.retryBumped = append(s.retryBumped, registration.ID)
	registration.RetryCount++
	return nil
}

func (s *fakeStore) InsertSource(source *models.Source) error {
	s.count("InsertSource")
	s.addSource(source)
	return nil
}

func (s *fakeStore) InsertTrigger(trigger *models.Trigger) error {
	s.count("InsertTrigger")
	s.addTrigger(trigger)
	return nil
}

func (s *fakeStore) InsertEventReport(report *models.EventReport) error {
	s.count("InsertEventReport")
	s.addReport(report)
	return nil
}

func (s *fakeStore) DeleteEventReport(id string) error {
	s.count("DeleteEventReport")
	s.deletedReports = append(s.deletedReports, id)
	delete(s.reports, id)
	for i, reportID := range s.reportOrder {
		if reportID == id {
			s.reportOrder = append(s.reportOrder[:i], s.reportOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) InsertAttribution(attribution *models.Attribution) error {
	s.count("InsertAttribution")
	s.attributions = append(s.attributions, attribution)
	return nil
}

func (s *fakeStore) UpdateSourceDedupKeys(source *models.Source) error {
	s.count("UpdateSourceDedupKeys")
	if stored, ok := s.sources[source.ID]; ok {
		stored.DedupKeys = source.DedupKeys
	}
	return nil
}

func (s *fakeStore) UpdateSourceStatus(sourceIDs []string, status models.SourceStatus) error {
	s.count("UpdateSourceStatus")
	for _, id := range sourceIDs {
		if source, ok := s.sources[id]; ok {
			source.Status = status
		}
	}
	return nil
}

func (s *fakeStore) UpdateTriggerStatus(triggerID string, status models.TriggerStatus) error {
	s.count("UpdateTriggerStatus")
	if trigger, ok := s.triggers[triggerID]; ok {
		trigger.Status = status
	}
	return nil
}

func (s *fakeStore) UpdateSourceAttributedTriggers(source *models.Source) error {
	s.count("UpdateSourceAttributedTriggers")
	if stored, ok := s.sources[source.ID]; ok {
		stored.AttributedTriggers = source.AttributedTriggers
	}
	return nil
}

func (s *fakeStore) UpdateEventReportSummaryBucket(reportID string, summaryBucket string) error {
	s.count("UpdateEventReportSummaryBucket")
	if report, ok := s.reports[reportID]; ok {
		report.TriggerSummaryBucket = summaryBucket
	}
	return nil
}

func (s *fakeStore) GetTrigger(id string) (*models.Trigger, error) {
	s.count("GetTrigger")
	trigger, ok := s.triggers[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return trigger, nil
}

func (s *fakeStore) GetPendingTriggerIDs() ([]string, error) {
	s.count("GetPendingTriggerIDs")
	var ids []string
	for _, id := range s.triggerOrder {
		if s.triggers[id].Status == models.TriggerStatusPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) GetMatchingActiveSources(trigger *models.Trigger) ([]*models.Source, error) {
	s.count("GetMatchingActiveSources")
	var matched []*models.Source
	for _, id := range s.sourceOrder {
		source := s.sources[id]
		if source.Status == models.SourceStatusActive && source.EnrollmentID == trigger.EnrollmentID {
			matched = append(matched, source)
		}
	}
	return matched, nil
}

func (s *fakeStore) GetSourceEventReports(source *models.Source) ([]*models.EventReport, error) {
	s.count("GetSourceEventReports")
	var reports []*models.EventReport
	for _, id := range s.reportOrder {
		if s.reports[id].SourceID == source.ID {
			reports = append(reports, s.reports[id])
		}
	}
	return reports, nil
}

func (s *fakeStore) CountSourceEventReports(source *models.Source, status models.EventReportStatus) (int64, error) {
	s.count("CountSourceEventReports")
	var count int64
	for _, report := range s.reports {
		if report.SourceID == source.ID && report.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) GetAttributionsPerRateLimitWindow(source *models.Source, trigger *models.Trigger, params config.MeasurementParams) (int64, error) {
	s.count("GetAttributionsPerRateLimitWindow")
	return s.attributionCount, nil
}

func (s *fakeStore) GetDueEventReports(now int64, limit int) ([]*models.EventReport, error) {
	s.count("GetDueEventReports")
	var due []*models.EventReport
	for _, id := range s.reportOrder {
		report := s.reports[id]
		if report.Status == models.EventReportStatusPending && report.ReportTime <= now {
			due = append(due, report)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *fakeStore) MarkEventReportDelivered(reportID string) error {
	s.count("MarkEventReportDelivered")
	if report, ok := s.reports[reportID]; ok {
		report.Status = models.EventReportStatusDelivered
	}
	return nil
}

func (s *fakeStore) GetNumSourcesPerPublisher(publisher string) (int64, error) {
	s.count("GetNumSourcesPerPublisher")
	return s.numSourcesPerPublisher, nil
}

func (s *fakeStore) CountDistinctDestinationsPerPublisherXEnrollment(publisher, enrollmentID string, destinationType models.DestinationType, excludedDestinations []string) (int64, error) {
	s.count("CountDistinctDestinationsPerPublisherXEnrollment")
	return s.distinctDestinations, nil
}

func (s *fakeStore) CountDistinctEnrollmentsPerPublisherXDestination(publisher string, destinationType models.DestinationType, destinations []string, excludedEnrollmentID string, windowStart int64) (int64, error) {
	s.count("CountDistinctEnrollmentsPerPublisherXDestination")
	return s.distinctEnrollments, nil
}

func (s *fakeStore) CountTriggersPerDestination(destination string, destinationType models.DestinationType) (int64, error) {
	s.count("CountTriggersPerDestination")
	return s.triggersPerDestination, nil
}

type fakeTransactionRunner struct {
	store *fakeStore
}

func (r fakeTransactionRunner) RunTransaction(ctx context.Context, fn func(store Store) error) error {
	return fn(r.store)
}

type fakeSourceFetcher struct {
	source    *models.Source
	redirects *AsyncRedirects
	status    models.FetchStatus
}

func (f fakeSourceFetcher) FetchSource(ctx context.Context, registration *models.AsyncRegistration) (*models.Source, *AsyncRedirects, models.FetchStatus) {
	return f.source, f.redirects, f.status
}

type fakeTriggerFetcher struct {
	trigger   *models.Trigger
	redirects *AsyncRedirects
	status    models.FetchStatus
}

func (f fakeTriggerFetcher) FetchTrigger(ctx context.Context, registration *models.AsyncRegistration) (*models.Trigger, *AsyncRedirects, models.FetchStatus) {
	return f.trigger, f.redirects, f.status
}

type countingDebugReporter struct {
	reports map[string]int
}

func newCountingDebugReporter() *countingDebugReporter {
	return &countingDebugReporter{reports: map[string]int{}}
}

func (r *countingDebugReporter) ScheduleSourceReport(reportType string, source *models.Source) {
	r.reports[reportType]++
}

type fakeEnrollmentResolver struct {
	enrollments map[string]string
}

func (r fakeEnrollmentResolver) ResolveEnrollment(registrationURI string) (string, error) {
	if id, ok := r.enrollments[registrationURI]; ok {
		return id, nil
	}
	return "", utils.ErrorUnknownEnrollment
}
