package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/measurement_backend/config"
)

// EventReport is a candidate or finalized event-level report. Reports compete
// for the per-source report cap; losers are evicted before delivery.
type EventReport struct {
	ID               string            `gorm:"primary_key;size:36" json:"id"`
	SourceID         string            `gorm:"size:36;not null;index" json:"source_id"`
	SourceEventID    uint64            `gorm:"not null" json:"source_event_id"`
	SourceType       SourceType        `gorm:"size:20;not null" json:"source_type"`
	EnrollmentID     string            `gorm:"size:64;not null" json:"enrollment_id"`
	// JSON array of destination URIs the report is attributed to.
	AttributionDestinations string     `gorm:"type:text" json:"attribution_destinations"`
	TriggerID        *string           `gorm:"size:36" json:"trigger_id"`
	TriggerData      uint64            `gorm:"not null;default:0" json:"trigger_data"`
	TriggerPriority  int64             `gorm:"not null;default:0" json:"trigger_priority"`
	TriggerValue     int64             `gorm:"not null;default:0" json:"trigger_value"`
	TriggerTime      int64             `gorm:"not null;default:0" json:"trigger_time"`
	TriggerDedupKey  *string           `gorm:"size:64" json:"trigger_dedup_key"`
	ReportTime       int64             `gorm:"not null;index" json:"report_time"`
	Status           EventReportStatus `gorm:"size:20;not null;default:PENDING;index" json:"status"`
	// "lo,hi" boundaries of the summary bucket this report covers (flex only).
	TriggerSummaryBucket string        `gorm:"size:64" json:"trigger_summary_bucket"`
	RegistrationOrigin   string        `gorm:"size:512" json:"registration_origin"`
	RandomizedTriggerRate float64      `gorm:"not null;default:0" json:"randomized_trigger_rate"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewEventReport builds the candidate report for an attributed (source,
// trigger) pair under the classic fixed-window model.
func NewEventReport(source *Source, trigger *Trigger, params config.MeasurementParams) *EventReport {
	value := trigger.TriggerValue
	if value <= 0 {
		value = 1
	}
	return &EventReport{
		ID:                      uuid.NewString(),
		SourceID:                source.ID,
		SourceEventID:           source.EventID,
		SourceType:              source.SourceType,
		EnrollmentID:            source.EnrollmentID,
		AttributionDestinations: encodeStringList(source.DestinationsForType(trigger.DestinationType)),
		TriggerID:               &trigger.ID,
		TriggerData:             trigger.TruncatedTriggerData(source.TriggerDataCardinality(params)),
		TriggerPriority:         trigger.Priority,
		TriggerValue:            value,
		TriggerTime:             trigger.TriggerTime,
		TriggerDedupKey:         trigger.DedupKey,
		ReportTime:              source.ReportingTime(trigger.TriggerTime, trigger.DestinationType, params),
		Status:                  EventReportStatusPending,
		RegistrationOrigin:      source.Publisher,
		RandomizedTriggerRate:   source.RandomAttributionProbability(params),
	}
}

// NewFakeEventReport materializes one noised report for a FALSELY source.
func NewFakeEventReport(source *Source, fake FakeReport) *EventReport {
	return &EventReport{
		ID:                      uuid.NewString(),
		SourceID:                source.ID,
		SourceEventID:           source.EventID,
		SourceType:              source.SourceType,
		EnrollmentID:            source.EnrollmentID,
		AttributionDestinations: encodeStringList(fake.Destinations),
		TriggerData:             fake.TriggerData,
		TriggerTime:             source.EventTime,
		ReportTime:              fake.ReportingTime,
		Status:                  EventReportStatusPending,
		RegistrationOrigin:      source.Publisher,
	}
}

// SummaryBucket formats the "lo,hi" bucket string.
func SummaryBucket(lo, hi int64) string {
	return fmt.Sprintf("%d,%d", lo, hi)
}

// ParseSummaryBucket splits a "lo,hi" bucket string.
func ParseSummaryBucket(bucket string) (int64, int64, error) {
	parts := strings.SplitN(bucket, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed summary bucket %q", bucket)
	}
	lo, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	hi, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}
