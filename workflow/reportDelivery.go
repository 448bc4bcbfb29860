package workflow

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/sirupsen/logrus"
)

const defaultDeliveryBatchSize = 100

// ReportPublisher hands a finalized event report to the delivery transport.
type ReportPublisher interface {
	PublishEventReport(ctx context.Context, report *models.EventReport) error
}

// PubSubReportPublisher publishes event reports to the configured topic;
// downstream consumers forward them to the ad tech's reporting origin.
type PubSubReportPublisher struct{}

type eventReportMessage struct {
	ReportID                string  `json:"report_id"`
	AttributionDestination  string  `json:"attribution_destination"`
	ScheduledReportTime     int64   `json:"scheduled_report_time"`
	SourceEventID           uint64  `json:"source_event_id"`
	TriggerData             uint64  `json:"trigger_data"`
	TriggerSummaryBucket    string  `json:"trigger_summary_bucket,omitempty"`
	SourceType              string  `json:"source_type"`
	RegistrationOrigin      string  `json:"registration_origin"`
	RandomizedTriggerRate   float64 `json:"randomized_trigger_rate"`
}

func (PubSubReportPublisher) PublishEventReport(ctx context.Context, report *models.EventReport) error {
	topic := os.Getenv("PUBSUB_EVENT_REPORT_TOPIC")
	msg := eventReportMessage{
		ReportID:               report.ID,
		AttributionDestination: report.AttributionDestinations,
		ScheduledReportTime:    report.ReportTime,
		SourceEventID:          report.SourceEventID,
		TriggerData:            report.TriggerData,
		TriggerSummaryBucket:   report.TriggerSummaryBucket,
		SourceType:             string(report.SourceType),
		RegistrationOrigin:     report.RegistrationOrigin,
		RandomizedTriggerRate:  report.RandomizedTriggerRate,
	}
	_, err := config.PublishJSON(ctx, topic, msg)
	return err
}

// ReportDeliveryHandler ships due PENDING event reports out and marks them
// DELIVERED. A publish failure leaves the report PENDING for the next run.
type ReportDeliveryHandler struct {
	Transactions TransactionRunner
	Publisher    ReportPublisher
	Logger       *logrus.Logger

	// Now returns epoch milliseconds; overridable in tests.
	Now func() int64
}

func (h *ReportDeliveryHandler) now() int64 {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UnixMilli()
}

func deliveryBatchSize() int {
	if v := os.Getenv("REPORT_DELIVERY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultDeliveryBatchSize
}

// PerformScheduledReportDelivery publishes every due report in one batch. Each
// report is published and marked inside the batch transaction; a report whose
// publish fails is skipped and stays PENDING.
func (h *ReportDeliveryHandler) PerformScheduledReportDelivery(ctx context.Context) error {
	now := h.now()
	err := h.Transactions.RunTransaction(ctx, func(store Store) error {
		reports, err := store.GetDueEventReports(now, deliveryBatchSize())
		if err != nil {
			return err
		}
		for _, report := range reports {
			if err := h.Publisher.PublishEventReport(ctx, report); err != nil {
				config.LogError(h.Logger, "ReportDelivery.go", "PerformScheduledReportDelivery", "PublishEventReport", report.ID, err)
				continue
			}
			if err := store.MarkEventReportDelivered(report.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(h.Logger, "ReportDelivery.go", "PerformScheduledReportDelivery", "DeliveryBatch", nil, err)
	}
	return err
}
