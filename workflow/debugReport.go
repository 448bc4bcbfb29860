package workflow

import (
	"context"
	"os"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/sirupsen/logrus"
)

const (
	DebugReportSourceStorageLimit        = "source-storage-limit"
	DebugReportSourceDestinationLimit    = "source-destination-limit"
	DebugReportSourceDestinationRateLimit = "source-destination-rate-limit"
	DebugReportSourceNoised              = "source-noised"
)

// DebugReporter is the fire-and-forget signal channel for gating rejections
// and noising decisions. Never awaited, never part of the transaction outcome.
type DebugReporter interface {
	ScheduleSourceReport(reportType string, source *models.Source)
}

// PubSubDebugReporter publishes debug signals to a Pub/Sub topic in the
// background. Publish failures are logged and dropped.
type PubSubDebugReporter struct {
	Logger *logrus.Logger
}

type debugReportMessage struct {
	Type         string `json:"type"`
	SourceID     string `json:"source_id"`
	Publisher    string `json:"publisher"`
	EnrollmentID string `json:"enrollment_id"`
	EventTime    int64  `json:"event_time"`
}

func (r PubSubDebugReporter) ScheduleSourceReport(reportType string, source *models.Source) {
	topic := os.Getenv("PUBSUB_DEBUG_REPORT_TOPIC")
	if topic == "" || source == nil {
		return
	}

	msg := debugReportMessage{
		Type:         reportType,
		SourceID:     source.ID,
		Publisher:    source.Publisher,
		EnrollmentID: source.EnrollmentID,
		EventTime:    source.EventTime,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := config.PublishJSON(ctx, topic, msg); err != nil && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"module":    "DebugReport.go",
				"type":      reportType,
				"source_id": source.ID,
			}).Warn("debug report publish failed: " + err.Error())
		}
	}()
}

// NopDebugReporter drops every signal.
type NopDebugReporter struct{}

func (NopDebugReporter) ScheduleSourceReport(string, *models.Source) {}
