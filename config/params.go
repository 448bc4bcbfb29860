package config

import (
	"time"
)

// MeasurementParams is the privacy / system-health parameter table consulted by
// the registration queue runner, the attribution job handler and the flexible
// report spec engine. Values are env-overridable with hard defaults.
type MeasurementParams struct {
	// System health limits checked before a source insert.
	MaxSourcesPerPublisher                       int64
	MaxDistinctDestinationsPerPublisherPerSource int64
	MaxDistinctEnrollmentsPerPublisherPerDest    int64
	MaxTriggerRegistersPerDestination            int64

	// Attribution rate limiting.
	MaxAttributionsPerRateLimitWindow int64
	RateLimitWindow                   time.Duration

	// Redirect chain ceiling per registration.
	MaxRegistrationRedirects int

	// Classic event-level reporting.
	EventTriggerDataCardinality      int64
	NavigationTriggerDataCardinality int64
	EventMaxReports                  int
	NavigationMaxReports             int
	InstallAttrEventMaxReports       int
	InstallAttrNavigationMaxReports  int

	// Early reporting window offsets from source event time. The expiry window
	// is always appended after these.
	EventEarlyReportingWindows                []time.Duration
	NavigationEarlyReportingWindows           []time.Duration
	InstallAttrEventEarlyReportingWindows     []time.Duration
	InstallAttrNavigationEarlyReportingWindows []time.Duration
	ReportDeliveryOffset                      time.Duration

	// Random attribution-mode probabilities (differential privacy noising).
	EventNoiseProbability              float64
	NavigationNoiseProbability         float64
	DualDestinationEventNoiseProbability      float64
	DualDestinationNavigationNoiseProbability float64

	// Flexible event reporting (trigger specs).
	FlexMinReportDelayMillis       int64
	FlexMaxTriggerDataCardinality  int
	FlexMaxReportStateCardinality  int
	FlexMaxConfigurableReports     int
}

// GetMeasurementParams builds the parameter table from env on every call so
// operational overrides do not require a process restart for the one-shot cmd
// tools.
func GetMeasurementParams() MeasurementParams {
	return MeasurementParams{
		MaxSourcesPerPublisher:                       int64FromEnv("MSMT_MAX_SOURCES_PER_PUBLISHER", 4096),
		MaxDistinctDestinationsPerPublisherPerSource: int64FromEnv("MSMT_MAX_DISTINCT_DESTINATIONS_PER_PUBLISHER", 100),
		MaxDistinctEnrollmentsPerPublisherPerDest:    int64FromEnv("MSMT_MAX_DISTINCT_ENROLLMENTS_PER_PUBLISHER_DEST", 100),
		MaxTriggerRegistersPerDestination:            int64FromEnv("MSMT_MAX_TRIGGER_REGISTERS_PER_DESTINATION", 1024),

		MaxAttributionsPerRateLimitWindow: int64FromEnv("MSMT_MAX_ATTRIBUTIONS_PER_RATE_LIMIT_WINDOW", 100),
		RateLimitWindow:                   time.Duration(int64FromEnv("MSMT_RATE_LIMIT_WINDOW_DAYS", 30)) * 24 * time.Hour,

		MaxRegistrationRedirects: intFromEnv("MSMT_MAX_REGISTRATION_REDIRECTS", 20),

		EventTriggerDataCardinality:      2,
		NavigationTriggerDataCardinality: 8,
		EventMaxReports:                  1,
		NavigationMaxReports:             3,
		InstallAttrEventMaxReports:       2,
		InstallAttrNavigationMaxReports:  3,

		EventEarlyReportingWindows:            nil,
		NavigationEarlyReportingWindows:       []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour},
		InstallAttrEventEarlyReportingWindows: []time.Duration{2 * 24 * time.Hour},
		InstallAttrNavigationEarlyReportingWindows: []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour},
		ReportDeliveryOffset: time.Hour,

		EventNoiseProbability:                     0.0000025,
		NavigationNoiseProbability:                0.0024263,
		DualDestinationEventNoiseProbability:      0.0000042,
		DualDestinationNavigationNoiseProbability: 0.0170218,

		FlexMinReportDelayMillis:      int64FromEnv("MSMT_FLEX_MIN_REPORT_DELAY_MILLIS", 3600000),
		FlexMaxTriggerDataCardinality: intFromEnv("MSMT_FLEX_MAX_TRIGGER_DATA_CARDINALITY", 32),
		FlexMaxReportStateCardinality: intFromEnv("MSMT_FLEX_MAX_REPORT_STATE_CARDINALITY", 1024),
		FlexMaxConfigurableReports:    intFromEnv("MSMT_FLEX_MAX_CONFIGURABLE_REPORTS", 20),
	}
}
