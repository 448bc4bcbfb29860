package models

import "errors"

type RegistrationType string

const (
	RegistrationTypeAppSource  RegistrationType = "APP_SOURCE"
	RegistrationTypeAppTrigger RegistrationType = "APP_TRIGGER"
	RegistrationTypeWebSource  RegistrationType = "WEB_SOURCE"
	RegistrationTypeWebTrigger RegistrationType = "WEB_TRIGGER"
)

func (t RegistrationType) IsSource() bool {
	return t == RegistrationTypeAppSource || t == RegistrationTypeWebSource
}

// RegistrationGroup selects which registration types a queue worker drains.
type RegistrationGroup string

const (
	RegistrationGroupApp RegistrationGroup = "APP"
	RegistrationGroupWeb RegistrationGroup = "WEB"
)

func (g RegistrationGroup) Types() []RegistrationType {
	if g == RegistrationGroupWeb {
		return []RegistrationType{RegistrationTypeWebSource, RegistrationTypeWebTrigger}
	}
	return []RegistrationType{RegistrationTypeAppSource, RegistrationTypeAppTrigger}
}

type SourceType string

const (
	SourceTypeEvent      SourceType = "EVENT"
	SourceTypeNavigation SourceType = "NAVIGATION"
)

type SourceStatus string

const (
	SourceStatusActive  SourceStatus = "ACTIVE"
	SourceStatusIgnored SourceStatus = "IGNORED"
)

type TriggerStatus string

const (
	TriggerStatusPending    TriggerStatus = "PENDING"
	TriggerStatusAttributed TriggerStatus = "ATTRIBUTED"
	TriggerStatusIgnored    TriggerStatus = "IGNORED"
)

type EventReportStatus string

const (
	EventReportStatusPending        EventReportStatus = "PENDING"
	EventReportStatusDelivered      EventReportStatus = "DELIVERED"
	EventReportStatusMarkedToDelete EventReportStatus = "MARKED_TO_DELETE"
)

type AttributionMode string

const (
	AttributionModeUnassigned AttributionMode = "UNASSIGNED"
	AttributionModeTruthfully AttributionMode = "TRUTHFULLY"
	AttributionModeFalsely    AttributionMode = "FALSELY"
	AttributionModeNever      AttributionMode = "NEVER"
)

// DestinationType distinguishes app package destinations from web site destinations.
type DestinationType string

const (
	DestinationTypeApp DestinationType = "APP"
	DestinationTypeWeb DestinationType = "WEB"
)

type FetchStatus string

const (
	FetchStatusSuccess           FetchStatus = "SUCCESS"
	FetchStatusServerUnavailable FetchStatus = "SERVER_UNAVAILABLE"
	FetchStatusNetworkError      FetchStatus = "NETWORK_ERROR"
	FetchStatusParsingError      FetchStatus = "PARSING_ERROR"
	FetchStatusInvalidEnrollment FetchStatus = "INVALID_ENROLLMENT"
)

// IsRetryable reports whether the registration row should survive with a
// bumped retry count instead of being deleted.
func (s FetchStatus) IsRetryable() bool {
	return s == FetchStatusServerUnavailable || s == FetchStatusNetworkError
}

type RedirectType string

const (
	RedirectTypeNone       RedirectType = "NONE"
	RedirectTypeAny        RedirectType = "ANY"
	RedirectTypeDaisyChain RedirectType = "DAISY_CHAIN"
)

type SummaryOperator string

const (
	SummaryOperatorCount    SummaryOperator = "count"
	SummaryOperatorValueSum SummaryOperator = "value_sum"
)

func ParseSummaryOperator(s string) (SummaryOperator, error) {
	switch s {
	case string(SummaryOperatorCount):
		return SummaryOperatorCount, nil
	case string(SummaryOperatorValueSum):
		return SummaryOperatorValueSum, nil
	}
	return "", errors.New("invalid summary_window_operator: " + s)
}
