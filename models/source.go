package models

import (
	"math/rand"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/utils"
)

// Source is a registered ad exposure (impression or click) eligible to be
// attributed to later conversions. All times are epoch milliseconds.
type Source struct {
	ID           string       `gorm:"primary_key;size:36" json:"id"`
	EventID      uint64       `gorm:"not null" json:"event_id"`
	Publisher    string       `gorm:"size:512;not null;index" json:"publisher"`
	EnrollmentID string       `gorm:"size:64;not null;index" json:"enrollment_id"`
	Registrant   string       `gorm:"size:512;not null" json:"registrant"`
	SourceType   SourceType   `gorm:"size:20;not null" json:"source_type"`
	Status       SourceStatus `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`
	EventTime    int64        `gorm:"not null;index" json:"event_time"`
	ExpiryTime   int64        `gorm:"not null" json:"expiry_time"`
	Priority     int64        `gorm:"not null;default:0" json:"priority"`
	DebugKey     *uint64      `json:"debug_key"`

	// JSON array of destination URIs per surface.
	AppDestinations string `gorm:"type:text" json:"app_destinations"`
	WebDestinations string `gorm:"type:text" json:"web_destinations"`

	// JSON array of dedup key strings, appended as triggers are attributed.
	DedupKeys string `gorm:"type:text" json:"dedup_keys"`

	AttributionMode AttributionMode `gorm:"size:20;not null;default:UNASSIGNED" json:"attribution_mode"`

	IsInstallAttributed       bool  `gorm:"not null;default:false" json:"is_install_attributed"`
	InstallAttributionWindow  int64 `gorm:"not null;default:0" json:"install_attribution_window"`
	InstallCooldownWindow     int64 `gorm:"not null;default:0" json:"install_cooldown_window"`

	// Opaque aggregatable payloads, carried through for downstream consumers.
	AggregateSource     string `gorm:"type:text" json:"aggregate_source"`
	AggregateFilterData string `gorm:"type:text" json:"aggregate_filter_data"`

	// Flexible event reporting: serialized trigger specs, the global report
	// cap, and the attributed-trigger ledger. Empty TriggerSpecs means the
	// classic fixed-window model applies.
	TriggerSpecs        string `gorm:"type:text" json:"trigger_specs"`
	MaxBucketIncrements int    `gorm:"not null;default:0" json:"max_bucket_increments"`
	AttributedTriggers  string `gorm:"type:text" json:"attributed_triggers"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Source) AppDestinationList() []string {
	return decodeStringList(s.AppDestinations)
}

func (s *Source) WebDestinationList() []string {
	return decodeStringList(s.WebDestinations)
}

func (s *Source) DedupKeyList() []string {
	return decodeStringList(s.DedupKeys)
}

func (s *Source) HasDedupKey(key string) bool {
	for _, k := range s.DedupKeyList() {
		if k == key {
			return true
		}
	}
	return false
}

// AppendDedupKey mutates the serialized dedup list; the caller persists it via
// the store inside the enclosing transaction.
func (s *Source) AppendDedupKey(key string) error {
	keys := append(s.DedupKeyList(), key)
	encoded, err := utils.MarshalToJSON(keys)
	if err != nil {
		return err
	}
	s.DedupKeys = encoded
	return nil
}

// RemoveDedupKey drops one key from the serialized dedup list; no-op when the
// key is absent.
func (s *Source) RemoveDedupKey(key string) error {
	keys := s.DedupKeyList()
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	encoded, err := utils.MarshalToJSON(kept)
	if err != nil {
		return err
	}
	s.DedupKeys = encoded
	return nil
}

// DestinationsForType returns the destination URIs for one surface.
func (s *Source) DestinationsForType(destinationType DestinationType) []string {
	if destinationType == DestinationTypeWeb {
		return s.WebDestinationList()
	}
	return s.AppDestinationList()
}

func (s *Source) HasFlexSpec() bool {
	return s.TriggerSpecs != ""
}

// FlexEventReportSpec parses and validates the source's trigger specs together
// with its attributed-trigger ledger.
func (s *Source) FlexEventReportSpec(params config.MeasurementParams) (*ReportSpec, error) {
	return NewReportSpec(s.TriggerSpecs, s.MaxBucketIncrements, s.AttributedTriggers, params)
}

// TriggerDataCardinality: range of trigger metadata is [0, cardinality).
func (s *Source) TriggerDataCardinality(params config.MeasurementParams) int64 {
	if s.SourceType == SourceTypeEvent {
		return params.EventTriggerDataCardinality
	}
	return params.NavigationTriggerDataCardinality
}

func (s *Source) installDetectionEnabled() bool {
	return s.InstallCooldownWindow > 0 && s.AppDestinations != ""
}

// MaxReportCount is the per-source report cap for the trigger's surface.
func (s *Source) MaxReportCount(destinationType DestinationType, params config.MeasurementParams) int {
	isInstallCase := destinationType == DestinationTypeApp && s.IsInstallAttributed
	return s.maxReportCountInternal(isInstallCase, params)
}

func (s *Source) maxReportCountInternal(isInstallCase bool, params config.MeasurementParams) int {
	if isInstallCase {
		if s.SourceType == SourceTypeEvent {
			return params.InstallAttrEventMaxReports
		}
		return params.InstallAttrNavigationMaxReports
	}
	if s.SourceType == SourceTypeEvent {
		return params.EventMaxReports
	}
	return params.NavigationMaxReports
}

func (s *Source) earlyReportingWindows(installState bool, params config.MeasurementParams) []int64 {
	var offsets []time.Duration
	if installState {
		if s.SourceType == SourceTypeEvent {
			offsets = params.InstallAttrEventEarlyReportingWindows
		} else {
			offsets = params.InstallAttrNavigationEarlyReportingWindows
		}
	} else {
		if s.SourceType == SourceTypeEvent {
			offsets = params.EventEarlyReportingWindows
		} else {
			offsets = params.NavigationEarlyReportingWindows
		}
	}

	windows := make([]int64, 0, len(offsets))
	for _, offset := range offsets {
		window := s.EventTime + offset.Milliseconds()
		if s.ExpiryTime <= window {
			continue
		}
		windows = append(windows, window)
	}
	return windows
}

// ReportingTime picks the delivery time for a report: the end of the first
// reporting window after the trigger, plus the delivery offset. Returns -1
// when the trigger precedes the source.
func (s *Source) ReportingTime(triggerTime int64, destinationType DestinationType, params config.MeasurementParams) int64 {
	if triggerTime < s.EventTime {
		return -1
	}

	isAppInstalled := destinationType == DestinationTypeApp && s.IsInstallAttributed
	for _, window := range s.earlyReportingWindows(isAppInstalled, params) {
		if triggerTime < window {
			return window + params.ReportDeliveryOffset.Milliseconds()
		}
	}
	return s.ExpiryTime + params.ReportDeliveryOffset.Milliseconds()
}

// ReportingTimeForNoising returns the delivery time of the windowIndex-th
// reporting window; indexes past the early windows land on expiry.
func (s *Source) ReportingTimeForNoising(windowIndex int, params config.MeasurementParams) int64 {
	windows := s.earlyReportingWindows(s.installDetectionEnabled(), params)
	if windowIndex < len(windows) {
		return windows[windowIndex] + params.ReportDeliveryOffset.Milliseconds()
	}
	return s.ExpiryTime + params.ReportDeliveryOffset.Milliseconds()
}

func (s *Source) reportingWindowCountForNoising(params config.MeasurementParams) int {
	// Early windows + expiry.
	return len(s.earlyReportingWindows(s.installDetectionEnabled(), params)) + 1
}

// RandomAttributionProbability is the chance a fresh source is noised instead
// of attributed truthfully.
func (s *Source) RandomAttributionProbability(params config.MeasurementParams) float64 {
	if s.AppDestinations != "" && s.WebDestinations != "" {
		if s.SourceType == SourceTypeEvent {
			return params.DualDestinationEventNoiseProbability
		}
		return params.DualDestinationNavigationNoiseProbability
	}
	if s.SourceType == SourceTypeEvent {
		return params.EventNoiseProbability
	}
	return params.NavigationNoiseProbability
}

// FakeReport is one synthetic event report generated by the noising policy.
type FakeReport struct {
	TriggerData     uint64
	ReportingTime   int64
	Destinations    []string
	DestinationType DestinationType
}

// AssignAttributionModeAndGenerateFakeReports rolls the noise dice and, when
// the source is noised, fabricates a random report set. Must only be called
// for a new source; mutates AttributionMode.
func (s *Source) AssignAttributionModeAndGenerateFakeReports(params config.MeasurementParams, rnd *rand.Rand) []FakeReport {
	if rnd.Float64() > s.RandomAttributionProbability(params) {
		s.AttributionMode = AttributionModeTruthfully
		return nil
	}

	maxReports := s.maxReportCountInternal(s.installDetectionEnabled(), params)
	count := rnd.Intn(maxReports + 1)
	fakeReports := make([]FakeReport, 0, count)
	for i := 0; i < count; i++ {
		destType := DestinationTypeApp
		if s.AppDestinations == "" || (s.WebDestinations != "" && rnd.Intn(2) == 1) {
			destType = DestinationTypeWeb
		}
		fakeReports = append(fakeReports, FakeReport{
			TriggerData:     uint64(rnd.Int63n(s.TriggerDataCardinality(params))),
			ReportingTime:   s.ReportingTimeForNoising(rnd.Intn(s.reportingWindowCountForNoising(params)), params),
			Destinations:    s.DestinationsForType(destType),
			DestinationType: destType,
		})
	}

	if len(fakeReports) == 0 {
		s.AttributionMode = AttributionModeNever
	} else {
		s.AttributionMode = AttributionModeFalsely
	}
	return fakeReports
}

func decodeStringList(encoded string) []string {
	if encoded == "" {
		return nil
	}
	var list []string
	if err := utils.UnmarshalFromJSON([]byte(encoded), &list); err != nil {
		return nil
	}
	return list
}

func encodeStringList(list []string) string {
	if len(list) == 0 {
		return ""
	}
	encoded, err := utils.MarshalToJSON(list)
	if err != nil {
		return ""
	}
	return encoded
}
