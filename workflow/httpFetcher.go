package workflow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
)

var (
	errDestinationMissing         = errors.New("source registration carries no destination")
	errMaxBucketIncrementsMissing = errors.New("trigger specs require max_bucket_increments")
)

const (
	registerSourceHeader  = "Attribution-Reporting-Register-Source"
	registerTriggerHeader = "Attribution-Reporting-Register-Trigger"
	sourceInfoHeader      = "Attribution-Reporting-Source-Info"

	defaultSourceExpirySeconds = 30 * 24 * 3600
)

// sourceRegistrationPayload is the wire form of a source registration header.
// Numeric fields arrive as decimal strings.
type sourceRegistrationPayload struct {
	SourceEventID       string `json:"source_event_id"`
	Destination         string `json:"destination"`
	WebDestination      string `json:"web_destination"`
	Expiry              string `json:"expiry"`
	Priority            string `json:"priority"`
	DebugKey            string `json:"debug_key"`
	InstallWindow       string `json:"install_attribution_window"`
	InstallCooldown     string `json:"post_install_exclusivity_window"`
	AggregationKeys     any    `json:"aggregation_keys"`
	FilterData          any    `json:"filter_data"`
	TriggerSpecs        any    `json:"trigger_specs"`
	MaxBucketIncrements int    `json:"max_bucket_increments"`
}

type eventTriggerDataPayload struct {
	TriggerData      string `json:"trigger_data"`
	Priority         string `json:"priority"`
	Value            int64  `json:"value"`
	DeduplicationKey string `json:"deduplication_key"`
}

type triggerRegistrationPayload struct {
	EventTriggerData []eventTriggerDataPayload `json:"event_trigger_data"`
	DebugKey         string                    `json:"debug_key"`
}

// HTTPFetcher resolves registrations by requesting the registration URI and
// parsing the attribution response headers. Implements both SourceFetcher and
// TriggerFetcher.
type HTTPFetcher struct {
	Client *http.Client

	// Now returns epoch milliseconds; overridable in tests.
	Now func() int64
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects are handled by the queue, never followed in-band.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) now() int64 {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UnixMilli()
}

func (f *HTTPFetcher) doFetch(ctx context.Context, registration *models.AsyncRegistration) (*http.Response, models.FetchStatus) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, registration.RegistrationURI, nil)
	if err != nil {
		return nil, models.FetchStatusParsingError
	}
	if registration.Type.IsSource() && registration.SourceType != nil {
		req.Header.Set(sourceInfoHeader, string(*registration.SourceType))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, models.FetchStatusNetworkError
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, models.FetchStatusServerUnavailable
	}
	return resp, models.FetchStatusSuccess
}

func (f *HTTPFetcher) FetchSource(ctx context.Context, registration *models.AsyncRegistration) (*models.Source, *AsyncRedirects, models.FetchStatus) {
	resp, status := f.doFetch(ctx, registration)
	if status != models.FetchStatusSuccess {
		return nil, nil, status
	}
	defer resp.Body.Close()

	redirects := ParseRedirects(resp.Header, registration.RedirectType)

	headerValue := resp.Header.Get(registerSourceHeader)
	if headerValue == "" {
		return nil, nil, models.FetchStatusParsingError
	}
	source, err := f.parseSource(registration, headerValue)
	if err != nil {
		return nil, nil, models.FetchStatusParsingError
	}
	return source, redirects, models.FetchStatusSuccess
}

func (f *HTTPFetcher) FetchTrigger(ctx context.Context, registration *models.AsyncRegistration) (*models.Trigger, *AsyncRedirects, models.FetchStatus) {
	resp, status := f.doFetch(ctx, registration)
	if status != models.FetchStatusSuccess {
		return nil, nil, status
	}
	defer resp.Body.Close()

	redirects := ParseRedirects(resp.Header, registration.RedirectType)

	headerValue := resp.Header.Get(registerTriggerHeader)
	if headerValue == "" {
		return nil, nil, models.FetchStatusParsingError
	}
	trigger, err := f.parseTrigger(registration, headerValue)
	if err != nil {
		return nil, nil, models.FetchStatusParsingError
	}
	return trigger, redirects, models.FetchStatusSuccess
}

func (f *HTTPFetcher) parseSource(registration *models.AsyncRegistration, headerValue string) (*models.Source, error) {
	var payload sourceRegistrationPayload
	if err := utils.UnmarshalFromJSON([]byte(headerValue), &payload); err != nil {
		return nil, err
	}

	eventID, err := parseOptionalUint(payload.SourceEventID, 0)
	if err != nil {
		return nil, err
	}
	priority, err := parseOptionalInt(payload.Priority, 0)
	if err != nil {
		return nil, err
	}
	expirySeconds, err := parseOptionalInt(payload.Expiry, defaultSourceExpirySeconds)
	if err != nil {
		return nil, err
	}
	installWindow, err := parseOptionalInt(payload.InstallWindow, 0)
	if err != nil {
		return nil, err
	}
	installCooldown, err := parseOptionalInt(payload.InstallCooldown, 0)
	if err != nil {
		return nil, err
	}

	sourceType := models.SourceTypeEvent
	if registration.SourceType != nil {
		sourceType = *registration.SourceType
	}
	now := f.now()

	var appDestinations, webDestinations []string
	if payload.Destination != "" {
		appDestinations = append(appDestinations, payload.Destination)
	} else if registration.OsDestination != nil {
		appDestinations = append(appDestinations, *registration.OsDestination)
	}
	if payload.WebDestination != "" {
		webDestinations = append(webDestinations, payload.WebDestination)
	} else if registration.WebDestination != nil {
		webDestinations = append(webDestinations, *registration.WebDestination)
	}

	source := &models.Source{
		ID:                       uuid.NewString(),
		EventID:                  eventID,
		Publisher:                registration.TopOrigin,
		EnrollmentID:             registration.EnrollmentID,
		Registrant:               registration.Registrant,
		SourceType:               sourceType,
		Status:                   models.SourceStatusActive,
		EventTime:                now,
		ExpiryTime:               now + expirySeconds*1000,
		Priority:                 priority,
		AppDestinations:          encodeDestinations(appDestinations),
		WebDestinations:          encodeDestinations(webDestinations),
		InstallAttributionWindow: installWindow * 1000,
		InstallCooldownWindow:    installCooldown * 1000,
		MaxBucketIncrements:      payload.MaxBucketIncrements,
	}
	if source.AppDestinations == "" && source.WebDestinations == "" {
		return nil, errDestinationMissing
	}

	if registration.DebugKeyAllowed && payload.DebugKey != "" {
		debugKey, err := strconv.ParseUint(payload.DebugKey, 10, 64)
		if err != nil {
			return nil, err
		}
		source.DebugKey = &debugKey
	}

	if payload.AggregationKeys != nil {
		encoded, err := utils.MarshalToJSON(payload.AggregationKeys)
		if err != nil {
			return nil, err
		}
		source.AggregateSource = encoded
	}
	if payload.FilterData != nil {
		encoded, err := utils.MarshalToJSON(payload.FilterData)
		if err != nil {
			return nil, err
		}
		source.AggregateFilterData = encoded
	}

	if payload.TriggerSpecs != nil {
		encoded, err := utils.MarshalToJSON(payload.TriggerSpecs)
		if err != nil {
			return nil, err
		}
		// Validate the specs and cap before persisting anything.
		if _, err := models.ParseTriggerSpecs(encoded); err != nil {
			return nil, err
		}
		if source.MaxBucketIncrements <= 0 {
			return nil, errMaxBucketIncrementsMissing
		}
		source.TriggerSpecs = encoded
	}

	return source, nil
}

func (f *HTTPFetcher) parseTrigger(registration *models.AsyncRegistration, headerValue string) (*models.Trigger, error) {
	var payload triggerRegistrationPayload
	if err := utils.UnmarshalFromJSON([]byte(headerValue), &payload); err != nil {
		return nil, err
	}

	destinationType := models.DestinationTypeApp
	if registration.Type == models.RegistrationTypeWebTrigger {
		destinationType = models.DestinationTypeWeb
	}

	trigger := &models.Trigger{
		ID:                     uuid.NewString(),
		AttributionDestination: registration.TopOrigin,
		DestinationType:        destinationType,
		EnrollmentID:           registration.EnrollmentID,
		Registrant:             registration.Registrant,
		Status:                 models.TriggerStatusPending,
		TriggerTime:            f.now(),
	}

	if len(payload.EventTriggerData) > 0 {
		first := payload.EventTriggerData[0]
		triggerData, err := parseOptionalUint(first.TriggerData, 0)
		if err != nil {
			return nil, err
		}
		trigger.TriggerData = &triggerData
		trigger.Priority, err = parseOptionalInt(first.Priority, 0)
		if err != nil {
			return nil, err
		}
		trigger.TriggerValue = first.Value
		if first.DeduplicationKey != "" {
			key := first.DeduplicationKey
			trigger.DedupKey = &key
		}
	}

	if registration.DebugKeyAllowed && payload.DebugKey != "" {
		debugKey, err := strconv.ParseUint(payload.DebugKey, 10, 64)
		if err != nil {
			return nil, err
		}
		trigger.DebugKey = &debugKey
	}

	return trigger, nil
}

func parseOptionalInt(value string, fallback int64) (int64, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

func parseOptionalUint(value string, fallback uint64) (uint64, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

// encodeDestinations serializes the destination list, collapsing duplicates a
// response may carry so destination gating counts each surface once.
func encodeDestinations(destinations []string) string {
	if len(destinations) == 0 {
		return ""
	}
	encoded, err := utils.MarshalToJSON(utils.UniqueSlice(destinations))
	if err != nil {
		return ""
	}
	return encoded
}
