package workflow

import (
	"context"
	"math/rand"
	"testing"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
)

func testParams() config.MeasurementParams {
	return config.GetMeasurementParams()
}

func queuedSourceRegistration() *models.AsyncRegistration {
	return &models.AsyncRegistration{
		ID:              "reg-1",
		EnrollmentID:    "enroll-1",
		RegistrationURI: "https://adtech.example/register",
		TopOrigin:       "https://publisher.example",
		Registrant:      "com.example.app",
		Type:            models.RegistrationTypeAppSource,
		RequestTime:     1000,
		RedirectType:    models.RedirectTypeAny,
	}
}

func queuedTriggerRegistration() *models.AsyncRegistration {
	registration := queuedSourceRegistration()
	registration.Type = models.RegistrationTypeAppTrigger
	return registration
}

func fetchedSource() *models.Source {
	return &models.Source{
		ID:              "source-1",
		EventID:         7,
		Publisher:       "https://publisher.example",
		EnrollmentID:    "enroll-1",
		Registrant:      "com.example.app",
		SourceType:      models.SourceTypeNavigation,
		Status:          models.SourceStatusActive,
		EventTime:       1000,
		ExpiryTime:      1000 + 30*24*3600*1000,
		AppDestinations: `["android-app://com.example.shop"]`,
	}
}

func fetchedTrigger() *models.Trigger {
	return &models.Trigger{
		ID:                     "trigger-1",
		AttributionDestination: "android-app://com.example.shop",
		DestinationType:        models.DestinationTypeApp,
		EnrollmentID:           "enroll-1",
		Registrant:             "com.example.shop",
		Status:                 models.TriggerStatusPending,
		TriggerTime:            2000,
	}
}

func newQueueRunner(store *fakeStore, sourceFetcher SourceFetcher, triggerFetcher TriggerFetcher, debug DebugReporter) *AsyncRegistrationQueueRunner {
	if debug == nil {
		debug = NopDebugReporter{}
	}
	return &AsyncRegistrationQueueRunner{
		Transactions:   fakeTransactionRunner{store: store},
		SourceFetcher:  sourceFetcher,
		TriggerFetcher: triggerFetcher,
		Enrollments:    fakeEnrollmentResolver{enrollments: map[string]string{}},
		DebugReports:   debug,
		Params:         testParams(),
		Logger:         config.GetLogger(),
		Rand:           rand.New(rand.NewSource(42)),
		Now:            func() int64 { return 5000 },
	}
}

func TestQueueRunner_TransientFailureBumpsRetryAndKeepsRow(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())

	runner := newQueueRunner(store, fakeSourceFetcher{status: models.FetchStatusNetworkError}, nil, nil)
	if err := runner.ProcessAsyncRegistrations(context.Background(), 1, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if len(store.retryBumped) != 1 {
		t.Fatalf("expected 1 retry bump, got %d", len(store.retryBumped))
	}
	if len(store.deletedRegistrations) != 0 {
		t.Fatalf("expected row kept, got deletions %v", store.deletedRegistrations)
	}
	if store.calls["InsertSource"] != 0 {
		t.Fatalf("expected no source insert on transient failure")
	}
}

func TestQueueRunner_ParsingErrorDeletesRow(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())

	runner := newQueueRunner(store, fakeSourceFetcher{status: models.FetchStatusParsingError}, nil, nil)
	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if len(store.deletedRegistrations) != 1 {
		t.Fatalf("expected row deleted, got %v", store.deletedRegistrations)
	}
	if len(store.retryBumped) != 0 {
		t.Fatalf("expected no retry bump on permanent failure")
	}
	if store.calls["InsertSource"] != 0 {
		t.Fatalf("expected no source insert on parsing error")
	}
}

func TestQueueRunner_SourceStorageLimitShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())
	debug := newCountingDebugReporter()

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), status: models.FetchStatusSuccess}, nil, debug)
	store.numSourcesPerPublisher = runner.Params.MaxSourcesPerPublisher

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if debug.reports[DebugReportSourceStorageLimit] != 1 {
		t.Fatalf("expected source-storage-limit debug report, got %v", debug.reports)
	}
	if store.calls["CountDistinctDestinationsPerPublisherXEnrollment"] != 0 {
		t.Fatalf("destination check must not run after storage limit rejection")
	}
	if store.calls["InsertSource"] != 0 {
		t.Fatalf("rejected source must not be inserted")
	}
	if len(store.deletedRegistrations) != 1 {
		t.Fatalf("rejected registration must still be consumed")
	}
}

func TestQueueRunner_DestinationLimitSkipsEnrollmentCheck(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())
	debug := newCountingDebugReporter()

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), status: models.FetchStatusSuccess}, nil, debug)
	store.distinctDestinations = runner.Params.MaxDistinctDestinationsPerPublisherPerSource

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if debug.reports[DebugReportSourceDestinationLimit] != 1 {
		t.Fatalf("expected source-destination-limit debug report, got %v", debug.reports)
	}
	if store.calls["CountDistinctEnrollmentsPerPublisherXDestination"] != 0 {
		t.Fatalf("enrollment check must not run after destination rejection")
	}
	if store.calls["InsertSource"] != 0 {
		t.Fatalf("rejected source must not be inserted")
	}
}

func TestQueueRunner_EnrollmentRateLimitRejects(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())
	debug := newCountingDebugReporter()

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), status: models.FetchStatusSuccess}, nil, debug)
	store.distinctEnrollments = runner.Params.MaxDistinctEnrollmentsPerPublisherPerDest

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if debug.reports[DebugReportSourceDestinationRateLimit] != 1 {
		t.Fatalf("expected source-destination-rate-limit debug report, got %v", debug.reports)
	}
	if store.calls["InsertSource"] != 0 {
		t.Fatalf("rejected source must not be inserted")
	}
}

func TestQueueRunner_AllowedSourceIsInsertedAndRowConsumed(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), status: models.FetchStatusSuccess}, nil, nil)
	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if store.calls["InsertSource"] != 1 {
		t.Fatalf("expected source insert, calls=%v", store.calls)
	}
	if len(store.deletedRegistrations) != 1 {
		t.Fatalf("expected consumed registration, got %v", store.deletedRegistrations)
	}
	source := store.sources["source-1"]
	if source == nil {
		t.Fatalf("source not stored")
	}
	if source.AttributionMode == models.AttributionModeUnassigned {
		t.Fatalf("attribution mode must be assigned at insert time")
	}
}

func TestQueueRunner_NoisedSourceChargesRateLimitPerSurface(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())

	source := fetchedSource()
	source.WebDestinations = `["https://shop.example"]`

	runner := newQueueRunner(store, fakeSourceFetcher{source: source, status: models.FetchStatusSuccess}, nil, nil)
	// Force the noise dice: a dual-destination navigation source is always noised.
	runner.Params.DualDestinationNavigationNoiseProbability = 1.0

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	stored := store.sources["source-1"]
	if stored == nil {
		t.Fatalf("source not stored")
	}
	if stored.AttributionMode == models.AttributionModeTruthfully {
		t.Fatalf("probability 1.0 must always noise the source")
	}
	// One fake attribution per destination surface, regardless of FALSELY/NEVER.
	if len(store.attributions) != 2 {
		t.Fatalf("expected 2 fake attributions, got %d", len(store.attributions))
	}
	fakeReports := store.calls["InsertEventReport"]
	if stored.AttributionMode == models.AttributionModeFalsely && fakeReports == 0 {
		t.Fatalf("FALSELY source must insert fake reports")
	}
	if stored.AttributionMode == models.AttributionModeNever && fakeReports != 0 {
		t.Fatalf("NEVER source must not insert fake reports, got %d", fakeReports)
	}
}

func TestQueueRunner_TriggerCapBoundary(t *testing.T) {
	for _, tc := range []struct {
		name         string
		count        int64
		wantInserted int
	}{
		{"under cap", 1023, 1},
		{"at cap", 1024, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.queue = append(store.queue, queuedTriggerRegistration())
			store.triggersPerDestination = tc.count

			runner := newQueueRunner(store, nil, fakeTriggerFetcher{trigger: fetchedTrigger(), status: models.FetchStatusSuccess}, nil)
			if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
				t.Fatalf("ProcessAsyncRegistrations: %v", err)
			}

			if store.calls["InsertTrigger"] != tc.wantInserted {
				t.Fatalf("expected %d trigger inserts, got %d", tc.wantInserted, store.calls["InsertTrigger"])
			}
			if len(store.deletedRegistrations) != 1 {
				t.Fatalf("registration must be consumed either way")
			}
		})
	}
}

func TestQueueRunner_ListRedirectsFanOutAsNoneChildren(t *testing.T) {
	store := newFakeStore()
	store.queue = append(store.queue, queuedSourceRegistration())

	redirects := &AsyncRedirects{Redirects: []AsyncRedirect{
		{URI: "https://adtech-b.example/register", RedirectType: models.RedirectTypeNone},
		{URI: "https://adtech-c.example/register", RedirectType: models.RedirectTypeNone},
	}}

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), redirects: redirects, status: models.FetchStatusSuccess}, nil, nil)
	runner.Enrollments = fakeEnrollmentResolver{enrollments: map[string]string{
		"https://adtech-b.example/register": "enroll-b",
		"https://adtech-c.example/register": "enroll-c",
	}}
	// Children are parsing errors so the loop terminates after consuming them.
	runner.SourceFetcher = fetcherSequence{
		first:  fakeSourceFetcher{source: fetchedSource(), redirects: redirects, status: models.FetchStatusSuccess},
		rest:   fakeSourceFetcher{status: models.FetchStatusParsingError},
		parent: "reg-1",
	}

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if len(store.insertedRegistrations) != 2 {
		t.Fatalf("expected 2 redirect children, got %d", len(store.insertedRegistrations))
	}
	for _, child := range store.insertedRegistrations {
		if child.RedirectType != models.RedirectTypeNone {
			t.Fatalf("list redirect child must be NONE, got %s", child.RedirectType)
		}
		if child.RedirectCount != 1 {
			t.Fatalf("list redirect child count must be 1, got %d", child.RedirectCount)
		}
	}
	// All children were consumed after their own (failed) fetch.
	if len(store.deletedRegistrations) != 3 {
		t.Fatalf("expected parent + 2 children consumed, got %v", store.deletedRegistrations)
	}
}

func TestQueueRunner_DaisyChainRedirectIncrementsCount(t *testing.T) {
	store := newFakeStore()
	parent := queuedSourceRegistration()
	parent.RedirectType = models.RedirectTypeDaisyChain
	parent.RedirectCount = 3
	store.queue = append(store.queue, parent)

	redirects := &AsyncRedirects{Redirects: []AsyncRedirect{
		{URI: "https://adtech-b.example/hop", RedirectType: models.RedirectTypeDaisyChain},
	}}

	runner := newQueueRunner(store, fetcherSequence{
		first:  fakeSourceFetcher{source: fetchedSource(), redirects: redirects, status: models.FetchStatusSuccess},
		rest:   fakeSourceFetcher{status: models.FetchStatusParsingError},
		parent: parent.ID,
	}, nil, nil)
	runner.Enrollments = fakeEnrollmentResolver{enrollments: map[string]string{
		"https://adtech-b.example/hop": "enroll-b",
	}}

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if len(store.insertedRegistrations) != 1 {
		t.Fatalf("expected 1 daisy-chain child, got %d", len(store.insertedRegistrations))
	}
	child := store.insertedRegistrations[0]
	if child.RedirectCount != 4 {
		t.Fatalf("expected child redirect count 4, got %d", child.RedirectCount)
	}
	if child.RedirectType != models.RedirectTypeDaisyChain {
		t.Fatalf("expected DAISY_CHAIN child, got %s", child.RedirectType)
	}
}

func TestQueueRunner_DaisyChainStopsAtRedirectCeiling(t *testing.T) {
	store := newFakeStore()
	parent := queuedSourceRegistration()
	parent.RedirectType = models.RedirectTypeDaisyChain
	parent.RedirectCount = 20
	store.queue = append(store.queue, parent)

	redirects := &AsyncRedirects{Redirects: []AsyncRedirect{
		{URI: "https://adtech-b.example/hop", RedirectType: models.RedirectTypeDaisyChain},
	}}

	runner := newQueueRunner(store, fakeSourceFetcher{source: fetchedSource(), redirects: redirects, status: models.FetchStatusSuccess}, nil, nil)
	runner.Enrollments = fakeEnrollmentResolver{enrollments: map[string]string{
		"https://adtech-b.example/hop": "enroll-b",
	}}

	if err := runner.ProcessAsyncRegistrations(context.Background(), 5, models.RegistrationGroupApp); err != nil {
		t.Fatalf("ProcessAsyncRegistrations: %v", err)
	}

	if store.calls["InsertAsyncRegistration"] != 0 {
		t.Fatalf("redirect past the ceiling must not be enqueued")
	}
}

// fetcherSequence returns one result for the parent registration and another
// for every child, so redirect chains terminate in tests.
type fetcherSequence struct {
	first  fakeSourceFetcher
	rest   fakeSourceFetcher
	parent string
}

func (f fetcherSequence) FetchSource(ctx context.Context, registration *models.AsyncRegistration) (*models.Source, *AsyncRedirects, models.FetchStatus) {
	if registration.ID == f.parent {
		return f.first.source, f.first.redirects, f.first.status
	}
	return f.rest.source, f.rest.redirects, f.rest.status
}
