package workflow

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
	"github.com/sirupsen/logrus"
)

// AsyncRegistrationQueueRunner drains the pending registration queue: one row
// per transaction, fetch + gate + persist + redirect fan-out, until the store
// reports the queue empty.
type AsyncRegistrationQueueRunner struct {
	Transactions   TransactionRunner
	SourceFetcher  SourceFetcher
	TriggerFetcher TriggerFetcher
	Enrollments    EnrollmentResolver
	DebugReports   DebugReporter
	Params         config.MeasurementParams
	Logger         *logrus.Logger
	Rand           *rand.Rand

	// Now returns epoch milliseconds; overridable in tests.
	Now func() int64
}

func (r *AsyncRegistrationQueueRunner) now() int64 {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UnixMilli()
}

func (r *AsyncRegistrationQueueRunner) rand() *rand.Rand {
	if r.Rand == nil {
		r.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return r.Rand
}

// ProcessAsyncRegistrations pops eligible registrations FIFO by request time
// until none is left. Each item runs in its own all-or-nothing transaction; a
// store failure aborts that item and surfaces to the caller.
func (r *AsyncRegistrationQueueRunner) ProcessAsyncRegistrations(ctx context.Context, retryLimit int64, group models.RegistrationGroup) error {
	types := group.Types()
	for {
		empty := false
		err := r.Transactions.RunTransaction(ctx, func(store Store) error {
			registration, err := store.FetchNextQueuedAsyncRegistration(retryLimit, types)
			if err != nil {
				if errors.Is(err, utils.ErrorQueueEmpty) {
					empty = true
					return nil
				}
				return err
			}
			return r.processOne(ctx, store, registration)
		})
		if err != nil {
			config.LogError(r.Logger, "RegistrationQueueRunner.go", "ProcessAsyncRegistrations", "ProcessItem", group, err)
			return err
		}
		if empty {
			return nil
		}
	}
}

func (r *AsyncRegistrationQueueRunner) processOne(ctx context.Context, store Store, registration *models.AsyncRegistration) error {
	if registration.Type.IsSource() {
		return r.processSourceRegistration(ctx, store, registration)
	}
	return r.processTriggerRegistration(ctx, store, registration)
}

func (r *AsyncRegistrationQueueRunner) processSourceRegistration(ctx context.Context, store Store, registration *models.AsyncRegistration) error {
	source, redirects, status := r.SourceFetcher.FetchSource(ctx, registration)

	if status.IsRetryable() {
		return store.UpdateRetryCount(registration)
	}
	if status != models.FetchStatusSuccess || source == nil {
		// Permanent failure: parsing error, invalid enrollment, or no entity.
		return store.DeleteAsyncRegistration(registration.ID)
	}

	allowed, err := r.isSourceAllowedToInsert(store, source)
	if err != nil {
		return err
	}
	if allowed {
		if err := r.insertSourceFromTransaction(store, source); err != nil {
			return err
		}
		if err := r.processRedirects(store, registration, redirects); err != nil {
			return err
		}
	}
	return store.DeleteAsyncRegistration(registration.ID)
}

func (r *AsyncRegistrationQueueRunner) processTriggerRegistration(ctx context.Context, store Store, registration *models.AsyncRegistration) error {
	trigger, redirects, status := r.TriggerFetcher.FetchTrigger(ctx, registration)

	if status.IsRetryable() {
		return store.UpdateRetryCount(registration)
	}
	if status != models.FetchStatusSuccess || trigger == nil {
		return store.DeleteAsyncRegistration(registration.ID)
	}

	allowed, err := r.isTriggerAllowedToInsert(store, trigger)
	if err != nil {
		return err
	}
	if allowed {
		if err := store.InsertTrigger(trigger); err != nil {
			return err
		}
		if err := r.processRedirects(store, registration, redirects); err != nil {
			return err
		}
	}
	return store.DeleteAsyncRegistration(registration.ID)
}

// isSourceAllowedToInsert evaluates the system-health gates in fixed order and
// short-circuits on the first failure; later aggregate queries must not run
// once an earlier gate has rejected.
func (r *AsyncRegistrationQueueRunner) isSourceAllowedToInsert(store Store, source *models.Source) (bool, error) {
	numSources, err := store.GetNumSourcesPerPublisher(source.Publisher)
	if err != nil {
		return false, err
	}
	if numSources >= r.Params.MaxSourcesPerPublisher {
		r.DebugReports.ScheduleSourceReport(DebugReportSourceStorageLimit, source)
		return false, nil
	}

	for _, destinationType := range []models.DestinationType{models.DestinationTypeApp, models.DestinationTypeWeb} {
		destinations := source.DestinationsForType(destinationType)
		if len(destinations) == 0 {
			continue
		}

		distinctDestinations, err := store.CountDistinctDestinationsPerPublisherXEnrollment(
			source.Publisher, source.EnrollmentID, destinationType, destinations)
		if err != nil {
			return false, err
		}
		// Adding this source's destination must not push the pair over the cap.
		if distinctDestinations+1 > r.Params.MaxDistinctDestinationsPerPublisherPerSource {
			r.DebugReports.ScheduleSourceReport(DebugReportSourceDestinationLimit, source)
			return false, nil
		}

		windowStart := source.EventTime - r.Params.RateLimitWindow.Milliseconds()
		distinctEnrollments, err := store.CountDistinctEnrollmentsPerPublisherXDestination(
			source.Publisher, destinationType, destinations, source.EnrollmentID, windowStart)
		if err != nil {
			return false, err
		}
		if distinctEnrollments+1 > r.Params.MaxDistinctEnrollmentsPerPublisherPerDest {
			r.DebugReports.ScheduleSourceReport(DebugReportSourceDestinationRateLimit, source)
			return false, nil
		}
	}
	return true, nil
}

// isTriggerAllowedToInsert has no side effects beyond the boolean.
func (r *AsyncRegistrationQueueRunner) isTriggerAllowedToInsert(store Store, trigger *models.Trigger) (bool, error) {
	count, err := store.CountTriggersPerDestination(trigger.AttributionDestination, trigger.DestinationType)
	if err != nil {
		return false, err
	}
	return count < r.Params.MaxTriggerRegistersPerDestination, nil
}

// insertSourceFromTransaction persists the source, rolls the noise dice, and
// materializes fake reports plus their rate-limit charges. A noised source
// (FALSELY or NEVER) is charged one Attribution row per destination surface it
// carries; a TRUTHFULLY source pays at real attribution time instead.
func (r *AsyncRegistrationQueueRunner) insertSourceFromTransaction(store Store, source *models.Source) error {
	fakeReports := source.AssignAttributionModeAndGenerateFakeReports(r.Params, r.rand())

	if err := store.InsertSource(source); err != nil {
		return err
	}

	if source.AttributionMode == models.AttributionModeFalsely {
		r.DebugReports.ScheduleSourceReport(DebugReportSourceNoised, source)
		for i := range fakeReports {
			if err := store.InsertEventReport(models.NewFakeEventReport(source, fakeReports[i])); err != nil {
				return err
			}
		}
	}

	if source.AttributionMode != models.AttributionModeTruthfully {
		for _, destinationType := range []models.DestinationType{models.DestinationTypeApp, models.DestinationTypeWeb} {
			if len(source.DestinationsForType(destinationType)) == 0 {
				continue
			}
			if err := store.InsertAttribution(models.NewFakeAttribution(source, destinationType)); err != nil {
				return err
			}
		}
	}
	return nil
}

// processRedirects enqueues one child registration per discovered redirect,
// resolving enrollment per URI. An unknown enrollment stops the fan-out.
func (r *AsyncRegistrationQueueRunner) processRedirects(store Store, parent *models.AsyncRegistration, redirects *AsyncRedirects) error {
	if redirects == nil {
		return nil
	}
	now := r.now()
	for _, redirect := range redirects.Redirects {
		redirectCount := int64(1)
		if redirect.RedirectType == models.RedirectTypeDaisyChain {
			redirectCount = parent.RedirectCount + 1
			if redirectCount > int64(r.Params.MaxRegistrationRedirects) {
				continue
			}
		}

		enrollmentID, err := r.Enrollments.ResolveEnrollment(redirect.URI)
		if err != nil {
			if errors.Is(err, utils.ErrorUnknownEnrollment) {
				break
			}
			return err
		}

		child := models.NewRedirectRegistration(parent, redirect.URI, redirect.RedirectType, redirectCount, enrollmentID, now)
		if err := store.InsertAsyncRegistration(child); err != nil {
			return err
		}
	}
	return nil
}
