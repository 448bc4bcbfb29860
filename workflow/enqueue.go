package workflow

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
)

// SourceRegistrationRequest is the inbound payload of a source registration.
type SourceRegistrationRequest struct {
	RegistrationURI string `json:"registration_uri" validate:"required,url"`
	TopOrigin       string `json:"top_origin" validate:"required"`
	Registrant      string `json:"registrant" validate:"required"`
	SourceType      string `json:"source_type" validate:"required,oneof=EVENT NAVIGATION"`
	IsWebSource     bool   `json:"is_web_source"`
	OsDestination   string `json:"os_destination"`
	WebDestination  string `json:"web_destination"`
	DebugKeyAllowed bool   `json:"debug_key_allowed"`
}

// TriggerRegistrationRequest is the inbound payload of a trigger registration.
type TriggerRegistrationRequest struct {
	RegistrationURI string `json:"registration_uri" validate:"required,url"`
	TopOrigin       string `json:"top_origin" validate:"required"`
	Registrant      string `json:"registrant" validate:"required"`
	IsWebTrigger    bool   `json:"is_web_trigger"`
	DebugKeyAllowed bool   `json:"debug_key_allowed"`
}

// RegistrationService validates inbound registrations and enqueues them for
// the async queue runner. Unknown registration origins are rejected here so
// the queue only ever holds enrolled ad techs.
type RegistrationService struct {
	Transactions TransactionRunner
	Enrollments  EnrollmentResolver
	Validator    *validator.Validate

	// Now returns epoch milliseconds; overridable in tests.
	Now func() int64
}

func NewRegistrationService(transactions TransactionRunner, enrollments EnrollmentResolver) *RegistrationService {
	return &RegistrationService{
		Transactions: transactions,
		Enrollments:  enrollments,
		Validator:    validator.New(),
	}
}

func (s *RegistrationService) now() int64 {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UnixMilli()
}

// EnqueueSourceRegistration persists one pending source fetch job.
func (s *RegistrationService) EnqueueSourceRegistration(ctx context.Context, request SourceRegistrationRequest) (*models.AsyncRegistration, error) {
	if err := s.Validator.Struct(request); err != nil {
		return nil, err
	}

	enrollmentID, err := s.Enrollments.ResolveEnrollment(request.RegistrationURI)
	if err != nil {
		return nil, err
	}

	registrationType := models.RegistrationTypeAppSource
	if request.IsWebSource {
		registrationType = models.RegistrationTypeWebSource
	}
	sourceType := models.SourceType(request.SourceType)
	now := s.now()

	registration := &models.AsyncRegistration{
		ID:              uuid.NewString(),
		EnrollmentID:    enrollmentID,
		RegistrationURI: request.RegistrationURI,
		TopOrigin:       request.TopOrigin,
		Registrant:      request.Registrant,
		Type:            registrationType,
		SourceType:      &sourceType,
		OsDestination:   utils.NilIfEmpty(request.OsDestination),
		WebDestination:  utils.NilIfEmpty(request.WebDestination),
		RequestTime:     now,
		RedirectType:    models.RedirectTypeAny,
		RedirectCount:   0,
		DebugKeyAllowed: request.DebugKeyAllowed,
	}

	err = s.Transactions.RunTransaction(ctx, func(store Store) error {
		return store.InsertAsyncRegistration(registration)
	})
	if err != nil {
		return nil, err
	}
	return registration, nil
}

// EnqueueTriggerRegistration persists one pending trigger fetch job.
func (s *RegistrationService) EnqueueTriggerRegistration(ctx context.Context, request TriggerRegistrationRequest) (*models.AsyncRegistration, error) {
	if err := s.Validator.Struct(request); err != nil {
		return nil, err
	}

	enrollmentID, err := s.Enrollments.ResolveEnrollment(request.RegistrationURI)
	if err != nil {
		return nil, err
	}

	registrationType := models.RegistrationTypeAppTrigger
	if request.IsWebTrigger {
		registrationType = models.RegistrationTypeWebTrigger
	}
	now := s.now()

	registration := &models.AsyncRegistration{
		ID:              uuid.NewString(),
		EnrollmentID:    enrollmentID,
		RegistrationURI: request.RegistrationURI,
		TopOrigin:       request.TopOrigin,
		Registrant:      request.Registrant,
		Type:            registrationType,
		RequestTime:     now,
		RedirectType:    models.RedirectTypeAny,
		RedirectCount:   0,
		DebugKeyAllowed: request.DebugKeyAllowed,
	}

	err = s.Transactions.RunTransaction(ctx, func(store Store) error {
		return store.InsertAsyncRegistration(registration)
	})
	if err != nil {
		return nil, err
	}
	return registration, nil
}
