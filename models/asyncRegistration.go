package models

import (
	"time"

	"github.com/google/uuid"
)

// AsyncRegistration is a durable fetch job: one row per registration URI still
// waiting to be fetched, validated and persisted. Rows are deleted on success
// or permanent failure; transient fetch failures bump RetryCount and keep the
// row pending.
type AsyncRegistration struct {
	ID                 string           `gorm:"primary_key;size:36" json:"id"`
	EnrollmentID       string           `gorm:"size:64;not null;index" json:"enrollment_id"`
	RegistrationURI    string           `gorm:"size:2048;not null" json:"registration_uri"`
	TopOrigin          string           `gorm:"size:512;not null" json:"top_origin"`
	Registrant         string           `gorm:"size:512;not null" json:"registrant"`
	Type               RegistrationType `gorm:"size:20;not null;index" json:"type"`
	SourceType         *SourceType      `gorm:"size:20" json:"source_type"`
	OsDestination      *string          `gorm:"size:512" json:"os_destination"`
	WebDestination     *string          `gorm:"size:512" json:"web_destination"`
	VerifiedDestination *string         `gorm:"size:512" json:"verified_destination"`
	RequestTime        int64            `gorm:"not null;index" json:"request_time"`
	LastProcessingTime int64            `gorm:"not null" json:"last_processing_time"`
	RetryCount         int64            `gorm:"not null;default:0" json:"retry_count"`
	RedirectType       RedirectType     `gorm:"size:20;not null;default:ANY" json:"redirect_type"`
	RedirectCount      int64            `gorm:"not null;default:0" json:"redirect_count"`
	DebugKeyAllowed    bool             `gorm:"not null;default:false" json:"debug_key_allowed"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// NextRedirectCount is the redirect count carried into a DAISY_CHAIN child.
// List-style redirects always restart their children at 1.
func (r *AsyncRegistration) NextRedirectCount() int64 {
	if r.RedirectType == RedirectTypeDaisyChain {
		return r.RedirectCount + 1
	}
	return 1
}

// NewRedirectRegistration builds the child row enqueued for one discovered
// redirect URI. Everything but the URI, redirect bookkeeping and id is carried
// over from the parent.
func NewRedirectRegistration(parent *AsyncRegistration, redirectURI string, redirectType RedirectType, redirectCount int64, enrollmentID string, now int64) *AsyncRegistration {
	return &AsyncRegistration{
		ID:                  uuid.NewString(),
		EnrollmentID:        enrollmentID,
		RegistrationURI:     redirectURI,
		TopOrigin:           parent.TopOrigin,
		Registrant:          parent.Registrant,
		Type:                parent.Type,
		SourceType:          parent.SourceType,
		OsDestination:       parent.OsDestination,
		WebDestination:      parent.WebDestination,
		VerifiedDestination: parent.VerifiedDestination,
		RequestTime:         parent.RequestTime,
		LastProcessingTime:  now,
		RetryCount:          0,
		RedirectType:        redirectType,
		RedirectCount:       redirectCount,
		DebugKeyAllowed:     parent.DebugKeyAllowed,
	}
}
