package models

import (
	"time"

	"github.com/google/uuid"
)

// Attribution is one rate-limit ledger row, written once per (source, trigger)
// attribution event, fake-report attributions included. Rows are counted per
// rate-limit window to bound attributions between an origin pair.
type Attribution struct {
	ID                string    `gorm:"primary_key;size:36" json:"id"`
	SourceSite        string    `gorm:"size:512;not null;index:idx_attr_rate" json:"source_site"`
	SourceOrigin      string    `gorm:"size:512;not null" json:"source_origin"`
	DestinationSite   string    `gorm:"size:512;not null;index:idx_attr_rate" json:"destination_site"`
	DestinationOrigin string    `gorm:"size:512;not null" json:"destination_origin"`
	EnrollmentID      string    `gorm:"size:64;not null;index:idx_attr_rate" json:"enrollment_id"`
	TriggerTime       int64     `gorm:"not null;index:idx_attr_rate" json:"trigger_time"`
	Registrant        string    `gorm:"size:512;not null" json:"registrant"`
	SourceID          *string   `gorm:"size:36" json:"source_id"`
	TriggerID         *string   `gorm:"size:36" json:"trigger_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// NewAttribution records a real (source, trigger) attribution.
func NewAttribution(source *Source, trigger *Trigger) *Attribution {
	return &Attribution{
		ID:                uuid.NewString(),
		SourceSite:        source.Publisher,
		SourceOrigin:      source.Publisher,
		DestinationSite:   trigger.AttributionDestination,
		DestinationOrigin: trigger.AttributionDestination,
		EnrollmentID:      source.EnrollmentID,
		TriggerTime:       trigger.TriggerTime,
		Registrant:        trigger.Registrant,
		SourceID:          &source.ID,
		TriggerID:         &trigger.ID,
	}
}

// NewFakeAttribution charges a noised source against the rate-limit window of
// one destination surface at registration time.
func NewFakeAttribution(source *Source, destinationType DestinationType) *Attribution {
	destinations := source.DestinationsForType(destinationType)
	destination := ""
	if len(destinations) > 0 {
		destination = destinations[0]
	}
	return &Attribution{
		ID:                uuid.NewString(),
		SourceSite:        source.Publisher,
		SourceOrigin:      source.Publisher,
		DestinationSite:   destination,
		DestinationOrigin: destination,
		EnrollmentID:      source.EnrollmentID,
		TriggerTime:       source.EventTime,
		Registrant:        source.Registrant,
		SourceID:          &source.ID,
	}
}
