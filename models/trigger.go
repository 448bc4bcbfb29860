package models

import "time"

// Trigger is a conversion signal awaiting attribution. Immutable once
// persisted except the one-way status transition PENDING -> {ATTRIBUTED, IGNORED}.
type Trigger struct {
	ID                 string          `gorm:"primary_key;size:36" json:"id"`
	AttributionDestination string      `gorm:"size:512;not null;index" json:"attribution_destination"`
	DestinationType    DestinationType `gorm:"size:10;not null" json:"destination_type"`
	EnrollmentID       string          `gorm:"size:64;not null;index" json:"enrollment_id"`
	Registrant         string          `gorm:"size:512;not null" json:"registrant"`
	Status             TriggerStatus   `gorm:"size:20;not null;default:PENDING;index" json:"status"`
	TriggerTime        int64           `gorm:"not null;index" json:"trigger_time"`
	Priority           int64           `gorm:"not null;default:0" json:"priority"`
	TriggerData        *uint64         `json:"trigger_data"`
	TriggerValue       int64           `gorm:"not null;default:0" json:"trigger_value"`
	DedupKey           *string         `gorm:"size:64" json:"dedup_key"`
	DebugKey           *uint64         `json:"debug_key"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TruncatedTriggerData folds raw trigger metadata into the source type's
// cardinality range [0, cardinality).
func (t *Trigger) TruncatedTriggerData(cardinality int64) uint64 {
	if t.TriggerData == nil || cardinality <= 0 {
		return 0
	}
	return *t.TriggerData % uint64(cardinality)
}
