package models

import "time"

// Enrollment maps an ad tech's registration origin to its enrollment id.
// Registrations from unknown origins are rejected at enqueue time.
type Enrollment struct {
	ID                 string    `gorm:"primary_key;size:64" json:"id"`
	CompanyName        string    `gorm:"size:255" json:"company_name"`
	RegistrationOrigin string    `gorm:"size:512;not null;uniqueIndex" json:"registration_origin"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
