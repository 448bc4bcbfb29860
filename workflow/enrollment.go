package workflow

import (
	"errors"
	"net/url"

	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
	"gorm.io/gorm"
)

// EnrollmentResolver maps a registration URI to the ad tech's enrollment id.
// Unknown origins reject the registration before it reaches the queue, and
// stop redirect fan-out during processing.
type EnrollmentResolver interface {
	ResolveEnrollment(registrationURI string) (string, error)
}

// DBEnrollmentResolver looks enrollments up by registration origin.
type DBEnrollmentResolver struct {
	DB *gorm.DB
}

func (r DBEnrollmentResolver) ResolveEnrollment(registrationURI string) (string, error) {
	origin, err := registrationOrigin(registrationURI)
	if err != nil {
		return "", err
	}

	var enrollment models.Enrollment
	err = r.DB.First(&enrollment, "registration_origin = ?", origin).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.ErrorUnknownEnrollment
		}
		return "", err
	}
	return enrollment.ID, nil
}

func registrationOrigin(registrationURI string) (string, error) {
	parsed, err := url.Parse(registrationURI)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("registration uri must be absolute: " + registrationURI)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
