package utils

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")

	// Returned by the store when no pending async registration is eligible.
	ErrorQueueEmpty = errors.New("async registration queue empty")

	ErrorUnknownEnrollment = errors.New("no enrollment for registration origin")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
