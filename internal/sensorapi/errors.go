package sensorapi

import (
	"fmt"
	"net/http"

	"github.com/juju/errors"
)

// StatusError is non-2xx response from sensor service.
type StatusError struct {
	Op       string
	SensorID string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	s := fmt.Sprintf("%s status=%d", e.Op, e.Status)
	if e.SensorID != "" {
		s += " sensor=" + e.SensorID
	}
	if e.Body != "" {
		s += " body=" + e.Body
	}
	return s
}

// RegistrationError means sensor list or create failed, no sensor id is known.
type RegistrationError struct {
	Type SensorType
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration type=%s name=%s: %v", e.Type, e.Name, e.Err)
}
func (e *RegistrationError) Unwrap() error { return e.Err }

// SubmissionError means reading or image POST failed. Callers log and continue.
type SubmissionError struct {
	Op       string
	SensorID string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s sensor=%s: %v", e.Op, e.SensorID, e.Err)
}
func (e *SubmissionError) Unwrap() error { return e.Err }

// StatusCode returns HTTP status carried by err or 0 for transport errors.
func StatusCode(err error) int {
	for err != nil {
		switch e := errors.Cause(err).(type) {
		case *StatusError:
			return e.Status
		case *RegistrationError:
			err = e.Err
		case *SubmissionError:
			err = e.Err
		default:
			return 0
		}
	}
	return 0
}

func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }
