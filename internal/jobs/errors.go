package jobs

import "errors"

var (
	// ErrInvalidTransition is returned when an operation does not apply to
	// the job's current state, e.g. approving a job that is not parked.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrMissingInput is returned when a retry targets a parse stage but the
	// job has no stored upload to reprocess.
	ErrMissingInput = errors.New("missing job input")
	// ErrMalformedUpload is returned when a PMS export cannot be parsed.
	ErrMalformedUpload = errors.New("malformed PMS upload")
)
