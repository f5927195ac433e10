package agent

import "errors"

// Failure taxonomy for external agent calls. All four are retryable up to
// the configured bound; ErrInvalidOutput is logged distinctly so an empty
// response can be told apart from a transport failure in the run history.
var (
	ErrUpstreamUnavailable = errors.New("agent endpoint not configured")
	ErrUpstreamTimeout     = errors.New("agent call timed out")
	ErrUpstreamError       = errors.New("agent returned an error response")
	ErrInvalidOutput       = errors.New("agent returned structurally empty output")
)
