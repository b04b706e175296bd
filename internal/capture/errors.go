package capture

import (
	"errors"
	"fmt"

	"dualscribe/internal/source"
)

// ErrorCode classifies capture failures.
type ErrorCode string

const (
	PermissionDenied   ErrorCode = "permission_denied"
	DeviceUnavailable  ErrorCode = "device_unavailable"
	ProcessSpawnFailed ErrorCode = "process_spawn_failure"
	ProcessExitedEarly ErrorCode = "process_exited_early"
	Timeout            ErrorCode = "timeout"
	ProtocolError      ErrorCode = "protocol_error"
)

// Error is a typed capture failure. It names the source and the stage
// that failed so operators can tell the two pipelines apart.
type Error struct {
	Code    ErrorCode
	Source  source.Source
	Stage   string // "start", "stream" or "stop"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s capture %s: %s", e.Source, e.Stage, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, src source.Source, stage, message string, err error) *Error {
	return &Error{Code: code, Source: src, Stage: stage, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a capture
// error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
