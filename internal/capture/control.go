// Package capture owns the native capture helper subprocess for one
// source: spawn, control-channel parsing, timeout, crash handling, and
// forced termination.
package capture

import (
	"encoding/json"
	"time"

	"dualscribe/internal/source"
)

// ControlCode enumerates the helper's typed control protocol. Anything
// else on the control channel is free-form diagnostics.
type ControlCode string

const (
	CodeStarted            ControlCode = "started"
	CodeStopped            ControlCode = "stopped"
	CodePermissionDenied   ControlCode = "permission-denied"
	CodeDeviceNotFound     ControlCode = "device-not-found"
	CodeDisplayNotFound    ControlCode = "display-not-found"
	CodeCaptureFailed      ControlCode = "capture-failed"
	CodeContentFetchFailed ControlCode = "content-fetch-failed"
	CodeStreamError        ControlCode = "stream-error"
	CodeInvalidArguments   ControlCode = "invalid-arguments"
	CodeSetupFailed        ControlCode = "setup-failed"
)

// knownCodes is the closed set of recognized control codes.
var knownCodes = map[ControlCode]bool{
	CodeStarted:            true,
	CodeStopped:            true,
	CodePermissionDenied:   true,
	CodeDeviceNotFound:     true,
	CodeDisplayNotFound:    true,
	CodeCaptureFailed:      true,
	CodeContentFetchFailed: true,
	CodeStreamError:        true,
	CodeInvalidArguments:   true,
	CodeSetupFailed:        true,
}

// ControlMessage is one line of the helper's JSON control channel.
type ControlMessage struct {
	Code        ControlCode         `json:"code"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Source      string              `json:"source,omitempty"`
	AudioFormat *source.AudioFormat `json:"audio_format,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Known reports whether the message carries a recognized control code.
func (m *ControlMessage) Known() bool {
	return knownCodes[m.Code]
}

// Time parses the message timestamp, falling back to now when absent or
// unparseable.
func (m *ControlMessage) Time() time.Time {
	if m.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
			return t
		}
	}
	return time.Now()
}

// failure maps a fatal control code to the error taxonomy. Returns
// ok=false for codes that are not failures (started, stopped).
func (m *ControlMessage) failure() (ErrorCode, bool) {
	switch m.Code {
	case CodePermissionDenied:
		return PermissionDenied, true
	case CodeDeviceNotFound, CodeDisplayNotFound, CodeContentFetchFailed, CodeCaptureFailed, CodeSetupFailed:
		return DeviceUnavailable, true
	case CodeInvalidArguments:
		return ProtocolError, true
	case CodeStreamError:
		return ProcessExitedEarly, true
	default:
		return "", false
	}
}

// parseControlLine decodes one control-channel line. Lines that are not
// JSON objects are diagnostic text, not protocol errors; ok is false
// for those.
func parseControlLine(line []byte) (*ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false
	}
	if msg.Code == "" {
		return nil, false
	}
	return &msg, true
}
