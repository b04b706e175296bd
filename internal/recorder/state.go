// Package recorder holds the per-source recording state machine and the
// session registry that coordinates capture, transcription and event
// fan-out.
package recorder

import (
	"errors"
	"fmt"
	"time"

	"dualscribe/internal/source"
)

// State is the lifecycle state of one source's capture session.
type State int

const (
	// StateIdle - no session; a start command may create one.
	StateIdle State = iota
	// StateStarting - helper spawned, waiting for its started message.
	StateStarting
	// StateActive - audio is flowing.
	StateActive
	// StateStopping - stop requested, teardown in progress.
	StateStopping
	// StateError - session failed; returns to Idle once cleanup completes.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Errors for invalid operations against the session registry.
var (
	ErrAlreadyActive = errors.New("recording already active")
	ErrNotActive     = errors.New("no active recording")
)

// StartInfo is the outcome of a successful start.
type StartInfo struct {
	SessionID string             `json:"sessionId"`
	Source    source.Source      `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
	Format    source.AudioFormat `json:"audioFormat"`
	Degraded  bool               `json:"degraded,omitempty"`
}

// SessionStatus is a read-only snapshot of one source's session.
type SessionStatus struct {
	Source    source.Source       `json:"source"`
	State     string              `json:"state"`
	SessionID string              `json:"sessionId,omitempty"`
	Format    *source.AudioFormat `json:"audioFormat,omitempty"`
	StartedAt *time.Time          `json:"startedAt,omitempty"`
	LastError string              `json:"lastError,omitempty"`
}

// BothResult aggregates the independent per-source outcomes of
// StartBoth. Partial success is a first-class result, not an error.
type BothResult struct {
	Results map[source.Source]*StartInfo `json:"results"`
	Errors  map[source.Source]error      `json:"-"`
}

// Summary classifies the combined outcome: "full" when every attempted
// source succeeded, "partial" when at least one did, "failure" when
// none did. Already-active sources count as neither.
func (b BothResult) Summary() string {
	failures := 0
	for _, err := range b.Errors {
		if !errors.Is(err, ErrAlreadyActive) {
			failures++
		}
	}
	switch {
	case failures == 0:
		return "full"
	case len(b.Results) > 0:
		return "partial"
	default:
		return "failure"
	}
}

// StopAllResult reports which sources StopAll actually stopped. The
// operation itself always succeeds, even with nothing active.
type StopAllResult struct {
	Stopped []source.Source `json:"stopped"`
}
