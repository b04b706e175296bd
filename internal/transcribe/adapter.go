// Package transcribe defines the interface to the external speech-to-text
// engine and the per-source link that feeds it.
package transcribe

import (
	"context"
	"time"

	"dualscribe/internal/source"
)

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter is a bidirectional streaming connection to an STT engine:
// audio bytes in, transcript callbacks out. The capture contract fixes
// the audio format to 16 kHz mono 16-bit linear PCM; format conversion
// is the capture side's job and must never reach an Adapter.
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends raw PCM bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Result is one transcript event, tagged with its owning source.
// Final results are immutable once emitted; interim results for a source
// supersede one another.
type Result struct {
	Source     source.Source
	Text       string
	Final      bool
	Confidence float64 // set only on final results
	Timestamp  time.Time
}
