// Package mock provides a mock STT adapter for running the pipeline
// without cloud credentials. It simulates realistic behavior:
// progressive partial transcripts followed by exactly one final per
// session.
package mock

import (
	"context"
	"sync"
	"time"

	"dualscribe/internal/transcribe"
)

// SimulatedUtterance is a scripted utterance with progressive partials.
type SimulatedUtterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"let's look", "let's look at the", "let's look at the quarterly"},
		Final:      "let's look at the quarterly numbers together",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"sounds good", "sounds good to"},
		Final:      "sounds good to me",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"can everyone", "can everyone see my"},
		Final:      "can everyone see my screen",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"I'll send", "I'll send the notes"},
		Final:      "I'll send the notes after the call",
		Confidence: 0.9,
	},
}

// utteranceCounter cycles through the default utterances across sessions.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Adapter implements transcribe.Adapter with scripted responses.
type Adapter struct {
	// Delay before each simulated callback. Tests set this to zero.
	Delay time.Duration

	mu           sync.Mutex
	cb           transcribe.Callback
	utterance    SimulatedUtterance
	partialIndex int
	finalSent    bool
	closed       bool
}

// New creates a mock adapter scripted with the next default utterance.
func New() *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &Adapter{
		Delay:     50 * time.Millisecond,
		utterance: DefaultUtterances[idx],
	}
}

// NewScripted creates a mock adapter with a fixed utterance.
func NewScripted(u SimulatedUtterance) *Adapter {
	return &Adapter{utterance: u}
}

// Start begins the mock session.
func (a *Adapter) Start(ctx context.Context, cb transcribe.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

// SendAudio emits the next partial, or the final once partials are
// exhausted, mimicking silence detection ending the utterance.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	if a.partialIndex < len(a.utterance.Partials) {
		partial := a.utterance.Partials[a.partialIndex]
		a.partialIndex++
		go a.deliver(func(cb transcribe.Callback) { cb.OnPartial(partial) })
	} else if !a.finalSent {
		a.finalSent = true
		utt := a.utterance
		go a.deliver(func(cb transcribe.Callback) { cb.OnFinal(utt.Final, utt.Confidence) })
	}
	return nil
}

// Close ends the session. If the stream ended before the utterance
// completed naturally, the final is sent now.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if !a.finalSent && a.cb != nil && a.partialIndex > 0 {
		a.finalSent = true
		utt := a.utterance
		cb := a.cb
		go func() {
			time.Sleep(a.Delay)
			cb.OnFinal(utt.Final, utt.Confidence)
		}()
	}
	return nil
}

func (a *Adapter) deliver(fn func(transcribe.Callback)) {
	time.Sleep(a.Delay)
	a.mu.Lock()
	cb := a.cb
	closed := a.closed
	a.mu.Unlock()
	if !closed && cb != nil {
		fn(cb)
	}
}
