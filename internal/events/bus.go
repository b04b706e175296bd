// Package events provides event publishing: an in-process fan-out bus
// for the presentation layer and an optional Kafka mirror for transcript
// events.
package events

import (
	"sync"
	"time"

	"dualscribe/internal/source"
)

// Type enumerates the pipeline event kinds observers can subscribe to.
type Type string

const (
	RecordingStarted   Type = "recording-started"
	RecordingStopped   Type = "recording-stopped"
	RecordingError     Type = "recording-error"
	TranscriptionChunk Type = "transcription-chunk"
	TranscriptionError Type = "transcription-error"
)

// Event is one notification published to all observers.
type Event struct {
	Type       Type                `json:"type"`
	Source     source.Source       `json:"source"`
	Timestamp  time.Time           `json:"timestamp"`
	Text       string              `json:"text,omitempty"`
	Final      bool                `json:"final,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Error      string              `json:"error,omitempty"`
	Format     *source.AudioFormat `json:"audioFormat,omitempty"`
}

const subscriberBuffer = 64

// Bus fans events out to all subscribers. Delivery never blocks the
// pipeline: a subscriber that falls behind loses its oldest events.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers an observer. The returned cancel function must be
// called on teardown to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber, dropping the oldest
// buffered event for any subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close terminates all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
