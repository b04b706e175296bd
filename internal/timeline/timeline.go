// Package timeline merges the per-source transcript streams into one
// chronological view.
package timeline

import (
	"sort"
	"sync"
	"time"

	"dualscribe/internal/source"
)

// Entry is one rendered timeline item.
type Entry struct {
	Source     source.Source `json:"source"`
	Text       string        `json:"text"`
	Final      bool          `json:"final"`
	Confidence float64       `json:"confidence,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`

	// arrival breaks timestamp ties; transcript granularity makes real
	// collisions rare, so this stays a non-strict ordering guarantee.
	arrival uint64
}

// Merger maintains the append-only final history plus one current
// interim slot per source. Safe for concurrent use.
type Merger struct {
	mu       sync.Mutex
	finals   []Entry
	interims map[source.Source]*Entry
	arrival  uint64
}

// NewMerger returns an empty Merger.
func NewMerger() *Merger {
	return &Merger{
		interims: make(map[source.Source]*Entry),
	}
}

// AddFinal appends a final transcript and clears the source's interim
// slot; the final supersedes whatever provisional text was showing.
func (m *Merger) AddFinal(src source.Source, text string, confidence float64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrival++
	m.finals = append(m.finals, Entry{
		Source:     src,
		Text:       text,
		Final:      true,
		Confidence: confidence,
		Timestamp:  ts,
		arrival:    m.arrival,
	})
	delete(m.interims, src)
}

// SetInterim replaces the source's current interim transcript.
func (m *Merger) SetInterim(src source.Source, text string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrival++
	m.interims[src] = &Entry{
		Source:    src,
		Text:      text,
		Timestamp: ts,
		arrival:   m.arrival,
	}
}

// ClearInterim drops the source's interim slot. Called when a capture
// session (re)starts so stale provisional text does not linger.
func (m *Merger) ClearInterim(src source.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interims, src)
}

// ClearHistory drops all finals and interims.
func (m *Merger) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finals = nil
	m.interims = make(map[source.Source]*Entry)
}

// Render returns the merged view: every final plus any current interim,
// sorted ascending by timestamp, ties broken by arrival order.
func (m *Merger) Render() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.finals)+len(m.interims))
	out = append(out, m.finals...)
	for _, e := range m.interims {
		out = append(out, *e)
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].arrival < out[j].arrival
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
