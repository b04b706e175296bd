// Package source defines the two capture origins and the audio format
// negotiated with the native capture helper.
package source

import (
	"encoding/json"
	"fmt"
)

// Source identifies one independent audio origin. The values match the
// tag byte used on the helper's binary data channel.
type Source uint8

const (
	// Unknown is reserved for frames carrying an unrecognized tag byte.
	Unknown Source = 0x00
	// System is the system-output (loopback) source.
	System Source = 0x01
	// Microphone is the microphone input source.
	Microphone Source = 0x02
)

// All lists the two real sources. Exactly these two exist for the
// lifetime of the process.
var All = []Source{System, Microphone}

// String returns the wire/API name of the source.
func (s Source) String() string {
	switch s {
	case System:
		return "system"
	case Microphone:
		return "microphone"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the source by name rather than tag byte.
func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a source name.
func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Valid reports whether s is one of the two real sources.
func (s Source) Valid() bool {
	return s == System || s == Microphone
}

// Parse maps an API name to a Source.
func Parse(name string) (Source, error) {
	switch name {
	case "system":
		return System, nil
	case "microphone", "mic":
		return Microphone, nil
	default:
		return Unknown, fmt.Errorf("unknown source %q", name)
	}
}

// AudioFormat describes the PCM format reported by the capture helper.
type AudioFormat struct {
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	BitsPerChannel int    `json:"bits_per_channel"`
	FormatID       string `json:"format_id,omitempty"`
}

// DefaultFormat is the format contract with the transcription engine:
// 16 kHz mono 16-bit linear PCM. It is also the format assumed when the
// helper never reports one.
func DefaultFormat() AudioFormat {
	return AudioFormat{
		SampleRate:     16000,
		Channels:       1,
		BitsPerChannel: 16,
		FormatID:       "lpcm",
	}
}
