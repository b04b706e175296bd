// capturesim is a stand-in for the native capture helper during
// development. It speaks the helper protocol exactly: line-delimited
// JSON control messages on stderr, length-prefixed tagged PCM frames on
// stdout, and a clean stop on SIGINT.
//
// Usage:
//
//	capturesim stream        stream system-output audio
//	capturesim stream mic    stream microphone audio
//	capturesim check-permissions
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dualscribe/internal/capture"
	"dualscribe/internal/pipeline"
	"dualscribe/internal/source"
)

// 100ms chunks at 16kHz 16-bit mono = 3200 bytes per frame
const (
	sampleRate    = 16000
	chunkSamples  = sampleRate / 10
	chunkInterval = 100 * time.Millisecond
)

func main() {
	denyPermission := flag.Bool("deny", false, "report permission-denied instead of streaming")
	failAfter := flag.Duration("fail-after", 0, "emit stream-error and exit after this duration (0 = never)")
	tone := flag.Float64("tone", 440, "sine tone frequency in Hz")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		emitControl(capture.ControlMessage{Code: capture.CodeInvalidArguments, Error: "missing mode argument"})
		os.Exit(2)
	}

	switch args[0] {
	case "check-permissions":
		if *denyPermission {
			emitControl(capture.ControlMessage{Code: capture.CodePermissionDenied, Error: "audio capture not authorized"})
			os.Exit(1)
		}
		emitControl(capture.ControlMessage{Code: capture.CodeStarted})
		return

	case "stream":
		src := source.System
		if len(args) > 1 && args[1] == "mic" {
			src = source.Microphone
		}
		if *denyPermission {
			emitControl(capture.ControlMessage{Code: capture.CodePermissionDenied, Source: src.String(), Error: "audio capture not authorized"})
			os.Exit(1)
		}
		stream(src, *tone, *failAfter)

	default:
		emitControl(capture.ControlMessage{Code: capture.CodeInvalidArguments, Error: fmt.Sprintf("unknown mode %q", args[0])})
		os.Exit(2)
	}
}

// stream emits a started message, then tone frames until interrupted.
func stream(src source.Source, toneHz float64, failAfter time.Duration) {
	format := source.DefaultFormat()
	emitControl(capture.ControlMessage{
		Code:        capture.CodeStarted,
		Timestamp:   time.Now().Format(time.RFC3339),
		Source:      src.String(),
		AudioFormat: &format,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var failCh <-chan time.Time
	if failAfter > 0 {
		failCh = time.After(failAfter)
	}

	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	var phase float64
	for {
		select {
		case <-sig:
			emitControl(capture.ControlMessage{
				Code:      capture.CodeStopped,
				Timestamp: time.Now().Format(time.RFC3339),
				Source:    src.String(),
			})
			return

		case <-failCh:
			emitControl(capture.ControlMessage{Code: capture.CodeStreamError, Source: src.String(), Error: "simulated stream failure"})
			os.Exit(1)

		case <-ticker.C:
			payload := toneChunk(toneHz, &phase)
			if _, err := os.Stdout.Write(pipeline.Encode(src, payload)); err != nil {
				// stdout gone means the supervisor is gone
				os.Exit(1)
			}
		}
	}
}

// toneChunk renders 100ms of 16-bit little-endian sine samples,
// carrying the phase across chunks so the tone is continuous.
func toneChunk(freq float64, phase *float64) []byte {
	out := make([]byte, chunkSamples*2)
	step := 2 * math.Pi * freq / sampleRate
	for i := 0; i < chunkSamples; i++ {
		sample := int16(math.Sin(*phase) * 0.3 * math.MaxInt16)
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
		*phase += step
	}
	return out
}

func emitControl(msg capture.ControlMessage) {
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, string(line))
}
