package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dualscribe/internal/logging"
	"dualscribe/internal/metrics"
	"dualscribe/internal/source"
)

// ErrLinkClosed is returned by Send once the link has been closed.
// Sends must fail loudly rather than silently discard audio.
var ErrLinkClosed = errors.New("transcription link is closed")

const (
	linkIdle = iota
	linkOpen
	linkClosed
)

// Link owns exactly one Adapter connection for one active capture
// session. It implements Callback, tags results with the owning source,
// and forwards them to the sink.
type Link struct {
	src source.Source
	ad  Adapter
	log zerolog.Logger
	met *metrics.Metrics

	onResult func(Result)
	onError  func(source.Source, error)

	mu      sync.Mutex
	state   int
	dropped uint64
}

// NewLink wraps an adapter for the given source. onResult receives
// transcript events; onError receives engine-side failures, which are
// non-fatal to the capture session.
func NewLink(src source.Source, ad Adapter, onResult func(Result), onError func(source.Source, error)) *Link {
	return &Link{
		src:      src,
		ad:       ad,
		log:      logging.WithSource("transcribe", src),
		met:      metrics.DefaultMetrics,
		onResult: onResult,
		onError:  onError,
	}
}

// Open starts the adapter's streaming session.
func (l *Link) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return ErrLinkClosed
	}
	if l.state == linkOpen {
		return nil
	}
	if err := l.ad.Start(ctx, l); err != nil {
		return err
	}
	l.state = linkOpen
	l.log.Debug().Msg("transcription link open")
	return nil
}

// Send forwards one frame's payload to the engine. Frames arriving
// before the link is confirmed open are dropped with a diagnostic,
// never queued, so a slow engine cannot grow memory without bound.
// Sending on a closed link returns ErrLinkClosed.
func (l *Link) Send(ctx context.Context, audio []byte) error {
	l.mu.Lock()
	state := l.state
	if state == linkIdle {
		l.dropped++
	}
	l.mu.Unlock()

	switch state {
	case linkClosed:
		return ErrLinkClosed
	case linkIdle:
		l.met.RecordFrameDropped(l.src.String(), "link_not_open")
		l.log.Debug().Int("bytes", len(audio)).Msg("dropping frame, link not open yet")
		return nil
	}

	return l.ad.SendAudio(ctx, audio)
}

// Close ends the adapter session. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = linkClosed
	dropped := l.dropped
	l.mu.Unlock()

	if dropped > 0 {
		l.log.Info().Uint64("dropped", dropped).Msg("frames dropped before link opened")
	}
	l.log.Debug().Msg("transcription link closed")
	return l.ad.Close()
}

// Dropped returns the number of frames discarded before the link opened.
func (l *Link) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// --- Callback implementation ---

// OnPartial forwards an interim transcript tagged with the source.
func (l *Link) OnPartial(text string) {
	if l.closed() {
		return
	}
	l.met.RecordPartialTranscript(l.src.String())
	l.onResult(Result{
		Source:    l.src,
		Text:      text,
		Final:     false,
		Timestamp: time.Now(),
	})
}

// OnFinal forwards a final transcript tagged with the source.
func (l *Link) OnFinal(text string, confidence float64) {
	if l.closed() {
		return
	}
	l.met.RecordFinalTranscript(l.src.String())
	l.onResult(Result{
		Source:     l.src,
		Text:       text,
		Final:      true,
		Confidence: confidence,
		Timestamp:  time.Now(),
	})
}

// OnError reports an engine-side failure. Capture continues; the
// operator is notified through the error sink.
func (l *Link) OnError(err error) {
	if l.closed() {
		return
	}
	l.met.RecordTranscriptError(l.src.String())
	l.log.Warn().Err(err).Msg("transcription engine error")
	l.onError(l.src, err)
}

func (l *Link) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == linkClosed
}
