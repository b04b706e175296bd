package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dualscribe/internal/capture"
	"dualscribe/internal/events"
	"dualscribe/internal/logging"
	"dualscribe/internal/metrics"
	"dualscribe/internal/pipeline"
	"dualscribe/internal/source"
	"dualscribe/internal/timeline"
	"dualscribe/internal/transcribe"
)

// Process abstracts the capture supervisor owning one subprocess.
type Process interface {
	Start(ctx context.Context) (capture.StartResult, error)
	Stop(ctx context.Context) error
	Frames() <-chan pipeline.Frame
	Done() <-chan error
}

// ProcessFactory creates a fresh Process per capture session.
type ProcessFactory func(src source.Source) Process

// AdapterFactory creates a fresh STT adapter per capture session.
type AdapterFactory func(ctx context.Context, src source.Source) (transcribe.Adapter, error)

// DefaultProcessFactory builds real capture supervisors.
func DefaultProcessFactory(cfg capture.Config) ProcessFactory {
	return func(src source.Source) Process {
		return capture.New(src, cfg)
	}
}

// Options wires the registry's collaborators.
type Options struct {
	NewProcess ProcessFactory
	NewAdapter AdapterFactory
	Bus        *events.Bus
	Merger     *timeline.Merger
	Kafka      *events.Publisher
}

// session is one source's capture session. The registry is the only
// writer of its fields; everything else observes through snapshots.
type session struct {
	id        string
	state     State
	format    source.AudioFormat
	startedAt time.Time
	lastErr   error
	proc      Process
	link      *transcribe.Link
	pumpDone  chan struct{}
}

// Registry owns the two per-source sessions and drives all state
// transitions. The two state machines are fully independent: operations
// on one source never block on the other.
type Registry struct {
	newProcess ProcessFactory
	newAdapter AdapterFactory
	bus        *events.Bus
	merger     *timeline.Merger
	kafka      *events.Publisher
	met        *metrics.Metrics
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[source.Source]*session
}

// NewRegistry creates a registry with one Idle session slot per source.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		newProcess: opts.NewProcess,
		newAdapter: opts.NewAdapter,
		bus:        opts.Bus,
		merger:     opts.Merger,
		kafka:      opts.Kafka,
		met:        metrics.DefaultMetrics,
		log:        logging.WithComponent("recorder"),
		sessions:   make(map[source.Source]*session),
	}
	for _, src := range source.All {
		r.sessions[src] = &session{state: StateIdle}
	}
	return r
}

// Start begins capture for one source. Fails with ErrAlreadyActive if a
// session is live; the second start never spawns a second subprocess.
func (r *Registry) Start(ctx context.Context, src source.Source) (*StartInfo, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("cannot start %q", src)
	}

	r.mu.Lock()
	sess := r.sessions[src]
	if sess.state != StateIdle {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", src, ErrAlreadyActive)
	}
	sess.state = StateStarting
	sess.id = uuid.NewString()
	id := sess.id
	proc := r.newProcess(src)
	sess.proc = proc
	r.mu.Unlock()

	res, err := proc.Start(ctx)
	if err != nil {
		// Reset only if this attempt still owns the session; a concurrent
		// stop plus restart may have replaced it already.
		r.mu.Lock()
		if sess.id == id && sess.state == StateStarting {
			sess.state = StateIdle
			sess.lastErr = err
			sess.proc = nil
		}
		r.mu.Unlock()

		r.bus.Publish(events.Event{
			Type:      events.RecordingError,
			Source:    src,
			Timestamp: time.Now(),
			Error:     err.Error(),
		})
		return nil, err
	}

	// A concurrent stop may have claimed the session while the helper was
	// spawning; honor it instead of resurrecting the session.
	r.mu.Lock()
	if sess.id != id || sess.state != StateStarting {
		r.mu.Unlock()
		_ = proc.Stop(ctx)
		return nil, fmt.Errorf("%s: %w", src, ErrNotActive)
	}
	r.mu.Unlock()

	// Transcription is best-effort: a dead engine degrades the session,
	// it does not abort capture.
	link := r.openLink(ctx, src)

	r.mu.Lock()
	sess.state = StateActive
	sess.format = res.Format
	sess.startedAt = res.Timestamp
	sess.link = link
	sess.lastErr = nil
	pumpDone := make(chan struct{})
	sess.pumpDone = pumpDone
	r.mu.Unlock()

	r.merger.ClearInterim(src)
	r.met.RecordSessionStart(src.String())

	format := res.Format
	r.bus.Publish(events.Event{
		Type:      events.RecordingStarted,
		Source:    src,
		Timestamp: res.Timestamp,
		Format:    &format,
	})

	go r.pump(src, proc, link, pumpDone)
	go r.watch(src, id, proc)

	r.log.Info().
		Str("source", src.String()).
		Str("sessionId", id).
		Bool("degraded", res.Degraded).
		Msg("recording started")

	return &StartInfo{
		SessionID: id,
		Source:    src,
		Timestamp: res.Timestamp,
		Format:    res.Format,
		Degraded:  res.Degraded,
	}, nil
}

// Stop ends capture for one source. On an Idle source it returns
// ErrNotActive; use StopAll for stop-everything semantics.
func (r *Registry) Stop(ctx context.Context, src source.Source) error {
	if !src.Valid() {
		return fmt.Errorf("cannot stop %q", src)
	}
	stopped, err := r.stop(ctx, src)
	if err != nil {
		return err
	}
	if !stopped {
		return fmt.Errorf("%s: %w", src, ErrNotActive)
	}
	return nil
}

// stop tears one session down. Returns stopped=false when there was
// nothing to stop. Once it returns the subprocess is no longer running
// and the transcription link is closed.
func (r *Registry) stop(ctx context.Context, src source.Source) (bool, error) {
	r.mu.Lock()
	sess := r.sessions[src]
	if sess.state != StateStarting && sess.state != StateActive {
		r.mu.Unlock()
		return false, nil
	}
	sess.state = StateStopping
	id := sess.id
	proc := sess.proc
	link := sess.link
	pumpDone := sess.pumpDone
	startedAt := sess.startedAt
	r.mu.Unlock()

	if err := proc.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Str("source", src.String()).Msg("supervisor stop reported error")
	}

	// All delivered frames are processed before the stop is acknowledged.
	if pumpDone != nil {
		<-pumpDone
	}
	if link != nil {
		_ = link.Close()
	}

	r.met.RecordSessionEnd(src.String(), time.Since(startedAt).Seconds())
	r.bus.Publish(events.Event{
		Type:      events.RecordingStopped,
		Source:    src,
		Timestamp: time.Now(),
	})

	r.mu.Lock()
	if sess.id == id {
		sess.state = StateIdle
		sess.proc = nil
		sess.link = nil
		sess.pumpDone = nil
	}
	r.mu.Unlock()

	r.log.Info().Str("source", src.String()).Str("sessionId", id).Msg("recording stopped")
	return true, nil
}

// StartBoth starts every Idle source concurrently. One source's failure
// never aborts the other's attempt; the result carries independent
// per-source outcomes.
func (r *Registry) StartBoth(ctx context.Context) BothResult {
	res := BothResult{
		Results: make(map[source.Source]*StartInfo),
		Errors:  make(map[source.Source]error),
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, src := range source.All {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			info, err := r.Start(ctx, src)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				res.Errors[src] = err
				return
			}
			res.Results[src] = info
		}(src)
	}
	wg.Wait()
	return res
}

// StopAll stops every source that is not Idle. It always succeeds at
// the operation level and reports which sources were actually stopped.
func (r *Registry) StopAll(ctx context.Context) StopAllResult {
	var wg sync.WaitGroup
	var resMu sync.Mutex
	var stopped []source.Source

	for _, src := range source.All {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			ok, _ := r.stop(ctx, src)
			if ok {
				resMu.Lock()
				stopped = append(stopped, src)
				resMu.Unlock()
			}
		}(src)
	}
	wg.Wait()

	return StopAllResult{Stopped: stopped}
}

// Status returns a snapshot of both sessions, system first.
func (r *Registry) Status() []SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionStatus, 0, len(source.All))
	for _, src := range source.All {
		sess := r.sessions[src]
		st := SessionStatus{
			Source: src,
			State:  sess.state.String(),
		}
		if sess.state != StateIdle {
			st.SessionID = sess.id
			format := sess.format
			st.Format = &format
			startedAt := sess.startedAt
			st.StartedAt = &startedAt
		}
		if sess.lastErr != nil {
			st.LastError = sess.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Timeline renders the merged transcript view.
func (r *Registry) Timeline() []timeline.Entry {
	return r.merger.Render()
}

// ClearTimeline drops all transcript history.
func (r *Registry) ClearTimeline() {
	r.merger.ClearHistory()
}

// openLink connects the transcription engine for one session. A nil
// return means the session runs without transcription until restarted.
func (r *Registry) openLink(ctx context.Context, src source.Source) *transcribe.Link {
	adapter, err := r.newAdapter(ctx, src)
	if err == nil {
		link := transcribe.NewLink(src, adapter, r.onResult, r.onTranscribeError)
		if err = link.Open(ctx); err == nil {
			return link
		}
	}

	r.log.Warn().Err(err).Str("source", src.String()).Msg("transcription unavailable, capture continues")
	r.bus.Publish(events.Event{
		Type:      events.TranscriptionError,
		Source:    src,
		Timestamp: time.Now(),
		Error:     err.Error(),
	})
	return nil
}

// pump forwards decoded frames to the transcription link until the
// supervisor closes the frame channel.
func (r *Registry) pump(src source.Source, proc Process, link *transcribe.Link, done chan struct{}) {
	defer close(done)

	for f := range proc.Frames() {
		if f.Source != src {
			r.met.RecordFrameDropped(src.String(), "misrouted")
			r.log.Debug().
				Str("expected", src.String()).
				Str("got", f.Source.String()).
				Uint64("seq", f.Seq).
				Msg("dropping misrouted frame")
			continue
		}
		if link == nil {
			r.met.RecordFrameDropped(src.String(), "no_link")
			continue
		}
		if err := link.Send(context.Background(), f.Payload); err != nil {
			r.log.Debug().Err(err).Uint64("seq", f.Seq).Msg("frame not sent")
		}
	}
}

// watch surfaces an unexpected subprocess exit as a retryable failure
// and resets the session to Idle once cleanup completes.
func (r *Registry) watch(src source.Source, id string, proc Process) {
	err, ok := <-proc.Done()
	if !ok || err == nil {
		return // clean stop, handled by stop()
	}

	r.mu.Lock()
	sess := r.sessions[src]
	if sess.id != id || sess.state == StateStopping || sess.state == StateIdle {
		// A concurrent stop owns the teardown.
		r.mu.Unlock()
		return
	}
	sess.state = StateError
	link := sess.link
	pumpDone := sess.pumpDone
	startedAt := sess.startedAt
	r.mu.Unlock()

	if pumpDone != nil {
		<-pumpDone
	}
	if link != nil {
		_ = link.Close()
	}

	r.met.RecordSessionEnd(src.String(), time.Since(startedAt).Seconds())
	r.bus.Publish(events.Event{
		Type:      events.RecordingError,
		Source:    src,
		Timestamp: time.Now(),
		Error:     err.Error(),
	})
	r.log.Error().Err(err).Str("source", src.String()).Str("sessionId", id).Msg("capture session failed")

	r.mu.Lock()
	if sess.id == id {
		sess.state = StateIdle
		sess.lastErr = err
		sess.proc = nil
		sess.link = nil
		sess.pumpDone = nil
	}
	r.mu.Unlock()
}

// onResult feeds a transcript event into the timeline, the fan-out bus
// and the Kafka mirror.
func (r *Registry) onResult(res transcribe.Result) {
	r.mu.Lock()
	sessionID := r.sessions[res.Source].id
	r.mu.Unlock()

	if res.Final {
		r.merger.AddFinal(res.Source, res.Text, res.Confidence, res.Timestamp)
	} else {
		r.merger.SetInterim(res.Source, res.Text, res.Timestamp)
	}

	r.bus.Publish(events.Event{
		Type:       events.TranscriptionChunk,
		Source:     res.Source,
		Timestamp:  res.Timestamp,
		Text:       res.Text,
		Final:      res.Final,
		Confidence: res.Confidence,
	})

	if r.kafka == nil {
		return
	}
	ctx := context.Background()
	if res.Final {
		ev := events.TranscriptFinal{
			EventType:  "transcript.final",
			Source:     res.Source.String(),
			SessionID:  sessionID,
			Timestamp:  res.Timestamp.UnixMilli(),
			Text:       res.Text,
			Confidence: res.Confidence,
		}
		if err := r.kafka.PublishFinal(ctx, res.Source.String(), ev); err != nil {
			r.log.Warn().Err(err).Msg("failed to publish final transcript")
		}
	} else {
		ev := events.TranscriptPartial{
			EventType: "transcript.partial",
			Source:    res.Source.String(),
			SessionID: sessionID,
			Timestamp: res.Timestamp.UnixMilli(),
			Text:      res.Text,
		}
		if err := r.kafka.PublishPartial(ctx, res.Source.String(), ev); err != nil {
			r.log.Warn().Err(err).Msg("failed to publish partial transcript")
		}
	}
}

// onTranscribeError reports a non-fatal engine failure for a source.
func (r *Registry) onTranscribeError(src source.Source, err error) {
	r.bus.Publish(events.Event{
		Type:      events.TranscriptionError,
		Source:    src,
		Timestamp: time.Now(),
		Error:     err.Error(),
	})
}
