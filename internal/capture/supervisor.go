package capture

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dualscribe/internal/logging"
	"dualscribe/internal/metrics"
	"dualscribe/internal/pipeline"
	"dualscribe/internal/source"
)

// Config holds supervisor settings.
type Config struct {
	HelperPath   string
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// StartResult is the outcome of a successful Start.
type StartResult struct {
	Timestamp time.Time
	Format    source.AudioFormat
	// Degraded is set when the helper never sent "started" within the
	// timeout and the supervisor synthesized the event with the default
	// format. Documented graceful degradation, not silent failure.
	Degraded bool
}

// Supervisor owns the capture subprocess for one source. It spawns the
// helper, reads its line-delimited JSON control channel (stderr) and its
// binary data channel (stdout), and guarantees the process is never left
// running after Stop returns or a fatal error is surfaced.
//
// A Supervisor runs one subprocess over its lifetime; the recorder
// creates a fresh one per capture session.
type Supervisor struct {
	src source.Source
	cfg Config
	log zerolog.Logger
	met *metrics.Metrics

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	started  atomic.Bool

	frames   chan pipeline.Frame
	done     chan error
	startCh  chan *ControlMessage
	fatalCh  chan struct{}
	stopCh   chan struct{}
	waitDone chan struct{}
	ctrlDone chan struct{}
	dataDone chan struct{}

	fatalOnce sync.Once
	stopOnce  sync.Once
	fatalErr  *Error
}

// New creates a supervisor for the given source.
func New(src source.Source, cfg Config) *Supervisor {
	return &Supervisor{
		src:      src,
		cfg:      cfg,
		log:      logging.WithSource("capture", src),
		met:      metrics.DefaultMetrics,
		frames:   make(chan pipeline.Frame, 64),
		done:     make(chan error, 1),
		startCh:  make(chan *ControlMessage, 1),
		fatalCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		waitDone: make(chan struct{}),
		ctrlDone: make(chan struct{}),
		dataDone: make(chan struct{}),
	}
}

// Frames returns the decoded data-channel frames for this session. The
// channel is closed once the subprocess has exited and its output has
// been drained; consumers must drain it.
func (s *Supervisor) Frames() <-chan pipeline.Frame {
	return s.frames
}

// Done delivers at most one error describing an unexpected subprocess
// failure, then closes. It closes without a value on a clean stop.
func (s *Supervisor) Done() <-chan error {
	return s.done
}

// Start spawns the helper and blocks until the first "started" control
// message, a typed failure, or the start timeout. On timeout the session
// is considered started with the default format (see StartResult.Degraded).
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	args := []string{"stream"}
	if s.src == source.Microphone {
		args = append(args, "mic")
	}

	cmd := exec.Command(s.cfg.HelperPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StartResult{}, newError(ProcessSpawnFailed, s.src, "start", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return StartResult{}, newError(ProcessSpawnFailed, s.src, "start", "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return StartResult{}, newError(ProcessSpawnFailed, s.src, "start", "spawn "+s.cfg.HelperPath, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.log.Info().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("capture helper spawned")

	go s.controlLoop(stderr)
	go s.dataLoop(stdout)
	go s.waitLoop()

	select {
	case msg := <-s.startCh:
		s.started.Store(true)
		format := source.DefaultFormat()
		if msg.AudioFormat != nil {
			format = *msg.AudioFormat
		}
		s.log.Info().
			Int("sampleRate", format.SampleRate).
			Int("channels", format.Channels).
			Msg("capture started")
		return StartResult{Timestamp: msg.Time(), Format: format}, nil

	case <-s.fatalCh:
		<-s.waitDone
		return StartResult{}, s.fatalErr

	case <-time.After(s.cfg.StartTimeout):
		// The helper is running but never confirmed. Assume it is
		// capturing rather than leave the caller waiting forever; an
		// unhealthy helper still surfaces through Done.
		s.started.Store(true)
		s.log.Warn().
			Dur("timeout", s.cfg.StartTimeout).
			Msg("no started message from helper, assuming capture is live")
		return StartResult{Timestamp: time.Now(), Format: source.DefaultFormat(), Degraded: true}, nil

	case <-ctx.Done():
		s.terminate()
		<-s.waitDone
		return StartResult{}, newError(Timeout, s.src, "start", "canceled waiting for helper", ctx.Err())
	}
}

// Stop interrupts the subprocess and blocks until it has exited. Safe to
// call in any state and idempotent; once it returns the subprocess is no
// longer running.
func (s *Supervisor) Stop(ctx context.Context) error {
	// Unblock dataLoop even when nothing is draining Frames; otherwise a
	// full channel keeps the pipe from reaching EOF and Wait never runs.
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil || cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.stopping {
		s.stopping = true
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			s.log.Debug().Err(err).Msg("interrupt failed, process likely gone")
		}
	}
	s.mu.Unlock()

	select {
	case <-s.waitDone:
		return nil
	case <-time.After(s.cfg.StopGrace):
		s.log.Warn().Dur("grace", s.cfg.StopGrace).Msg("helper ignored interrupt, killing")
	case <-ctx.Done():
	}

	_ = cmd.Process.Kill()
	<-s.waitDone
	return nil
}

// terminate force-kills the subprocess without the interrupt grace.
func (s *Supervisor) terminate() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.stopping = true
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// fatal records the first fatal error, kills the subprocess, and wakes
// anyone waiting on the start outcome.
func (s *Supervisor) fatal(err *Error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		close(s.fatalCh)
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
}

func (s *Supervisor) stage() string {
	if s.started.Load() {
		return "stream"
	}
	return "start"
}

// controlLoop consumes the helper's stderr. JSON objects with a known
// code drive the lifecycle; everything else is diagnostic output.
func (s *Supervisor) controlLoop(r io.Reader) {
	defer close(s.ctrlDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		msg, ok := parseControlLine(line)
		if !ok {
			s.log.Debug().Str("line", string(line)).Msg("helper diagnostic")
			continue
		}
		if !msg.Known() {
			s.log.Warn().Str("code", string(msg.Code)).Msg("unrecognized control code ignored")
			continue
		}

		switch msg.Code {
		case CodeStarted:
			select {
			case s.startCh <- msg:
			default:
				s.log.Warn().Msg("duplicate started message ignored")
			}
		case CodeStopped:
			s.log.Info().Msg("helper acknowledged stop")
		default:
			code, isFailure := msg.failure()
			if !isFailure {
				continue
			}
			s.met.RecordSessionFailed(s.src.String(), string(code))
			s.fatal(newError(code, s.src, s.stage(), msg.Error, nil))
		}
	}
}

// dataLoop decodes the helper's stdout into frames. It exits when the
// pipe reaches EOF after process death.
func (s *Supervisor) dataLoop(r io.Reader) {
	defer close(s.dataDone)

	dec := pipeline.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			if derr != nil {
				s.met.RecordProtocolError()
				s.log.Warn().Err(derr).Msg("malformed frame on data channel")
			}
			for _, f := range frames {
				if f.Source == source.Unknown {
					s.met.RecordUnknownTag()
				}
				s.met.RecordAudioReceived(s.src.String(), len(f.Payload))
				select {
				case s.frames <- f:
				default:
					select {
					case s.frames <- f:
					case <-s.fatalCh:
						// session already failed; drop the remainder so
						// the pipe can drain to EOF
					case <-s.stopCh:
						// stop in progress with a full buffer and no
						// consumer; drop so the pipe can drain to EOF
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the subprocess, drains the reader goroutines, and
// settles the session outcome.
func (s *Supervisor) waitLoop() {
	// Wait closes the pipes, so the reader goroutines must reach EOF first.
	<-s.ctrlDone
	<-s.dataDone
	err := s.cmd.Wait()
	close(s.frames)

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.log.Info().Msg("capture helper exited")
		close(s.done)
	} else {
		fe := s.fatalErr
		if fe == nil {
			fe = newError(ProcessExitedEarly, s.src, s.stage(), "helper exited unexpectedly", err)
			s.met.RecordSessionFailed(s.src.String(), string(ProcessExitedEarly))
		}
		s.log.Error().Err(fe).Msg("capture helper failed")
		s.done <- fe
		close(s.done)
	}
	close(s.waitDone)
}

// CheckPermissions runs the helper in its permission-check mode and
// reports whether capture is authorized. The helper emits one control
// message and exits.
func CheckPermissions(ctx context.Context, helperPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, helperPath, "check-permissions")
	out, err := cmd.CombinedOutput()

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		msg, ok := parseControlLine(scanner.Bytes())
		if !ok || !msg.Known() {
			continue
		}
		if msg.Code == CodePermissionDenied {
			return false, nil
		}
		if code, isFailure := msg.failure(); isFailure {
			return false, newError(code, source.Unknown, "check", msg.Error, nil)
		}
		return true, nil
	}

	if err != nil {
		return false, newError(ProcessSpawnFailed, source.Unknown, "check", "permission check failed", err)
	}
	return false, newError(ProtocolError, source.Unknown, "check", "no control message from helper", nil)
}
