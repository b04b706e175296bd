package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dualscribe/internal/pipeline"
	"dualscribe/internal/source"
)

// writeHelper writes a shell script standing in for the native capture
// helper and returns its path.
func writeHelper(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	return path
}

func testConfig(path string) Config {
	return Config{
		HelperPath:   path,
		StartTimeout: 5 * time.Second,
		StopGrace:    2 * time.Second,
	}
}

func recvFrame(t *testing.T, ch <-chan pipeline.Frame) pipeline.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed early")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return pipeline.Frame{}
}

func TestSupervisor_StartDeliversFormatAndFrames(t *testing.T) {
	helper := writeHelper(t, `
echo '{"code":"started","source":"system","audio_format":{"sample_rate":16000,"channels":1,"bits_per_channel":16,"format_id":"lpcm"}}' >&2
printf '\000\000\000\005\001\001\002\003\004'
printf '\000\000\000\003\001\005\006'
trap 'echo "{\"code\":\"stopped\"}" >&2; exit 0' INT TERM
while true; do sleep 1; done
`)

	sup := New(source.System, testConfig(helper))
	res, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Degraded {
		t.Error("expected a confirmed start, got degraded")
	}
	if res.Format.SampleRate != 16000 || res.Format.Channels != 1 {
		t.Errorf("unexpected format: %+v", res.Format)
	}

	f := recvFrame(t, sup.Frames())
	if f.Source != source.System || len(f.Payload) != 4 {
		t.Errorf("frame 1: source=%v len=%d, want system/4", f.Source, len(f.Payload))
	}
	f = recvFrame(t, sup.Frames())
	if f.Source != source.System || len(f.Payload) != 2 {
		t.Errorf("frame 2: source=%v len=%d, want system/2", f.Source, len(f.Payload))
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// After a clean stop the frame channel drains and closes, and Done
	// closes without an error.
	for range sup.Frames() {
	}
	if err, ok := <-sup.Done(); ok && err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

func TestSupervisor_MicrophoneArgument(t *testing.T) {
	helper := writeHelper(t, `
if [ "$1" = "stream" ] && [ "$2" = "mic" ]; then
  echo '{"code":"started","source":"microphone"}' >&2
else
  echo '{"code":"invalid-arguments","error":"bad args"}' >&2
  exit 2
fi
trap 'exit 0' INT TERM
while true; do sleep 1; done
`)

	sup := New(source.Microphone, testConfig(helper))
	res, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// No audio_format in the message: the default contract format applies.
	if res.Format.SampleRate != 16000 {
		t.Errorf("expected default format, got %+v", res.Format)
	}
	_ = sup.Stop(context.Background())
}

func TestSupervisor_PermissionDenied(t *testing.T) {
	helper := writeHelper(t, `
echo '{"code":"permission-denied","error":"screen recording not authorized"}' >&2
exit 1
`)

	sup := New(source.System, testConfig(helper))
	_, err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if CodeOf(err) != PermissionDenied {
		t.Errorf("code = %s, want %s", CodeOf(err), PermissionDenied)
	}

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("expected a capture.Error")
	}
	if ce.Source != source.System || ce.Stage != "start" {
		t.Errorf("error context = %s/%s, want system/start", ce.Source, ce.Stage)
	}
}

func TestSupervisor_DeviceUnavailable(t *testing.T) {
	helper := writeHelper(t, `
echo '{"code":"device-not-found","error":"no input device"}' >&2
exit 1
`)

	sup := New(source.Microphone, testConfig(helper))
	_, err := sup.Start(context.Background())
	if CodeOf(err) != DeviceUnavailable {
		t.Errorf("code = %s, want %s", CodeOf(err), DeviceUnavailable)
	}
}

func TestSupervisor_ProcessExitedEarly(t *testing.T) {
	helper := writeHelper(t, `exit 0`)

	sup := New(source.System, testConfig(helper))
	_, err := sup.Start(context.Background())
	if CodeOf(err) != ProcessExitedEarly {
		t.Errorf("code = %s, want %s", CodeOf(err), ProcessExitedEarly)
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	sup := New(source.System, testConfig("/nonexistent/capture-helper"))
	_, err := sup.Start(context.Background())
	if CodeOf(err) != ProcessSpawnFailed {
		t.Errorf("code = %s, want %s", CodeOf(err), ProcessSpawnFailed)
	}
}

func TestSupervisor_StartTimeoutSynthesizesStarted(t *testing.T) {
	helper := writeHelper(t, `
trap 'exit 0' INT TERM
while true; do sleep 1; done
`)

	cfg := testConfig(helper)
	cfg.StartTimeout = 200 * time.Millisecond

	sup := New(source.System, cfg)
	res, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("expected synthesized start, got %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded start after timeout")
	}
	if res.Format != source.DefaultFormat() {
		t.Errorf("expected default format, got %+v", res.Format)
	}
	if res.Timestamp.IsZero() {
		t.Error("expected a synthesized timestamp")
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestSupervisor_UnexpectedExitAfterStart(t *testing.T) {
	helper := writeHelper(t, `
echo '{"code":"started"}' >&2
sleep 0.2
exit 3
`)

	sup := New(source.System, testConfig(helper))
	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case err := <-sup.Done():
		if CodeOf(err) != ProcessExitedEarly {
			t.Errorf("code = %s, want %s", CodeOf(err), ProcessExitedEarly)
		}
		var ce *Error
		if errors.As(err, &ce) && ce.Stage != "stream" {
			t.Errorf("stage = %s, want stream", ce.Stage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for crash notification")
	}
}

func TestSupervisor_DiagnosticLinesIgnored(t *testing.T) {
	helper := writeHelper(t, `
echo 'debug: opening audio unit' >&2
echo 'not json at all {{{' >&2
echo '{"code":"started"}' >&2
trap 'exit 0' INT TERM
while true; do sleep 1; done
`)

	sup := New(source.System, testConfig(helper))
	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("diagnostics must not fail the start: %v", err)
	}
	_ = sup.Stop(context.Background())
}

func TestSupervisor_StopWithoutStartIsNoop(t *testing.T) {
	sup := New(source.System, testConfig("/bin/true"))
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop on unstarted supervisor: %v", err)
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	// Helper ignores SIGINT; Stop must force-kill within the grace window.
	helper := writeHelper(t, `
trap '' INT
echo '{"code":"started"}' >&2
while true; do sleep 1; done
`)

	cfg := testConfig(helper)
	cfg.StopGrace = 200 * time.Millisecond

	sup := New(source.System, cfg)
	if _, err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = sup.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not terminate a SIGINT-ignoring helper")
	}
}

func TestSupervisor_StopReturnsWithUndrainedFrames(t *testing.T) {
	// Helper floods the data channel without ever confirming the start.
	// With nothing consuming Frames the buffer fills; Stop must still get
	// the subprocess reaped and return.
	helper := writeHelper(t, `
trap '' INT
i=0
while [ $i -lt 200 ]; do
  printf '\000\000\000\003\001\001\002'
  i=$((i+1))
done
while true; do sleep 1; done
`)

	cfg := testConfig(helper)
	cfg.StartTimeout = 200 * time.Millisecond
	cfg.StopGrace = 300 * time.Millisecond

	sup := New(source.System, cfg)
	res, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded start, helper never confirmed")
	}

	// Give the data loop time to fill the frame buffer and block.
	time.Sleep(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = sup.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop hung with a full frame buffer and no consumer")
	}

	// The frame channel still closes so a late consumer terminates.
	for range sup.Frames() {
	}
}

func TestCheckPermissions(t *testing.T) {
	granted := writeHelper(t, `
if [ "$1" = "check-permissions" ]; then
  echo '{"code":"started"}'
fi
`)
	denied := writeHelper(t, `echo '{"code":"permission-denied","error":"not authorized"}'`)
	silent := writeHelper(t, `exit 0`)

	if ok, err := CheckPermissions(context.Background(), granted); err != nil || !ok {
		t.Errorf("granted: ok=%v err=%v", ok, err)
	}
	if ok, err := CheckPermissions(context.Background(), denied); err != nil || ok {
		t.Errorf("denied: ok=%v err=%v", ok, err)
	}
	if _, err := CheckPermissions(context.Background(), silent); CodeOf(err) != ProtocolError {
		t.Errorf("silent helper: code = %s, want %s", CodeOf(err), ProtocolError)
	}
}
