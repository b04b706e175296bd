package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dualscribe/internal/capture"
	"dualscribe/internal/events"
	"dualscribe/internal/pipeline"
	"dualscribe/internal/recorder"
	"dualscribe/internal/source"
	"dualscribe/internal/timeline"
	"dualscribe/internal/transcribe"
)

// stubProcess is a minimal in-memory Process for driving the registry
// through HTTP.
type stubProcess struct {
	startErr error

	mu      sync.Mutex
	stopped bool
	frames  chan pipeline.Frame
	done    chan error
}

func newStubProcess(startErr error) *stubProcess {
	return &stubProcess{
		startErr: startErr,
		frames:   make(chan pipeline.Frame),
		done:     make(chan error, 1),
	}
}

func (p *stubProcess) Start(ctx context.Context) (capture.StartResult, error) {
	if p.startErr != nil {
		return capture.StartResult{}, p.startErr
	}
	return capture.StartResult{Timestamp: time.Now(), Format: source.DefaultFormat()}, nil
}

func (p *stubProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.frames)
		close(p.done)
	}
	return nil
}

func (p *stubProcess) Frames() <-chan pipeline.Frame { return p.frames }
func (p *stubProcess) Done() <-chan error            { return p.done }

type stubAdapter struct{}

func (stubAdapter) Start(ctx context.Context, cb transcribe.Callback) error { return nil }
func (stubAdapter) SendAudio(ctx context.Context, audio []byte) error       { return nil }
func (stubAdapter) Close() error                                            { return nil }

func newTestServer(t *testing.T, startErr map[source.Source]error) (*httptest.Server, *recorder.Registry, *timeline.Merger) {
	t.Helper()

	merger := timeline.NewMerger()
	reg := recorder.NewRegistry(recorder.Options{
		NewProcess: func(src source.Source) recorder.Process {
			return newStubProcess(startErr[src])
		},
		NewAdapter: func(ctx context.Context, src source.Source) (transcribe.Adapter, error) {
			return stubAdapter{}, nil
		},
		Bus:    events.NewBus(),
		Merger: merger,
		Kafka:  events.NewPublisher(nil),
	})

	srv := httptest.NewServer(NewRouter(reg, func(ctx context.Context) (bool, error) {
		return true, nil
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	return srv, reg, merger
}

func doRequest(t *testing.T, method, url string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestRouter_HealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	for _, path := range []string{"/v1/liveness", "/v1/readiness"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRouter_StartStopSingleSource(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/start")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", resp.StatusCode)
	}
	if body["sessionId"] == "" {
		t.Error("expected sessionId in start response")
	}
	if body["source"] != "system" {
		t.Errorf("source = %v, want system", body["source"])
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/stop")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop status = %d, want 200", resp.StatusCode)
	}
}

func TestRouter_DoubleStartConflicts(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/microphone/start")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first start status = %d", resp.StatusCode)
	}
	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/microphone/start")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("expected error body")
	}
}

func TestRouter_StopIdleConflicts(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/stop")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stop idle status = %d, want 409", resp.StatusCode)
	}
}

func TestRouter_UnknownSourceRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/speakers/start")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRouter_StartBothPartialSuccessIsCreated(t *testing.T) {
	srv, _, _ := newTestServer(t, map[source.Source]error{
		source.Microphone: &capture.Error{
			Code:    capture.PermissionDenied,
			Source:  source.Microphone,
			Stage:   "start",
			Message: "microphone access denied",
		},
	})

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/start")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 for partial success", resp.StatusCode)
	}
	if body["summary"] != "partial" {
		t.Errorf("summary = %v, want partial", body["summary"])
	}

	results, _ := body["results"].(map[string]any)
	if _, ok := results["system"]; !ok {
		t.Error("expected system result")
	}
	errs, _ := body["errors"].(map[string]any)
	micErr, _ := errs["microphone"].(map[string]any)
	if micErr["code"] != string(capture.PermissionDenied) {
		t.Errorf("microphone error code = %v, want permission_denied", micErr["code"])
	}
}

func TestRouter_PermissionDeniedStartIsForbidden(t *testing.T) {
	srv, _, _ := newTestServer(t, map[source.Source]error{
		source.System: &capture.Error{
			Code:   capture.PermissionDenied,
			Source: source.System,
			Stage:  "start",
		},
	})

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/start")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRouter_StopAllReportsStopped(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/start")

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/stop")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	stopped, _ := body["stopped"].([]any)
	if len(stopped) != 1 || stopped[0] != "system" {
		t.Errorf("stopped = %v, want [system]", stopped)
	}

	// With nothing active the operation still succeeds.
	resp, body = doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/stop")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if stopped, _ := body["stopped"].([]any); len(stopped) != 0 {
		t.Errorf("stopped = %v, want empty", stopped)
	}
}

func TestRouter_StatusSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	doRequest(t, http.MethodPost, srv.URL+"/v1/recordings/system/start")

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}

	states := map[string]string{}
	for _, s := range sessions {
		m := s.(map[string]any)
		states[m["source"].(string)] = m["state"].(string)
	}
	if states["system"] != "ACTIVE" {
		t.Errorf("system state = %s, want ACTIVE", states["system"])
	}
	if states["microphone"] != "IDLE" {
		t.Errorf("microphone state = %s, want IDLE", states["microphone"])
	}
}

func TestRouter_TimelineRenderAndClear(t *testing.T) {
	srv, _, merger := newTestServer(t, nil)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	merger.AddFinal(source.Microphone, "first", 0.9, base.Add(3*time.Second))
	merger.AddFinal(source.System, "second", 0.8, base.Add(5*time.Second))
	merger.SetInterim(source.System, "third in prog", base.Add(10*time.Second))

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/timeline")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.(map[string]any)["text"].(string)
	}
	want := []string{"first", "second", "third in prog"}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, texts[i], want[i])
		}
	}

	resp, _ = doRequest(t, http.MethodDelete, srv.URL+"/v1/timeline")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear status = %d, want 204", resp.StatusCode)
	}
	_, body = doRequest(t, http.MethodGet, srv.URL+"/v1/timeline")
	if entries, _ := body["entries"].([]any); len(entries) != 0 {
		t.Errorf("entries after clear = %d, want 0", len(entries))
	}
}

func TestRouter_Permissions(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/permissions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["authorized"] != true {
		t.Errorf("authorized = %v, want true", body["authorized"])
	}
}
