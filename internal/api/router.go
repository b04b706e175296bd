// Package api exposes the recording pipeline's control surface over
// HTTP for the presentation layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"dualscribe/internal/capture"
	"dualscribe/internal/logging"
	"dualscribe/internal/recorder"
	"dualscribe/internal/source"
)

// PermissionChecker runs the capture helper's permission probe.
type PermissionChecker func(ctx context.Context) (bool, error)

// Handler bundles the router's collaborators.
type Handler struct {
	reg       *recorder.Registry
	checkPerm PermissionChecker
	log       zerolog.Logger
}

// NewRouter constructs the HTTP router for the control API.
func NewRouter(reg *recorder.Registry, checkPerm PermissionChecker) http.Handler {
	h := &Handler{
		reg:       reg,
		checkPerm: checkPerm,
		log:       logging.WithComponent("api"),
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/recordings/start", h.startBoth)
		r.Post("/recordings/stop", h.stopAll)
		r.Post("/recordings/{source}/start", h.startOne)
		r.Post("/recordings/{source}/stop", h.stopOne)
		r.Get("/status", h.status)
		r.Get("/timeline", h.timeline)
		r.Delete("/timeline", h.clearTimeline)
		r.Get("/permissions", h.permissions)
	})

	return r
}

func (h *Handler) startOne(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceParam(w, r)
	if !ok {
		return
	}

	info, err := h.reg.Start(r.Context(), src)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) stopOne(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceParam(w, r)
	if !ok {
		return
	}

	if err := h.reg.Stop(r.Context(), src); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"source": src.String(), "state": "stopped"})
}

type startBothResponse struct {
	Summary string                         `json:"summary"`
	Results map[string]*recorder.StartInfo `json:"results"`
	Errors  map[string]map[string]string   `json:"errors,omitempty"`
}

func (h *Handler) startBoth(w http.ResponseWriter, r *http.Request) {
	res := h.reg.StartBoth(r.Context())

	resp := startBothResponse{
		Summary: res.Summary(),
		Results: make(map[string]*recorder.StartInfo),
	}
	for src, info := range res.Results {
		resp.Results[src.String()] = info
	}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]map[string]string)
		for src, err := range res.Errors {
			resp.Errors[src.String()] = errorBody(err)
		}
	}

	// Partial success is a successful operation; only a total failure
	// surfaces as an error status.
	status := http.StatusCreated
	if resp.Summary == "failure" {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	res := h.reg.StopAll(r.Context())
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": h.reg.Status()})
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": h.reg.Timeline()})
}

func (h *Handler) clearTimeline(w http.ResponseWriter, r *http.Request) {
	h.reg.ClearTimeline()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	if h.checkPerm == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"authorized": true, "checked": false})
		return
	}
	authorized, err := h.checkPerm(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"authorized": authorized, "checked": true})
}

func (h *Handler) sourceParam(w http.ResponseWriter, r *http.Request) (source.Source, bool) {
	src, err := source.Parse(chi.URLParam(r, "source"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody(err))
		return source.Unknown, false
	}
	return src, true
}

// writeError maps pipeline errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recorder.ErrAlreadyActive), errors.Is(err, recorder.ErrNotActive):
		status = http.StatusConflict
	default:
		switch capture.CodeOf(err) {
		case capture.PermissionDenied:
			status = http.StatusForbidden
		case capture.DeviceUnavailable:
			status = http.StatusServiceUnavailable
		case capture.Timeout:
			status = http.StatusGatewayTimeout
		case capture.ProcessSpawnFailed, capture.ProcessExitedEarly, capture.ProtocolError:
			status = http.StatusBadGateway
		}
	}
	h.writeJSON(w, status, errorBody(err))
}

func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if code := capture.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	return body
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}
