// Package api exposes the engine over a local HTTP API and an MCP stdio
// server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/engine"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/recovery"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Engine is the part of *engine.Service the API layer drives.
type Engine interface {
	Model() string
	Status(ctx context.Context) engine.Status
	Subscribe() (<-chan download.State, func())
	StartDownload(ctx context.Context) (<-chan download.State, error)
	CancelDownload(ctx context.Context) error
	ClearCache(ctx context.Context) error
	Chat(ctx context.Context, r ollama.ChatRequest) (*ollama.Stream, error)
	Ask(ctx context.Context, prompt, system string, images []string) (string, error)
	Failure() (engine.Failure, bool)
	Describe(err error) engine.Failure
	Report(err error) engine.Failure
	Remedies() []recovery.Option
	Recover(ctx context.Context, action recovery.Action, input string) error
}

type Deps struct {
	Engine  Engine
	Token   string
	Metrics http.Handler // served at /metrics when non-nil
}

// NewHandler returns the local API. /health and /metrics are open; every
// /v1 route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/download", handleStartDownload(deps))
		r.Post("/download/cancel", handleCancelDownload(deps))
		r.Delete("/download", handleClearCache(deps))
		r.Get("/download/events", handleDownloadEvents(deps))
		r.Post("/chat", handleChat(deps))
		r.Get("/recovery", handleListRecovery(deps))
		r.Post("/recovery/{action}", handleRecover(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, newStatusResponse(deps.Engine.Status(r.Context())))
	}
}

func handleStartDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The transfer outlives this request; progress is read from
		// /v1/download/events.
		if _, err := deps.Engine.StartDownload(r.Context()); err != nil {
			writeFault(w, deps.Engine.Report(err))
			return
		}
		st, unsubscribe := deps.Engine.Subscribe()
		defer unsubscribe()
		writeJSON(w, http.StatusAccepted, newDownloadState(<-st))
	}
}

func handleCancelDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.CancelDownload(r.Context()); err != nil {
			writeFault(w, deps.Engine.Describe(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.ClearCache(r.Context()); err != nil {
			writeFault(w, deps.Engine.Report(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDownloadEvents streams download states as server-sent events until
// the client goes away. The first event is the current state.
func handleDownloadEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		states, unsubscribe := deps.Engine.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				payload, err := json.Marshal(newDownloadState(st))
				if err != nil {
					slog.Error("encoding download state", "error", err)
					return
				}
				if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func handleListRecovery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := RecoveryResponse{Options: deps.Engine.Remedies()}
		if f, ok := deps.Engine.Failure(); ok {
			resp.Failure = newFailureInfo(f)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleRecover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RecoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		action := recovery.Action(chi.URLParam(r, "action"))
		err := deps.Engine.Recover(r.Context(), action, req.Input)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, engine.ErrNeedsInput):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, engine.ErrNotApplicable), errors.Is(err, engine.ErrNoHandler):
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		default:
			writeFault(w, deps.Engine.Report(err))
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, ErrorResponse{Error: ErrorBody{
		Message: fmt.Sprintf(format, args...),
		Type:    errType,
	}})
}

// writeFault reports a classified failure with its remedies.
func writeFault(w http.ResponseWriter, f engine.Failure) {
	writeJSON(w, statusForKind(f.Kind), ErrorResponse{Error: faultBody(f)})
}

func faultBody(f engine.Failure) ErrorBody {
	msg := f.Message
	if f.Err != nil {
		msg = fmt.Sprintf("%s (%v)", f.Message, f.Err)
	}
	return ErrorBody{
		Message:  msg,
		Type:     "model_error",
		Kind:     f.Kind.String(),
		Recovery: f.Recovery,
	}
}

// statusForKind picks the response code for a failure. 401 stays reserved
// for the API token, so a model host that wants credentials maps to 403.
func statusForKind(k fault.Kind) int {
	switch k {
	case fault.Network:
		return http.StatusBadGateway
	case fault.Server:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.AuthRequired:
		return http.StatusForbidden
	case fault.DiskSpace:
		return http.StatusInsufficientStorage
	case fault.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
