package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/gemi/internal/ollama"
)

// handleChat relays a chat stream as NDJSON, one chunk per line. Errors
// before the first byte are ordinary JSON error responses; an error after
// that ends the stream with a single {"error": ...} line.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		for i, m := range req.Messages {
			switch m.Role {
			case ollama.RoleSystem, ollama.RoleUser, ollama.RoleAssistant:
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "messages[%d]: unknown role %q", i, m.Role)
				return
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		stream, err := deps.Engine.Chat(r.Context(), ollama.ChatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Options:  req.Options,
		})
		if err != nil {
			// Chat has already recorded the failure.
			writeFault(w, deps.Engine.Describe(err))
			return
		}
		defer stream.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		for chunk, err := range stream.Chunks() {
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				f := deps.Engine.Report(err)
				enc.Encode(ErrorResponse{Error: faultBody(f)})
				flusher.Flush()
				return
			}
			if err := enc.Encode(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
