package api

import (
	"time"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/engine"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/readiness"
	"github.com/kalambet/gemi/internal/recovery"
)

// DownloadState is the wire form of download.State.
type DownloadState struct {
	Phase      string  `json:"phase"`
	Progress   float64 `json:"progress"`
	BytesDone  int64   `json:"bytes_done"`
	BytesTotal int64   `json:"bytes_total,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Terminal mirrors download.State.Terminal.
func (s DownloadState) Terminal() bool {
	return s.Phase == download.Completed.String() || s.Phase == download.Failed.String()
}

func newDownloadState(st download.State) DownloadState {
	out := DownloadState{
		Phase:      st.Phase.String(),
		Progress:   st.Progress,
		BytesDone:  st.BytesDone,
		BytesTotal: st.BytesTotal,
	}
	if st.Err != nil {
		out.Kind = st.Kind.String()
		out.Error = st.Err.Error()
	}
	return out
}

type Health struct {
	Healthy     bool       `json:"healthy"`
	ModelLoaded bool       `json:"model_loaded"`
	Device      string     `json:"device,omitempty"`
	Progress    float64    `json:"progress,omitempty"`
	ObservedAt  *time.Time `json:"observed_at,omitempty"`
}

func newHealth(h readiness.Status) Health {
	out := Health{
		Healthy:     h.Healthy,
		ModelLoaded: h.ModelLoaded,
		Device:      h.Device,
		Progress:    h.Progress,
	}
	if !h.ObservedAt.IsZero() {
		at := h.ObservedAt
		out.ObservedAt = &at
	}
	return out
}

// FailureInfo is the wire form of engine.Failure.
type FailureInfo struct {
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	Detail   string            `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
	Recovery []recovery.Option `json:"recovery"`
}

func newFailureInfo(f engine.Failure) *FailureInfo {
	info := &FailureInfo{
		Kind:     f.Kind.String(),
		Message:  f.Message,
		At:       f.At,
		Recovery: f.Recovery,
	}
	if f.Err != nil {
		info.Detail = f.Err.Error()
	}
	return info
}

type StatusResponse struct {
	Ready    bool          `json:"ready"`
	Model    string        `json:"model"`
	Health   Health        `json:"health"`
	Download DownloadState `json:"download"`
	Failure  *FailureInfo  `json:"failure,omitempty"`
}

func newStatusResponse(st engine.Status) StatusResponse {
	resp := StatusResponse{
		Ready:    st.Ready,
		Model:    st.Model,
		Health:   newHealth(st.Health),
		Download: newDownloadState(st.Download),
	}
	if st.Failure != nil {
		resp.Failure = newFailureInfo(*st.Failure)
	}
	return resp
}

// ErrorBody is the "error" member of every error response, and of the
// terminal line of a chat stream that failed midway.
type ErrorBody struct {
	Message  string            `json:"message"`
	Type     string            `json:"type"`
	Kind     string            `json:"kind,omitempty"`
	Recovery []recovery.Option `json:"recovery,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ChatRequest is the body of POST /v1/chat. Options use the inference
// server's field names (num_predict for the token limit).
type ChatRequest struct {
	Model    string           `json:"model,omitempty"`
	Messages []ollama.Message `json:"messages"`
	Options  ollama.Options   `json:"options"`
}

type RecoveryRequest struct {
	Input string `json:"input"`
}

type RecoveryResponse struct {
	Failure *FailureInfo      `json:"failure,omitempty"`
	Options []recovery.Option `json:"options"`
}
