package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/gemi/internal/fault"
)

// Default generation options, matching the inference server's own defaults.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
	DefaultTopK        = 40
	DefaultTopP        = 0.9
)

// Roles accepted by the chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn. Images are base64-encoded payloads.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are generation parameters. Zero fields take the defaults.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"num_predict,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
}

// Temperature is a helper for building Options literals; zero is a valid
// temperature, so the field is a pointer.
func Temperature(t float64) *float64 { return &t }

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.Temperature == nil {
		o.Temperature = Temperature(DefaultTemperature)
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.TopP <= 0 {
		o.TopP = DefaultTopP
	}
	return o
}

// ChatRequest is what callers hand to Chat. Streaming is always on.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  Options
}

// Health mirrors GET /api/health.
type Health struct {
	Status           string  `json:"status"`
	ModelLoaded      bool    `json:"model_loaded"`
	Device           string  `json:"device"`
	MPSAvailable     bool    `json:"mps_available"`
	DownloadProgress float64 `json:"download_progress"`
}

// Healthy reports whether the server considers itself up. A server that is
// still loading answers but is not healthy.
func (h Health) Healthy() bool {
	switch h.Status {
	case "healthy", "ok", "ready":
		return true
	}
	return false
}

// Client talks to the local inference server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL. Streaming responses
// have no overall deadline; callers bound them with their context.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Health queries GET /api/health. Any non-200 answer is a *fault.StatusError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/api/health", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// IsRunning reports whether the server answers its health endpoint at all.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.Health(ctx)
	return err == nil
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo is one entry of the model listing.
type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// ListModels returns the models the server has loaded. A server that is
// still loading returns an empty list.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// HasModel reports whether the given model name is loaded.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// Tag suffixes such as ":latest" are ignored.
		if strings.EqualFold(m.Name, name) || strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

// Chat opens a streaming chat completion. The returned Stream must be
// closed. Chat never retries: a failed stream cannot be resumed, so the
// caller decides whether to start over.
func (c *Client) Chat(ctx context.Context, r ChatRequest) (*Stream, error) {
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("chat: no messages")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("chat: message %d has unknown role %q", i, m.Role)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Stream:   true,
		Options:  r.Options.withDefaults(),
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return newStream(sctx, cancel, resp.Body), nil
}

// statusError converts a non-200 response into a *fault.StatusError,
// extracting the server's "detail" or "error" message when present.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Detail != "":
			msg = body.Detail
		case body.Error != "":
			msg = body.Error
		}
	}
	return &fault.StatusError{Code: resp.StatusCode, Body: msg}
}
