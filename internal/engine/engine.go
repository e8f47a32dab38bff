// Package engine wires the model lifecycle together: readiness gates chat,
// the downloader provisions the bundle, and every surfaced failure is
// classified and paired with recovery options.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/metrics"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/readiness"
	"github.com/kalambet/gemi/internal/recovery"
	"github.com/kalambet/gemi/internal/retry"
)

// ErrNotReady is returned when chat is requested before the model is usable.
var ErrNotReady = errors.New("model is not ready")

// Inference abstracts the local inference server. *ollama.Client
// implements it.
type Inference interface {
	Health(ctx context.Context) (ollama.Health, error)
	Chat(ctx context.Context, r ollama.ChatRequest) (*ollama.Stream, error)
	BaseURL() string
}

// CredentialStore persists the access token for the model host.
type CredentialStore interface {
	SetHFToken(token string) error
}

// Options configures a Service. Inference, Downloader and Monitor are
// required.
type Options struct {
	Inference   Inference
	Downloader  *download.Downloader
	Monitor     *readiness.Monitor
	Credentials CredentialStore

	Model        string         // model name sent with chat requests
	ChatDefaults ollama.Options // applied to zero fields of each request
	ChatRetry    retry.Config   // restarts of a chat request before any chunk arrives
	LoadWait     retry.Config   // polling while the server loads a new bundle

	// HostURL is probed by the connectivity check, typically the download
	// base URL.
	HostURL    string
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Failure is the most recent surfaced error with its remedies.
type Failure struct {
	Kind     fault.Kind
	Message  string
	Err      error
	At       time.Time
	Recovery []recovery.Option
}

// Status is a point-in-time view of the whole lifecycle.
type Status struct {
	Ready    bool
	Model    string
	Health   readiness.Status
	Download download.State
	Failure  *Failure
}

// Service owns the components and is the single entry point for the API,
// MCP and CLI layers.
type Service struct {
	inference  Inference
	downloader *download.Downloader
	monitor    *readiness.Monitor
	creds      CredentialStore
	advisor    *recovery.Advisor

	model        string
	chatDefaults ollama.Options
	chatRetry    retry.Config
	loadWait     retry.Config
	hostURL      string
	httpClient   *http.Client

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	failure error
	failAt  time.Time
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Inference == nil || opts.Downloader == nil || opts.Monitor == nil {
		return nil, errors.New("engine: inference, downloader and monitor are required")
	}
	if opts.ChatRetry == (retry.Config{}) {
		opts.ChatRetry = retry.Default()
	}
	if err := opts.ChatRetry.Validate(); err != nil {
		return nil, err
	}
	if opts.LoadWait == (retry.Config{}) {
		opts.LoadWait = defaultLoadWait
	}
	if err := opts.LoadWait.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Model == "" {
		opts.Model = opts.Downloader.Manifest().Model
	}

	s := &Service{
		inference:    opts.Inference,
		downloader:   opts.Downloader,
		monitor:      opts.Monitor,
		creds:        opts.Credentials,
		model:        opts.Model,
		chatDefaults: opts.ChatDefaults,
		chatRetry:    opts.ChatRetry,
		loadWait:     opts.LoadWait,
		hostURL:      opts.HostURL,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	m := opts.Downloader.Manifest()
	modelURL := strings.TrimRight(m.BaseURL, "/") + "/" + m.Model
	s.advisor = recovery.New(s, modelURL, opts.Downloader.Dir(), opts.Logger)
	opts.Downloader.OnRemoved(s.monitor.Invalidate)
	return s, nil
}

// Model returns the model name used for chat.
func (s *Service) Model() string { return s.model }

// Downloader exposes the downloader for state subscriptions.
func (s *Service) Downloader() *download.Downloader { return s.downloader }

// Subscribe follows download state. See download.Downloader.Subscribe.
func (s *Service) Subscribe() (<-chan download.State, func()) {
	return s.downloader.Subscribe()
}

// Run tracks download outcomes and watches the bundle directory until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.downloader.Probe(ctx)

	states, unsubscribe := s.downloader.Subscribe()
	defer unsubscribe()

	watchErr := make(chan error, 1)
	go func() { watchErr <- s.downloader.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			if watchErr != nil {
				<-watchErr
			}
			return nil
		case err := <-watchErr:
			if err != nil {
				s.logger.Warn("bundle watcher stopped", "error", err)
			}
			watchErr = nil
		case st := <-states:
			s.observe(st)
		}
	}
}

// observe records download failures and clears them on success.
func (s *Service) observe(st download.State) {
	switch st.Phase {
	case download.Failed:
		s.recordFailure(st.Err)
	case download.Completed:
		s.clearFailure()
		s.monitor.Invalidate()
	}
}

// Ready reports whether the model can serve chat right now.
func (s *Service) Ready(ctx context.Context) bool {
	return s.monitor.Check(ctx)
}

// Status collects readiness, download state and the current failure.
func (s *Service) Status(ctx context.Context) Status {
	ready := s.monitor.Check(ctx)
	health, _ := s.monitor.Status()
	st := Status{
		Ready:    ready,
		Model:    s.model,
		Health:   health,
		Download: s.downloader.State(),
	}
	if f, ok := s.Failure(); ok {
		st.Failure = &f
	}
	return st
}

// Failure returns the current failure, if any.
func (s *Service) Failure() (Failure, bool) {
	s.mu.Lock()
	err, at := s.failure, s.failAt
	s.mu.Unlock()
	if err == nil {
		return Failure{}, false
	}
	return s.describe(err, at), true
}

// Describe classifies err and pairs it with remedies without recording it.
func (s *Service) Describe(err error) Failure {
	return s.describe(err, time.Now())
}

func (s *Service) describe(err error, at time.Time) Failure {
	kind := fault.KindOf(err)
	return Failure{
		Kind:     kind,
		Message:  kind.Message(),
		Err:      err,
		At:       at,
		Recovery: s.advisor.Options(err),
	}
}

// Report records err as the current failure and returns it with remedies.
func (s *Service) Report(err error) Failure {
	s.recordFailure(err)
	s.metrics.Error(fault.KindOf(err).String())
	return s.Describe(err)
}

func (s *Service) recordFailure(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.failure, s.failAt = err, time.Now()
	s.mu.Unlock()
}

func (s *Service) clearFailure() {
	s.mu.Lock()
	s.failure = nil
	s.mu.Unlock()
}

// StartDownload starts or joins the bundle download. See
// download.Downloader.Start.
func (s *Service) StartDownload(ctx context.Context) (<-chan download.State, error) {
	s.clearFailure()
	return s.downloader.Start(ctx)
}

// CancelDownload stops the transfer, keeping what was fetched.
func (s *Service) CancelDownload(ctx context.Context) error {
	return s.downloader.Cancel(ctx)
}

// ClearCache removes the bundle from disk and forgets the cached readiness.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.downloader.ClearCache(ctx); err != nil {
		return err
	}
	s.monitor.Invalidate()
	s.clearFailure()
	return nil
}

// Chat opens a chat stream once the model is ready. Opening is retried with
// the chat retry policy; a stream that has started is never restarted here,
// so the caller decides whether to resend.
func (s *Service) Chat(ctx context.Context, r ollama.ChatRequest) (*ollama.Stream, error) {
	if !s.monitor.Check(ctx) {
		s.metrics.ChatStream("not_ready")
		return nil, notReady("chat", ErrNotReady)
	}
	if r.Model == "" {
		r.Model = s.model
	}
	r.Options = mergeOptions(r.Options, s.chatDefaults)

	var stream *ollama.Stream
	err := retry.Do(ctx, s.chatRetry, fault.Retryable, func(ctx context.Context, attempt int) error {
		st, err := s.inference.Chat(ctx, r)
		if err != nil {
			var se *fault.StatusError
			if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
				// The server is loading or lost the model.
				s.monitor.Invalidate()
			}
			return err
		}
		stream = st
		return nil
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		s.metrics.Retry("chat")
		s.logger.Warn("chat request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}))
	if err != nil {
		s.metrics.ChatStream("failed")
		s.Report(err)
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}
	s.metrics.ChatStream("opened")
	return stream, nil
}

// Ask sends a single prompt and waits for the whole reply.
func (s *Service) Ask(ctx context.Context, prompt, system string, images []string) (string, error) {
	var msgs []ollama.Message
	if system != "" {
		msgs = append(msgs, ollama.Message{Role: ollama.RoleSystem, Content: system})
	}
	msgs = append(msgs, ollama.Message{Role: ollama.RoleUser, Content: prompt, Images: images})

	stream, err := s.Chat(ctx, ollama.ChatRequest{Messages: msgs})
	if err != nil {
		return "", err
	}
	text, _, err := stream.Collect()
	if err != nil {
		s.metrics.ChatStream("interrupted")
		s.Report(err)
		return text, fmt.Errorf("reading reply: %w", err)
	}
	s.metrics.ChatStream("completed")
	return text, nil
}

// notReady wraps err as a Server fault.
func notReady(op string, err error) error {
	return &fault.Error{Kind: fault.Server, Op: op, Err: err}
}

func mergeOptions(o, defaults ollama.Options) ollama.Options {
	if o.Temperature == nil {
		o.Temperature = defaults.Temperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaults.MaxTokens
	}
	if o.TopK <= 0 {
		o.TopK = defaults.TopK
	}
	if o.TopP <= 0 {
		o.TopP = defaults.TopP
	}
	return o
}
