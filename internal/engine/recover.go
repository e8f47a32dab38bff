package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/recovery"
)

// Errors returned by Recover before any handler runs.
var (
	ErrNoHandler     = errors.New("remedy has no action to run")
	ErrNotApplicable = errors.New("remedy does not apply to the current failure")
	ErrNeedsInput    = errors.New("remedy needs input")
)

// Remedies lists the options for the current failure. With no failure on
// record only the generic remedies are listed.
func (s *Service) Remedies() []recovery.Option {
	s.mu.Lock()
	current := s.failure
	s.mu.Unlock()
	return s.advisor.Options(current)
}

// Recover runs the remedy for the current failure.
func (s *Service) Recover(ctx context.Context, action recovery.Action, input string) error {
	s.mu.Lock()
	current := s.failure
	s.mu.Unlock()

	opt, ok := recovery.Find(s.advisor.Options(current), action)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotApplicable, action)
	}
	if opt.NeedsInput && input == "" {
		return fmt.Errorf("%w: %s", ErrNeedsInput, action)
	}
	if opt.Handler == nil {
		return ErrNoHandler
	}

	s.logger.Info("running remedy", "action", action, "kind", fault.KindOf(current))
	if err := opt.Handler(ctx, input); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

// Retry restarts the download when the bundle is not complete, otherwise
// re-queries readiness.
func (s *Service) Retry(ctx context.Context) error {
	switch s.downloader.Probe(ctx).Phase {
	case download.NotStarted, download.Failed:
		if _, err := s.StartDownload(ctx); err != nil {
			return err
		}
		return nil
	case download.Downloading:
		return nil
	}

	s.monitor.Invalidate()
	if !s.monitor.Check(ctx) {
		return notReady("retry", ErrNotReady)
	}
	s.clearFailure()
	return nil
}

// ClearAndRedownload wipes the bundle and starts a fresh download.
func (s *Service) ClearAndRedownload(ctx context.Context) error {
	if err := s.ClearCache(ctx); err != nil {
		return err
	}
	_, err := s.StartDownload(ctx)
	return err
}

// SetCredential stores the model host token and retries.
func (s *Service) SetCredential(ctx context.Context, token string) error {
	if s.creds == nil {
		return errors.New("no credential store configured")
	}
	if err := s.creds.SetHFToken(token); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return s.Retry(ctx)
}

// CheckConnectivity probes the model host and the inference server and
// reports every failure.
func (s *Service) CheckConnectivity(ctx context.Context) error {
	var errs []error
	if s.hostURL != "" {
		if err := s.probeHost(ctx); err != nil {
			errs = append(errs, fmt.Errorf("model host %s: %w", s.hostURL, err))
		}
	}
	if _, err := s.inference.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("inference server %s: %w", s.inference.BaseURL(), err))
	}
	if len(errs) == 0 {
		s.monitor.Invalidate()
	}
	return errors.Join(errs...)
}

func (s *Service) probeHost(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.hostURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &fault.StatusError{Code: resp.StatusCode}
	}
	return nil
}

// CheckSpace reports whether the rest of the bundle now fits on disk.
func (s *Service) CheckSpace(ctx context.Context) error {
	return s.downloader.CheckSpace(ctx)
}
