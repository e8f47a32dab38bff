package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/retry"
)

// defaultLoadWait bounds how long EnsureReady waits for the inference
// server to load a freshly downloaded bundle.
var defaultLoadWait = retry.Config{
	MaxAttempts:  30,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   1.5,
}

// EnsureReady checks that the model is usable. A missing bundle is
// downloaded with progress output written to w, then the inference server
// is given time to load it and a one-token warm-up request is sent.
func (s *Service) EnsureReady(ctx context.Context, w io.Writer) error {
	if s.monitor.Check(ctx) {
		fmt.Fprintf(w, "model %s: ready\n", s.model)
		return nil
	}

	if st := s.downloader.Probe(ctx); st.Phase != download.Completed {
		fmt.Fprintf(w, "model %s: downloading...\n", s.model)
		if err := s.awaitDownload(ctx, w); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "model %s: waiting for %s to load it...\n", s.model, s.inference.BaseURL())
	err := retry.Do(ctx, s.loadWait, loading, func(ctx context.Context, _ int) error {
		h, err := s.inference.Health(ctx)
		if err != nil {
			return err
		}
		if !h.Healthy() || !h.ModelLoaded {
			return notReady("load", fmt.Errorf("%w: server %s", ErrNotReady, h.Status))
		}
		return nil
	})
	if err != nil {
		s.Report(err)
		return fmt.Errorf("model %s did not load: %w", s.model, err)
	}
	s.monitor.Invalidate()

	stream, err := s.Chat(ctx, ollama.ChatRequest{
		Messages: []ollama.Message{{Role: ollama.RoleUser, Content: "ping"}},
		Options:  ollama.Options{MaxTokens: 1},
	})
	if err != nil {
		return fmt.Errorf("warm-up request: %w", err)
	}
	if _, _, err := stream.Collect(); err != nil {
		s.Report(err)
		return fmt.Errorf("warm-up request: %w", err)
	}

	fmt.Fprintf(w, "model %s: ready\n", s.model)
	return nil
}

// loading retries while the server is unreachable or still loading.
func loading(err error) bool {
	return errors.Is(err, ErrNotReady) || fault.Retryable(err)
}

func (s *Service) awaitDownload(ctx context.Context, w io.Writer) error {
	states, err := s.StartDownload(ctx)
	if err != nil {
		return err
	}

	lastPct := -1
	var final download.State
loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				break loop
			}
			final = st
			if st.Phase != download.Downloading {
				continue
			}
			if pct := int(st.Progress * 100); pct != lastPct {
				lastPct = pct
				if st.BytesTotal > 0 {
					fmt.Fprintf(w, "  %3d%% %s / %s\n", pct, humanize.Bytes(uint64(st.BytesDone)), humanize.Bytes(uint64(st.BytesTotal)))
				} else {
					fmt.Fprintf(w, "  %3d%% %s\n", pct, humanize.Bytes(uint64(st.BytesDone)))
				}
			}
		}
	}

	if final.Phase != download.Completed {
		s.recordFailure(final.Err)
		return fmt.Errorf("downloading model %s: %w", s.model, final.Err)
	}
	fmt.Fprintf(w, "model %s: downloaded (%s)\n", s.model, humanize.Bytes(uint64(final.BytesTotal)))
	return nil
}
