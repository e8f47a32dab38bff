// Package readiness answers "is the local model usable right now" from a
// short-lived cache of the inference server's health endpoint.
package readiness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/metrics"
	"github.com/kalambet/gemi/internal/ollama"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultGrace = 3

	queryTimeout = 5 * time.Second
)

// Prober queries the inference server. *ollama.Client implements it.
type Prober interface {
	Health(ctx context.Context) (ollama.Health, error)
}

// Status is the last successful observation.
type Status struct {
	Healthy     bool
	ModelLoaded bool
	Device      string
	Progress    float64 // server-side model download progress, 0 to 1
	ObservedAt  time.Time
}

// Ready reports whether the model can serve requests.
func (s Status) Ready() bool { return s.Healthy && s.ModelLoaded }

// Options tunes a Monitor. Zero values select the defaults.
type Options struct {
	TTL     time.Duration
	Grace   int // a failed query falls back to a success at most TTL*Grace old
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Monitor caches health observations. At most one query is in flight at a
// time; concurrent callers share its result.
type Monitor struct {
	prober  Prober
	ttl     time.Duration
	grace   int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	last    Status // zero until the first successful query
	lastErr error
}

func New(p Prober, opts Options) *Monitor {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Grace < 1 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		prober:  p,
		ttl:     opts.TTL,
		grace:   opts.Grace,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Check returns whether the model is usable. A success younger than the TTL
// is answered from cache without I/O. Otherwise one shared query runs; if
// it fails, a previous success no older than TTL*Grace is reused, else the
// answer is false. Failures never overwrite the cache.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	if !m.last.ObservedAt.IsZero() && m.now().Sub(m.last.ObservedAt) < m.ttl {
		ready := m.last.Ready()
		m.mu.Unlock()
		return ready
	}
	m.mu.Unlock()

	ch := m.group.DoChan("health", func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
		defer cancel()
		return m.query(qctx)
	})

	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Status).Ready()
		}
		return m.fallback(res.Err)
	case <-ctx.Done():
		return m.fallback(ctx.Err())
	}
}

func (m *Monitor) query(ctx context.Context) (Status, error) {
	h, err := m.prober.Health(ctx)
	if err != nil {
		m.metrics.HealthQuery("error")
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return Status{}, err
	}

	st := Status{
		Healthy:     h.Healthy(),
		ModelLoaded: h.ModelLoaded,
		Device:      h.Device,
		Progress:    h.DownloadProgress,
		ObservedAt:  m.now(),
	}
	if st.Ready() {
		m.metrics.HealthQuery("ready")
	} else {
		m.metrics.HealthQuery("not_ready")
	}

	m.mu.Lock()
	m.last = st
	m.lastErr = nil
	m.mu.Unlock()
	return st, nil
}

func (m *Monitor) fallback(err error) bool {
	kind := fault.KindOf(err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.last.ObservedAt.IsZero() && m.now().Sub(m.last.ObservedAt) <= m.ttl*time.Duration(m.grace) {
		m.logger.Debug("health query failed, using recent observation", "kind", kind, "error", err)
		return m.last.Ready()
	}
	if kind == fault.Unknown {
		m.logger.Warn("unclassified health query error", "error", err)
	} else {
		m.logger.Debug("health query failed", "kind", kind, "error", err)
	}
	return false
}

// Status returns the last successful observation and the error of the
// most recent failed query, if the failure is newer than that observation.
func (m *Monitor) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastErr
}

// Invalidate drops the cached observation so the next Check queries the
// server. Used when a request reveals the model was unloaded or removed.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.last = Status{}
	m.mu.Unlock()
	m.logger.Debug("readiness cache invalidated")
}
