// Package download provisions a model bundle on local disk. Transfers are
// resumable through opaque tokens kept in the storage ledger, retried with
// the download retry policy and verified against the catalog manifest
// before the bundle is reported complete.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/gemi/internal/catalog"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/metrics"
	"github.com/kalambet/gemi/internal/retry"
	"github.com/kalambet/gemi/internal/storage"
)

const (
	partSuffix      = ".part"
	checkpointEvery = 8 << 20
	copyBufferSize  = 256 << 10
)

var (
	// ErrInProgress is returned by operations that need the bundle at rest.
	ErrInProgress = errors.New("download in progress")

	// ErrStalled ends an attempt whose body stopped delivering bytes.
	ErrStalled = errors.New("transfer stalled")
)

// Ledger persists per-file transfer state across attempts and restarts.
// *storage.Store implements it.
type Ledger interface {
	LoadResumeToken(model, file string) ([]byte, error)
	SaveResumeToken(model, file string, token []byte) error
	DeleteResumeToken(model, file string) error
	MarkFileComplete(f storage.CompletedFile) error
	CompletedFiles(model string) (map[string]storage.CompletedFile, error)
	RecordAttempt(a storage.Attempt) error
	ForgetModel(model string) error
}

// Options configures a Downloader.
type Options struct {
	Manifest    *catalog.Manifest
	Dir         string // bundle directory; files land directly inside it
	Transport   Transport
	Ledger      Ledger
	Retry       retry.Config // zero value means retry.Download()
	Concurrency int          // parallel file fetches, default 1
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// ProgressInterval throttles Downloading states sent to subscribers.
	// Phase changes are always delivered. Default 250ms.
	ProgressInterval time.Duration

	// StallTimeout is how long a body read may wait for data before the
	// attempt is abandoned and retried from its checkpoint. Default 60s.
	StallTimeout time.Duration
}

// Downloader owns the download state of one bundle. At most one transfer
// is in flight at a time.
type Downloader struct {
	manifest  *catalog.Manifest
	dir       string
	transport Transport
	ledger    Ledger
	retry     retry.Config
	workers   int
	stall     time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	freeSpace func(string) (uint64, error)
	now       func() time.Time

	opMu sync.Mutex // serialises Start and ClearCache

	mu        sync.Mutex
	state     State
	run       *run
	subs      map[*subscriber]struct{}
	limiter   *rate.Limiter
	onRemoved func()
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type subscriber struct {
	ch   chan State
	once bool // closed after the first terminal state
}

// New validates opts and returns a Downloader in the NotStarted phase.
func New(opts Options) (*Downloader, error) {
	if opts.Manifest == nil {
		return nil, errors.New("download: manifest is required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		return nil, errors.New("download: destination directory is required")
	}
	if opts.Transport == nil || opts.Ledger == nil {
		return nil, errors.New("download: transport and ledger are required")
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.Download()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}

	return &Downloader{
		manifest:  opts.Manifest,
		dir:       opts.Dir,
		transport: opts.Transport,
		ledger:    opts.Ledger,
		retry:     opts.Retry,
		workers:   opts.Concurrency,
		stall:     opts.StallTimeout,
		logger:    opts.Logger.With("model", opts.Manifest.Model),
		metrics:   opts.Metrics,
		freeSpace: freeSpace,
		now:       time.Now,
		subs:      make(map[*subscriber]struct{}),
		limiter:   rate.NewLimiter(rate.Every(opts.ProgressInterval), 1),
	}, nil
}

// Dir returns the bundle directory.
func (d *Downloader) Dir() string { return d.dir }

// Manifest returns the manifest the downloader provisions.
func (d *Downloader) Manifest() *catalog.Manifest { return d.manifest }

// State returns a snapshot of the current state.
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnRemoved registers fn to be called when Watch sees the bundle disappear.
func (d *Downloader) OnRemoved(fn func()) {
	d.mu.Lock()
	d.onRemoved = fn
	d.mu.Unlock()
}

// Start begins downloading the bundle, or joins the transfer already in
// flight. The returned channel yields states (latest value wins) and is
// closed after the first terminal state. A bundle that is already complete
// yields a single Completed state.
//
// The transfer is not bound to ctx's cancellation; stop it with Cancel or
// ClearCache.
func (d *Downloader) Start(ctx context.Context) (<-chan State, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run == nil && d.state.Phase != Completed {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r := &run{cancel: cancel, done: make(chan struct{})}
		d.run = r

		st := d.state
		st.Phase, st.Err, st.Kind = Downloading, nil, fault.Unknown
		d.setLocked(st)
		d.logger.Info("download started", "dir", d.dir, "files", len(d.manifest.Files))

		go d.execute(runCtx, r)
	}

	return d.subscribeLocked(true), nil
}

// Subscribe returns a channel that receives the current state and every
// subsequent published state, latest value wins. Call the returned func to
// unsubscribe; it closes the channel.
func (d *Downloader) Subscribe() (<-chan State, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.subscribeLocked(false)
	return s, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for sub := range d.subs {
			if sub.ch == s {
				delete(d.subs, sub)
				close(sub.ch)
			}
		}
	}
}

func (d *Downloader) subscribeLocked(once bool) chan State {
	s := &subscriber{ch: make(chan State, 1), once: once}
	s.ch <- d.state
	if once && d.state.Terminal() {
		close(s.ch)
		return s.ch
	}
	d.subs[s] = struct{}{}
	return s.ch
}

// Cancel stops the in-flight transfer and waits for it to wind down.
// Resume tokens captured so far are kept; the state becomes Failed with
// kind Cancelled.
func (d *Downloader) Cancel(ctx context.Context) error {
	return d.stop(ctx)
}

// Close stops any transfer. The Downloader must not be used afterwards.
func (d *Downloader) Close() error {
	return d.stop(context.Background())
}

func (d *Downloader) stop(ctx context.Context) error {
	d.mu.Lock()
	r := d.run
	d.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearCache cancels any transfer, removes the bundle directory and every
// resume token, and returns the downloader to NotStarted.
func (d *Downloader) ClearCache(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.stop(ctx); err != nil {
		return fmt.Errorf("stopping transfer: %w", err)
	}
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("removing %s: %w", d.dir, err)
	}
	if err := d.ledger.ForgetModel(d.manifest.Model); err != nil {
		return fmt.Errorf("forgetting transfer state: %w", err)
	}

	d.mu.Lock()
	d.setLocked(State{Phase: NotStarted})
	d.mu.Unlock()
	d.logger.Info("model cache cleared", "dir", d.dir)
	return nil
}

// Probe checks whether a complete bundle is already on disk (sizes only)
// and, if so, moves a NotStarted downloader straight to Completed.
func (d *Downloader) Probe(ctx context.Context) State {
	d.mu.Lock()
	idle := d.run == nil && d.state.Phase == NotStarted
	d.mu.Unlock()
	if !idle {
		return d.State()
	}

	total, err := d.verify(ctx, false)
	if err != nil {
		d.logger.Debug("bundle not present", "error", err)
		return d.State()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run == nil && d.state.Phase == NotStarted {
		d.setLocked(State{Phase: Completed, Progress: 1, BytesDone: total, BytesTotal: total})
	}
	return d.state
}

// Verify re-checks the bundle on disk, including SHA-256 digests when the
// manifest supplies them. It does not change the state.
func (d *Downloader) Verify(ctx context.Context) error {
	d.mu.Lock()
	busy := d.run != nil
	d.mu.Unlock()
	if busy {
		return ErrInProgress
	}
	_, err := d.verify(ctx, true)
	return err
}

// setLocked applies st if the transition is allowed and publishes it.
// d.mu must be held.
func (d *Downloader) setLocked(st State) {
	if !canTransition(d.state.Phase, st.Phase) {
		d.logger.Error("invalid download state transition", "from", d.state.Phase, "to", st.Phase)
		return
	}
	if st.Phase == Downloading && d.state.Phase == Downloading && st.Progress < d.state.Progress {
		st.Progress = d.state.Progress
	}
	changed := st.Phase != d.state.Phase
	d.state = st
	d.metrics.SetDownloadProgress(st.Progress)

	if changed || st.Terminal() || d.limiter.Allow() {
		d.publishLocked(st)
	}
}

func (d *Downloader) publishLocked(st State) {
	for s := range d.subs {
		// Only the publisher sends, under d.mu, so after the drain the
		// send cannot block.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- st
		if s.once && st.Terminal() {
			close(s.ch)
			delete(d.subs, s)
		}
	}
}

func (d *Downloader) onProgress(done, total int64, frac float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase != Downloading {
		return
	}
	st := d.state
	st.Progress, st.BytesDone, st.BytesTotal = frac, done, total
	d.setLocked(st)
}

func (d *Downloader) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	start := d.now()
	err := d.transfer(ctx)
	var total int64
	if err == nil {
		total, err = d.verify(ctx, true)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.run = nil

	if err != nil {
		c := fault.Classify(err)
		if c.Kind == fault.Unknown {
			d.logger.Warn("unclassified download error", "error", err)
		} else {
			d.logger.Error("download failed", "kind", c.Kind, "error", err)
		}
		d.metrics.Error(c.Kind.String())
		st := d.state
		st.Phase, st.Err, st.Kind = Failed, err, c.Kind
		d.setLocked(st)
		return
	}

	d.logger.Info("download completed", "size", humanize.Bytes(uint64(total)), "elapsed", d.now().Sub(start).Round(time.Second))
	d.setLocked(State{Phase: Completed, Progress: 1, BytesDone: total, BytesTotal: total})
}

func (d *Downloader) transfer(ctx context.Context) error {
	model := d.manifest.Model
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}
	completed, err := d.ledger.CompletedFiles(model)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	prog := newProgress(d.onProgress)
	var (
		pending   []catalog.File
		remaining int64
	)
	for _, f := range d.manifest.Files {
		size := expectedSize(f, completed)
		prog.track(f.Name, size)

		dest := filepath.Join(d.dir, f.Name)
		if info, err := os.Stat(dest); err == nil && (size < 0 || info.Size() == size) {
			prog.reset(f.Name, info.Size(), info.Size())
			continue
		}
		pending = append(pending, f)
		if size > 0 {
			remaining += size - partialSize(dest+partSuffix)
		}
	}

	if err := d.preflight(remaining); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, f := range pending {
		g.Go(func() error { return d.fetchFile(gctx, f, prog) })
	}
	return g.Wait()
}

// expectedSize is the manifest size, else the size recorded when the file
// last completed, else -1.
func expectedSize(f catalog.File, completed map[string]storage.CompletedFile) int64 {
	size := f.Size
	if c, ok := completed[f.Name]; ok && size <= 0 {
		size = c.Size
	}
	if size <= 0 {
		return -1
	}
	return size
}

// CheckSpace reports a DiskSpace fault if the bytes still missing from the
// bundle do not fit on the destination volume.
func (d *Downloader) CheckSpace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	completed, err := d.ledger.CompletedFiles(d.manifest.Model)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	var remaining int64
	for _, f := range d.manifest.Files {
		size := expectedSize(f, completed)
		dest := filepath.Join(d.dir, f.Name)
		if info, err := os.Stat(dest); err == nil && (size < 0 || info.Size() == size) {
			continue
		}
		if size > 0 {
			remaining += size - partialSize(dest+partSuffix)
		}
	}
	return d.preflight(remaining)
}

func (d *Downloader) preflight(remaining int64) error {
	if remaining <= 0 {
		return nil
	}
	free, err := d.freeSpace(d.dir)
	if err != nil {
		d.logger.Debug("free space unavailable, skipping preflight", "error", err)
		return nil
	}
	if uint64(remaining) > free {
		return fault.New(fault.DiskSpace, "preflight",
			fmt.Errorf("need %s, only %s free", humanize.Bytes(uint64(remaining)), humanize.Bytes(free)))
	}
	return nil
}

func (d *Downloader) fetchFile(ctx context.Context, f catalog.File, prog *progress) error {
	log := d.logger.With("file", f.Name)
	err := retry.Do(ctx, d.retry, fault.Retryable, func(ctx context.Context, attempt int) error {
		return d.fetchOnce(ctx, f, attempt, prog)
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		d.metrics.Retry("download")
		log.Warn("file fetch interrupted, retrying", "attempt", attempt, "delay", delay, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("fetching %s: %w", f.Name, err)
	}
	log.Debug("file complete")
	return nil
}

// fetchOnce performs one attempt at f, writing into a .part file that is
// renamed into place only once the whole file has arrived.
func (d *Downloader) fetchOnce(ctx context.Context, f catalog.File, attempt int, prog *progress) (err error) {
	model := d.manifest.Model
	dest := filepath.Join(d.dir, f.Name)
	part := dest + partSuffix

	rec := storage.Attempt{ID: uuid.NewString(), Model: model, File: f.Name, Number: attempt, StartedAt: d.now()}
	var written int64
	defer func() {
		rec.Bytes, rec.FinishedAt = written, d.now()
		rec.Outcome = outcomeOf(err)
		if err != nil {
			rec.ErrorKind, rec.Error = fault.KindOf(err).String(), err.Error()
		}
		d.metrics.DownloadAttempt(rec.Outcome)
		if lerr := d.ledger.RecordAttempt(rec); lerr != nil {
			d.logger.Warn("recording download attempt", "error", lerr)
		}
	}()

	token, err := d.ledger.LoadResumeToken(model, f.Name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading resume token: %w", err)
	}
	partInfo, statErr := os.Stat(part)
	if statErr != nil {
		// A token means nothing without the partial file it describes.
		token = nil
	}

	// The attempt context is cancelled with ErrStalled by the idle watchdog,
	// which unblocks the pending body read.
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tr, err := d.transport.Open(actx, d.manifest.URL(f), token)
	if err != nil {
		return err
	}
	defer tr.Body.Close()
	body := &idleReader{r: tr.Body, timeout: d.stall, cancel: cancel}
	rec.Offset = tr.Offset

	if tr.Offset > 0 && (statErr != nil || partInfo.Size() < tr.Offset) {
		_ = d.ledger.DeleteResumeToken(model, f.Name)
		return &fault.Error{Kind: fault.Network, Transient: true, Op: "resume", File: f.Name,
			Err: errors.New("partial file is shorter than the resume offset")}
	}
	if f.Size > 0 && tr.Size > 0 && tr.Size != f.Size {
		return fault.Corrupt(f.Name, "server reports %d bytes, manifest expects %d", tr.Size, f.Size)
	}
	expected := f.Size
	if expected <= 0 {
		expected = tr.Size
	}
	prog.reset(f.Name, tr.Offset, expected)

	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", part, err)
	}
	defer out.Close()
	if err := out.Truncate(tr.Offset); err != nil {
		return fmt.Errorf("truncating %s: %w", part, err)
	}
	if _, err := out.Seek(tr.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s: %w", part, err)
	}

	checkpoint := func() {
		if tr.Resume == nil {
			return
		}
		if err := out.Sync(); err != nil {
			return
		}
		if err := d.ledger.SaveResumeToken(model, f.Name, tr.Resume(written)); err != nil {
			d.logger.Warn("saving resume token", "file", f.Name, "error", err)
		}
	}

	buf := make([]byte, copyBufferSize)
	var sinceCheckpoint int64
	for {
		if err := ctx.Err(); err != nil {
			checkpoint()
			return err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				checkpoint()
				return fmt.Errorf("writing %s: %w", f.Name, werr)
			}
			written += int64(n)
			sinceCheckpoint += int64(n)
			prog.add(f.Name, int64(n))
			d.metrics.AddDownloadBytes(n)
			if sinceCheckpoint >= checkpointEvery {
				checkpoint()
				sinceCheckpoint = 0
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			checkpoint()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(context.Cause(actx), ErrStalled) {
				d.logger.Warn("transfer stalled", "file", f.Name, "after", d.stall, "written", written)
				return &fault.Error{Kind: fault.Network, Transient: true, Op: "read", File: f.Name, Err: ErrStalled}
			}
			return fmt.Errorf("reading %s: %w", f.Name, rerr)
		}
	}

	got := tr.Offset + written
	if expected > 0 && got < expected {
		checkpoint()
		return fmt.Errorf("reading %s: %w", f.Name, io.ErrUnexpectedEOF)
	}
	if expected > 0 && got > expected {
		return fault.Corrupt(f.Name, "received %d bytes, expected %d", got, expected)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", part, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("moving %s into place: %w", f.Name, err)
	}
	if err := d.ledger.DeleteResumeToken(model, f.Name); err != nil {
		d.logger.Warn("deleting resume token", "file", f.Name, "error", err)
	}
	if err := d.ledger.MarkFileComplete(storage.CompletedFile{Model: model, File: f.Name, Size: got, CompletedAt: d.now()}); err != nil {
		return fmt.Errorf("recording %s: %w", f.Name, err)
	}
	return nil
}

// idleReader cancels the attempt when a single Read waits longer than
// timeout for data.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (r *idleReader) Read(p []byte) (int, error) {
	t := time.AfterFunc(r.timeout, func() { r.cancel(ErrStalled) })
	n, err := r.r.Read(p)
	t.Stop()
	return n, err
}

func outcomeOf(err error) string {
	if err == nil {
		return storage.OutcomeCompleted
	}
	c := fault.Classify(err)
	switch {
	case c.Kind == fault.Cancelled:
		return storage.OutcomeCancelled
	case c.Retryable:
		return storage.OutcomeInterrupted
	default:
		return storage.OutcomeFailed
	}
}

func partialSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
