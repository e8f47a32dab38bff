package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kalambet/gemi/internal/catalog"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/storage"
)

func TestDownload_CompletesAndVerifies(t *testing.T) {
	var shardSum string
	h := newHarness(t, 64<<10, func(m *catalog.Manifest) {
		_, contents := testBundle(64 << 10)
		s := sha256.Sum256(contents["model-00001-of-00002.bin"])
		shardSum = hex.EncodeToString(s[:])
		m.Files[3].SHA256 = shardSum
	})

	final := h.run(t)
	require.Equal(t, Completed, final.Phase, "final state: %v", final)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, h.totalSize(), final.BytesTotal)

	for name, want := range h.contents {
		got, err := os.ReadFile(filepath.Join(h.dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
		_, err = os.Stat(filepath.Join(h.dir, name+partSuffix))
		assert.True(t, os.IsNotExist(err), "leftover part file for %s", name)
	}

	toks, err := h.ledger.ListResumeTokens(h.manifest.Model)
	require.NoError(t, err)
	assert.Empty(t, toks)

	done, err := h.ledger.CompletedFiles(h.manifest.Model)
	require.NoError(t, err)
	assert.Len(t, done, len(h.manifest.Files))
	assert.Equal(t, shardSum, done["model-00001-of-00002.bin"].SHA256)

	assert.Equal(t, h.totalSize(), h.transport.served.Load())
}

func TestDownload_ResumesWithoutRetransfer(t *testing.T) {
	const shard = 1 << 20
	h := newHarness(t, shard, nil)
	url := h.url("model-00001-of-00002.bin")
	h.transport.failAt[url] = shard * 4 / 10

	final := h.run(t)
	require.Equal(t, Completed, final.Phase, "final state: %v", final)

	// Every byte crossed the wire exactly once.
	assert.Equal(t, h.totalSize(), h.transport.served.Load())
	assert.Equal(t, 2, h.transport.openCount(url))

	attempts, err := h.ledger.RecentAttempts(h.manifest.Model, 50)
	require.NoError(t, err)
	var interrupted, resumed *storage.Attempt
	for i := range attempts {
		a := &attempts[i]
		if a.File != "model-00001-of-00002.bin" {
			continue
		}
		switch a.Outcome {
		case storage.OutcomeInterrupted:
			interrupted = a
		case storage.OutcomeCompleted:
			resumed = a
		}
	}
	require.NotNil(t, interrupted)
	require.NotNil(t, resumed)
	assert.Equal(t, int64(shard*4/10), interrupted.Bytes)
	assert.Equal(t, "network", interrupted.ErrorKind)
	assert.Equal(t, int64(shard*4/10), resumed.Offset)
	assert.Equal(t, int64(shard-shard*4/10), resumed.Bytes)
}

func TestDownload_HashMismatchIsCorrupted(t *testing.T) {
	h := newHarness(t, 32<<10, func(m *catalog.Manifest) {
		m.Files[4].SHA256 = strings.Repeat("ab", 32)
	})

	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)
	states := drain(t, ch)

	for _, st := range states {
		assert.NotEqual(t, Completed, st.Phase)
	}
	final := last(states)
	require.Equal(t, Failed, final.Phase)
	assert.Equal(t, fault.Corrupted, final.Kind)
	assert.Equal(t, "model-00002-of-00002.bin", fault.Classify(final.Err).File)

	// Nothing is deleted on corruption.
	_, err = os.Stat(filepath.Join(h.dir, "model-00002-of-00002.bin"))
	assert.NoError(t, err)
	assert.Equal(t, Failed, h.d.State().Phase)
}

func TestDownload_AuthRequiredIsNotRetried(t *testing.T) {
	h := newHarness(t, 16<<10, nil)
	url := h.url("tokenizer.json")
	h.transport.status[url] = 401

	final := h.run(t)
	require.Equal(t, Failed, final.Phase)
	assert.Equal(t, fault.AuthRequired, final.Kind)
	assert.Equal(t, 1, h.transport.openCount(url))
}

func TestDownload_ServerErrorsExhaustRetries(t *testing.T) {
	h := newHarness(t, 16<<10, nil)
	url := h.url("config.json")
	h.transport.status[url] = 503

	final := h.run(t)
	require.Equal(t, Failed, final.Phase)
	assert.Equal(t, fault.Server, final.Kind)
	assert.Equal(t, 3, h.transport.openCount(url))
}

func TestDownload_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, 512<<10, nil)
	h.transport.failAt[h.url("model-00002-of-00002.bin")] = 100 << 10

	sub, unsubscribe := h.d.Subscribe()
	defer unsubscribe()

	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)

	var seen []float64
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case st := <-sub:
			seen = append(seen, st.Progress)
			if st.Terminal() {
				done = true
			}
		case <-deadline:
			t.Fatal("no terminal state")
		}
	}
	drain(t, ch)

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress regressed at %d: %v", i, seen)
	}
	assert.Equal(t, 1.0, seen[len(seen)-1])
}

func TestDownload_StartJoinsInFlightTransfer(t *testing.T) {
	h := newHarness(t, 64<<10, nil)
	url := h.url("model-00001-of-00002.bin")
	h.transport.stall[url] = 1 << 10

	ch1, err := h.d.Start(context.Background())
	require.NoError(t, err)
	ch2, err := h.d.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.transport.openCount(url) == 1 }, 5*time.Second, 5*time.Millisecond)
	close(h.transport.release)

	assert.Equal(t, Completed, last(drain(t, ch1)).Phase)
	assert.Equal(t, Completed, last(drain(t, ch2)).Phase)
	assert.Equal(t, 1, h.transport.openCount(url))
}

func TestDownload_CancelKeepsResumeToken(t *testing.T) {
	const shard = 256 << 10
	h := newHarness(t, shard, nil)
	url := h.url("model-00001-of-00002.bin")
	h.transport.stall[url] = 100 << 10

	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		// Every other file has landed and the stalled shard holds its first 100 KiB.
		done, err := h.ledger.CompletedFiles(h.manifest.Model)
		if err != nil || len(done) != len(h.manifest.Files)-1 {
			return false
		}
		info, err := os.Stat(filepath.Join(h.dir, "model-00001-of-00002.bin"+partSuffix))
		return err == nil && info.Size() == 100<<10
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.Cancel(context.Background()))
	final := last(drain(t, ch))
	require.Equal(t, Failed, final.Phase)
	assert.Equal(t, fault.Cancelled, final.Kind)

	tok, err := h.ledger.LoadResumeToken(h.manifest.Model, "model-00001-of-00002.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	// Manual retry resumes from the token: Failed -> Downloading -> Completed.
	delete(h.transport.stall, url)
	before := h.transport.served.Load()
	final = h.run(t)
	require.Equal(t, Completed, final.Phase, "final state: %v", final)
	assert.Equal(t, int64(shard-100<<10), h.transport.served.Load()-before)
}

func TestDownload_ClearCacheMidDownload(t *testing.T) {
	h := newHarness(t, 128<<10, nil)
	url := h.url("model-00001-of-00002.bin")
	h.transport.stall[url] = 10 << 10

	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.transport.openCount(url) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.ClearCache(context.Background()))
	drain(t, ch)

	assert.Equal(t, NotStarted, h.d.State().Phase)
	_, err = os.Stat(h.dir)
	assert.True(t, os.IsNotExist(err))
	toks, err := h.ledger.ListResumeTokens(h.manifest.Model)
	require.NoError(t, err)
	assert.Empty(t, toks)

	// A fresh start after clearing downloads everything again.
	delete(h.transport.stall, url)
	assert.Equal(t, Completed, h.run(t).Phase)
}

func TestDownload_StalledBodyIsResumed(t *testing.T) {
	const shard = 64 << 10
	h := newHarness(t, shard, nil)
	h.d.stall = 50 * time.Millisecond
	url := h.url("model-00001-of-00002.bin")
	h.transport.stall[url] = 1 << 10 // never released

	final := h.run(t)
	require.Equal(t, Completed, final.Phase, "final state: %v", final)
	assert.Equal(t, 2, h.transport.openCount(url))
	assert.Equal(t, h.totalSize(), h.transport.served.Load(), "stalled bytes were fetched twice")

	attempts, err := h.ledger.RecentAttempts(h.manifest.Model, 20)
	require.NoError(t, err)
	var stalled *storage.Attempt
	for i, a := range attempts {
		if a.File == "model-00001-of-00002.bin" && a.Outcome == storage.OutcomeInterrupted {
			stalled = &attempts[i]
		}
	}
	require.NotNil(t, stalled, "no interrupted attempt recorded: %+v", attempts)
	assert.Equal(t, fault.Network.String(), stalled.ErrorKind)
	assert.Equal(t, int64(1<<10), stalled.Bytes)
	assert.Contains(t, stalled.Error, ErrStalled.Error())
}

func TestDownload_ProgressPublicationIsThrottled(t *testing.T) {
	m, contents := testBundle(1 << 10)
	tr := newFakeTransport()
	for _, f := range m.Files {
		tr.files[m.URL(f)] = contents[f.Name]
	}
	ledger, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	d, err := New(Options{
		Manifest:         m,
		Dir:              t.TempDir(),
		Transport:        tr,
		Ledger:           ledger,
		ProgressInterval: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, rate.Every(time.Hour), d.limiter.Limit())

	ch, unsubscribe := d.Subscribe()
	defer unsubscribe()
	require.Equal(t, NotStarted, (<-ch).Phase)

	set := func(st State) {
		d.mu.Lock()
		d.setLocked(st)
		d.mu.Unlock()
	}
	pending := func() (State, bool) {
		select {
		case st := <-ch:
			return st, true
		default:
			return State{}, false
		}
	}

	set(State{Phase: Downloading})
	st, ok := pending()
	require.True(t, ok, "phase change was not delivered")
	assert.Equal(t, Downloading, st.Phase)

	set(State{Phase: Downloading, Progress: 0.1})
	st, ok = pending()
	require.True(t, ok, "first progress update was not delivered")
	assert.Equal(t, 0.1, st.Progress)

	set(State{Phase: Downloading, Progress: 0.2})
	set(State{Phase: Downloading, Progress: 0.3})
	st, ok = pending()
	assert.False(t, ok, "progress inside the interval was delivered: %v", st)
	assert.Equal(t, 0.3, d.State().Progress)

	set(State{Phase: Failed, Progress: 0.3, Kind: fault.Network, Err: errors.New("reset")})
	st, ok = pending()
	require.True(t, ok, "terminal state was throttled")
	assert.Equal(t, Failed, st.Phase)
	assert.Equal(t, 0.3, st.Progress)
}

func TestDownload_DiskSpacePreflight(t *testing.T) {
	h := newHarness(t, 64<<10, nil)
	h.d.freeSpace = func(string) (uint64, error) { return 1024, nil }

	final := h.run(t)
	require.Equal(t, Failed, final.Phase)
	assert.Equal(t, fault.DiskSpace, final.Kind)
	for _, f := range h.manifest.Files {
		assert.Zero(t, h.transport.openCount(h.manifest.URL(f)))
	}
}

func TestCheckSpace(t *testing.T) {
	h := newHarness(t, 64<<10, nil)
	h.d.freeSpace = func(string) (uint64, error) { return 1024, nil }
	err := h.d.CheckSpace(context.Background())
	assert.Equal(t, fault.DiskSpace, fault.KindOf(err))

	h.d.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	assert.NoError(t, h.d.CheckSpace(context.Background()))
	require.Equal(t, Completed, h.run(t).Phase)

	// Nothing is missing once the bundle is on disk.
	h.d.freeSpace = func(string) (uint64, error) { return 0, nil }
	assert.NoError(t, h.d.CheckSpace(context.Background()))
}

func TestDownload_CompletedStartYieldsSingleState(t *testing.T) {
	h := newHarness(t, 8<<10, nil)
	require.Equal(t, Completed, h.run(t).Phase)

	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)
	states := drain(t, ch)
	require.Len(t, states, 1)
	assert.Equal(t, Completed, states[0].Phase)
}

func TestProbe_FindsExistingBundle(t *testing.T) {
	h := newHarness(t, 8<<10, nil)
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	for name, data := range h.contents {
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, name), data, 0o644))
	}

	st := h.d.Probe(context.Background())
	assert.Equal(t, Completed, st.Phase)
	assert.Equal(t, h.totalSize(), st.BytesTotal)
	assert.Zero(t, h.transport.served.Load())
	require.NoError(t, h.d.Verify(context.Background()))
}

func TestProbe_IncompleteBundleStaysNotStarted(t *testing.T) {
	h := newHarness(t, 8<<10, nil)
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "config.json"), h.contents["config.json"], 0o644))

	assert.Equal(t, NotStarted, h.d.Probe(context.Background()).Phase)
}

func TestVerify_DetectsTamperedFile(t *testing.T) {
	h := newHarness(t, 8<<10, func(m *catalog.Manifest) {
		_, contents := testBundle(8 << 10)
		s := sha256.Sum256(contents["config.json"])
		m.Files[0].SHA256 = hex.EncodeToString(s[:])
	})
	require.Equal(t, Completed, h.run(t).Phase)

	path := filepath.Join(h.dir, "config.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = h.d.Verify(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Corrupted, fault.KindOf(err))
}

func TestWatch_BundleRemoval(t *testing.T) {
	h := newHarness(t, 8<<10, nil)
	require.Equal(t, Completed, h.run(t).Phase)

	removed := make(chan struct{}, 1)
	h.d.OnRemoved(func() { removed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- h.d.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.RemoveAll(h.dir))

	select {
	case <-removed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnRemoved not called")
	}
	assert.Equal(t, NotStarted, h.d.State().Phase)

	cancel()
	require.NoError(t, <-watchErr)
}

func TestNew_Validation(t *testing.T) {
	m, _ := testBundle(10)
	_, err := New(Options{Manifest: m, Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(Options{Dir: t.TempDir(), Transport: newFakeTransport()})
	assert.Error(t, err)

	bad := &catalog.Manifest{Model: "x", Files: []catalog.File{{Name: "config.json"}}}
	_, err = New(Options{Manifest: bad, Dir: t.TempDir(), Transport: newFakeTransport(), Ledger: &storage.Store{}})
	assert.Error(t, err)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, storage.OutcomeCompleted, outcomeOf(nil))
	assert.Equal(t, storage.OutcomeCancelled, outcomeOf(context.Canceled))
	assert.Equal(t, storage.OutcomeInterrupted, outcomeOf(&fault.StatusError{Code: 502}))
	assert.Equal(t, storage.OutcomeFailed, outcomeOf(errors.New("odd")))
}
