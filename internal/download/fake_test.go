package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/gemi/internal/catalog"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/retry"
	"github.com/kalambet/gemi/internal/storage"
)

// fakeTransport serves in-memory files and can interrupt, fail or stall
// individual URLs. Resume tokens are JSON offsets.
type fakeTransport struct {
	mu     sync.Mutex
	files  map[string][]byte
	failAt map[string]int64 // first body for the URL ends with ErrUnexpectedEOF at this offset
	status map[string]int
	stall  map[string]int64 // body blocks after this offset until ctx ends or release closes
	opens  map[string]int

	release chan struct{}
	served  atomic.Int64
}

type fakeToken struct {
	Offset int64 `json:"offset"`
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files:   make(map[string][]byte),
		failAt:  make(map[string]int64),
		status:  make(map[string]int),
		stall:   make(map[string]int64),
		opens:   make(map[string]int),
		release: make(chan struct{}),
	}
}

func (f *fakeTransport) Open(ctx context.Context, url string, token ResumeToken) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens[url]++
	if code := f.status[url]; code != 0 {
		return nil, &fault.StatusError{Code: code}
	}
	data, ok := f.files[url]
	if !ok {
		return nil, &fault.StatusError{Code: 404}
	}

	var off int64
	if len(token) > 0 {
		var tok fakeToken
		if err := json.Unmarshal(token, &tok); err == nil {
			off = tok.Offset
		}
	}

	var body io.Reader = bytes.NewReader(data[off:])
	if at, ok := f.failAt[url]; ok && at > off {
		delete(f.failAt, url)
		body = io.MultiReader(bytes.NewReader(data[off:at]), errReader{io.ErrUnexpectedEOF})
	} else if at, ok := f.stall[url]; ok && at > off {
		body = io.MultiReader(bytes.NewReader(data[off:at]), &stallReader{ctx: ctx, release: f.release, rest: bytes.NewReader(data[at:])})
	}

	return &Transfer{
		Body:   io.NopCloser(&countingReader{r: body, n: &f.served}),
		Offset: off,
		Size:   int64(len(data)),
		Resume: func(written int64) ResumeToken {
			b, _ := json.Marshal(fakeToken{Offset: off + written})
			return b
		},
	}, nil
}

func (f *fakeTransport) openCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[url]
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

type stallReader struct {
	ctx     context.Context
	release chan struct{}
	rest    io.Reader
}

func (s *stallReader) Read(p []byte) (int, error) {
	select {
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	case <-s.release:
		return s.rest.Read(p)
	}
}

// testBundle builds a manifest plus file contents for a small two-shard bundle.
func testBundle(shardSize int) (*catalog.Manifest, map[string][]byte) {
	m := &catalog.Manifest{Model: "acme/tiny", Revision: "main", BaseURL: "https://models.test"}
	contents := map[string][]byte{
		"config.json":              []byte(`{"model_type":"tiny"}`),
		"tokenizer.json":           []byte(`{"version":"1.0"}`),
		"tokenizer_config.json":    []byte(`{}`),
		"model-00001-of-00002.bin": pattern(shardSize, 1),
		"model-00002-of-00002.bin": pattern(shardSize/2, 7),
	}
	for _, name := range []string{"config.json", "tokenizer.json", "tokenizer_config.json", "model-00001-of-00002.bin", "model-00002-of-00002.bin"} {
		m.Files = append(m.Files, catalog.File{Name: name, Size: int64(len(contents[name]))})
	}
	return m, contents
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) ^ seed
	}
	return b
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

type harness struct {
	d         *Downloader
	ledger    *storage.Store
	transport *fakeTransport
	manifest  *catalog.Manifest
	contents  map[string][]byte
	dir       string
}

func newHarness(t *testing.T, shardSize int, tweak func(*catalog.Manifest)) *harness {
	t.Helper()
	m, contents := testBundle(shardSize)
	if tweak != nil {
		tweak(m)
	}

	tr := newFakeTransport()
	for _, f := range m.Files {
		tr.files[m.URL(f)] = contents[f.Name]
	}

	ledger, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	dir := t.TempDir() + "/bundle"
	d, err := New(Options{
		Manifest:         m,
		Dir:              dir,
		Transport:        tr,
		Ledger:           ledger,
		Retry:            fastRetry(),
		Concurrency:      2,
		ProgressInterval: time.Nanosecond,
	})
	require.NoError(t, err)
	d.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	t.Cleanup(func() { d.Close() })

	return &harness{d: d, ledger: ledger, transport: tr, manifest: m, contents: contents, dir: dir}
}

func (h *harness) url(name string) string {
	f, _ := h.manifest.Lookup(name)
	return h.manifest.URL(f)
}

func (h *harness) totalSize() int64 {
	var n int64
	for _, c := range h.contents {
		n += int64(len(c))
	}
	return n
}

// drain reads ch until it closes and returns every state received.
func drain(t *testing.T, ch <-chan State) []State {
	t.Helper()
	var states []State
	timeout := time.After(10 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return states
			}
			states = append(states, st)
		case <-timeout:
			t.Fatalf("state stream did not close; last states: %v", states)
		}
	}
}

func last(states []State) State {
	if len(states) == 0 {
		return State{}
	}
	return states[len(states)-1]
}

func (h *harness) run(t *testing.T) State {
	t.Helper()
	ch, err := h.d.Start(context.Background())
	require.NoError(t, err)
	return last(drain(t, ch))
}
