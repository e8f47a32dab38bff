package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/gemi/internal/fault"
)

const sampleListing = `[
  {"type":"file","path":".gitattributes","size":1570},
  {"type":"file","path":"README.md","size":9000},
  {"type":"file","path":"config.json","size":4500},
  {"type":"file","path":"tokenizer.json","size":33000000,"lfs":{"oid":"1111111111111111111111111111111111111111111111111111111111111111","size":33000000}},
  {"type":"file","path":"tokenizer_config.json","size":1200},
  {"type":"directory","path":"onnx","size":0},
  {"type":"file","path":"model-00001-of-00002.safetensors","size":135,"lfs":{"oid":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","size":4900000000}},
  {"type":"file","path":"model-00002-of-00002.safetensors","size":135,"lfs":{"oid":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","size":1200000000}},
  {"type":"file","path":"model-00001-of-00003.bin","size":135,"lfs":{"oid":"cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc","size":3}}
]`

func listingServer(t *testing.T, body string, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if r.URL.Path != "/api/models/acme/tiny/tree/main" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPin(t *testing.T) {
	var auth string
	srv := listingServer(t, sampleListing, &auth)
	m := Builtin(srv.URL)
	m.Model = "acme/tiny"

	require.NoError(t, m.Pin(context.Background(), srv.Client(), "hf_tok"))
	assert.Equal(t, "Bearer hf_tok", auth)

	require.Len(t, m.Files, 5)
	assert.True(t, m.SizesKnown())
	assert.Equal(t, int64(4500+33000000+1200+4900000000+1200000000), m.TotalSize())

	shard, ok := m.Lookup("model-00001-of-00002.safetensors")
	require.True(t, ok)
	assert.Equal(t, int64(4900000000), shard.Size)
	assert.Equal(t, strings.Repeat("a", 64), shard.SHA256)

	cfg, _ := m.Lookup("config.json")
	assert.Empty(t, cfg.SHA256)
	_, ok = m.Lookup("model-00001-of-00003.bin")
	assert.False(t, ok)
	_, ok = m.Lookup("model-00001-of-00004.safetensors")
	assert.False(t, ok, "built-in shard layout survived pinning")
}

func TestPin_KeepsManifestOnFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"incomplete bundle", `[{"type":"file","path":"config.json","size":1}]`, ""},
		{"not json", `<html>`, ""},
		{"not found", sampleListing, "/elsewhere"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := listingServer(t, tt.body, nil)
			m := Builtin(srv.URL + tt.path)
			m.Model = "acme/tiny"
			before := append([]File(nil), m.Files...)

			require.Error(t, m.Pin(context.Background(), srv.Client(), ""))
			assert.Equal(t, before, m.Files)
		})
	}
}

func TestPin_GatedModelIsAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gated repo", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := Builtin(srv.URL)
	err := m.Pin(context.Background(), srv.Client(), "")
	assert.Equal(t, fault.AuthRequired, fault.KindOf(err))
}

func TestListingURL(t *testing.T) {
	m := &Manifest{Model: "google/gemma-3n-e4b-it", BaseURL: "https://huggingface.co/"}
	assert.Equal(t, "https://huggingface.co/api/models/google/gemma-3n-e4b-it/tree/main", m.ListingURL())
	m.Revision = "v1.0"
	assert.Equal(t, "https://huggingface.co/api/models/google/gemma-3n-e4b-it/tree/v1.0", m.ListingURL())
}
