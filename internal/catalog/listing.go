package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/kalambet/gemi/internal/fault"
)

const maxListingSize = 4 << 20

// hostEntry is one entry of the host's repository tree listing.
type hostEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		Oid  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// ListingURL is where the host publishes the file tree of the manifest's
// model at its revision.
func (m *Manifest) ListingURL() string {
	rev := m.Revision
	if rev == "" {
		rev = "main"
	}
	base := strings.TrimRight(m.BaseURL, "/")
	return base + "/api/models/" + m.Model + "/tree/" + url.PathEscape(rev)
}

// Pin replaces the file list with the bundle files the host lists for the
// model, carrying their sizes and, for LFS objects, their SHA-256 digests.
// m is left untouched when the listing cannot be fetched or does not form a
// valid bundle.
func (m *Manifest) Pin(ctx context.Context, client *http.Client, token string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.ListingURL(), nil)
	if err != nil {
		return fmt.Errorf("creating listing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching file listing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &fault.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var entries []hostEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListingSize)).Decode(&entries); err != nil {
		return fmt.Errorf("decoding file listing: %w", err)
	}

	files := bundleFiles(entries)
	pinned := *m
	pinned.Files = files
	if err := pinned.Validate(); err != nil {
		return fmt.Errorf("host listing for %s: %w", m.Model, err)
	}
	m.Files = files
	return nil
}

// bundleFiles keeps the required files and the weight shards of one
// extension, preferring safetensors when a repository carries several.
func bundleFiles(entries []hostEntry) []File {
	shardExt := ""
	for _, e := range entries {
		if sm := shardPattern.FindStringSubmatch(e.Path); sm != nil && e.Type == "file" {
			if shardExt == "" || sm[3] == "safetensors" {
				shardExt = sm[3]
			}
		}
	}

	var files []File
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		sm := shardPattern.FindStringSubmatch(e.Path)
		switch {
		case slices.Contains(RequiredFiles, e.Path):
		case sm != nil && sm[3] == shardExt:
		default:
			continue
		}
		f := File{Name: e.Path, Size: e.Size}
		if e.LFS != nil {
			f.SHA256 = e.LFS.Oid
			if e.LFS.Size > 0 {
				f.Size = e.LFS.Size
			}
		}
		files = append(files, f)
	}
	return files
}
