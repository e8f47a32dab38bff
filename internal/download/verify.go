package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/gemi/internal/catalog"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/storage"
)

// verify checks every manifest file on disk and returns the bundle size.
// Sizes are compared against the manifest, falling back to the size
// recorded when the file completed. With hash set, files that carry a
// SHA-256 in the manifest are hashed as well.
func (d *Downloader) verify(ctx context.Context, hash bool) (int64, error) {
	model := d.manifest.Model
	completed, err := d.ledger.CompletedFiles(model)
	if err != nil {
		return 0, fmt.Errorf("loading ledger: %w", err)
	}

	names := make([]string, 0, len(d.manifest.Files))
	var total int64
	for _, f := range d.manifest.Files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		path := filepath.Join(d.dir, f.Name)
		info, err := os.Stat(path)
		if err != nil {
			return 0, fault.Corrupt(f.Name, "missing from bundle: %v", err)
		}

		expected := f.Size
		if c, ok := completed[f.Name]; ok && expected <= 0 {
			expected = c.Size
		}
		if expected > 0 && info.Size() != expected {
			return 0, fault.Corrupt(f.Name, "size is %d bytes, expected %d", info.Size(), expected)
		}

		if hash && f.SHA256 != "" {
			sum, err := hashFile(ctx, path)
			if err != nil {
				return 0, err
			}
			if !strings.EqualFold(sum, f.SHA256) {
				return 0, fault.Corrupt(f.Name, "sha256 %s does not match manifest %s", sum, f.SHA256)
			}
			rec := storage.CompletedFile{Model: model, File: f.Name, Size: info.Size(), SHA256: sum, CompletedAt: d.now()}
			if err := d.ledger.MarkFileComplete(rec); err != nil {
				d.logger.Warn("recording verified digest", "file", f.Name, "error", err)
			}
		}

		names = append(names, f.Name)
		total += info.Size()
	}

	if err := catalog.CheckLayout(names); err != nil {
		return 0, &fault.Error{Kind: fault.Corrupted, Op: "verify", Err: err}
	}
	return total, nil
}

// hashFile returns the hex SHA-256 of path, stopping early if ctx ends.
func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
