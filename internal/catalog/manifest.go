// Package catalog describes model bundles: which files make up a bundle,
// where they are fetched from and what they should look like on disk.
package catalog

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultModel is the model provisioned when no manifest is configured.
const DefaultModel = "google/gemma-3n-e4b-it"

// RequiredFiles must be present in every bundle besides the weight shards.
var RequiredFiles = []string{"config.json", "tokenizer.json", "tokenizer_config.json"}

var shardPattern = regexp.MustCompile(`^model-(\d{5})-of-(\d{5})\.([A-Za-z0-9]+)$`)

var validate = validator.New()

// File is one entry of a bundle manifest. Size 0 means the size is learned
// from the server at download time; an empty SHA256 skips hash checking.
type File struct {
	Name   string `yaml:"name" json:"name" validate:"required,excludesall=/\\"`
	Size   int64  `yaml:"size,omitempty" json:"size,omitempty" validate:"gte=0"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty" validate:"omitempty,len=64,hexadecimal"`
	URL    string `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
}

// Manifest lists the files of one model bundle.
type Manifest struct {
	Model    string `yaml:"model" json:"model" validate:"required"`
	Revision string `yaml:"revision,omitempty" json:"revision,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
	Files    []File `yaml:"files" json:"files" validate:"required,min=1,dive"`
}

// Builtin returns the manifest for the default model hosted under baseURL.
// Shard sizes are not pinned; they are taken from the server response.
func Builtin(baseURL string) *Manifest {
	m := &Manifest{
		Model:    DefaultModel,
		Revision: "main",
		BaseURL:  baseURL,
	}
	for _, name := range RequiredFiles {
		m.Files = append(m.Files, File{Name: name})
	}
	const shards = 4
	for i := 1; i <= shards; i++ {
		m.Files = append(m.Files, File{Name: ShardName(i, shards, "safetensors")})
	}
	return m
}

// ShardName formats the weight file name for shard n of total.
func ShardName(n, total int, ext string) string {
	return fmt.Sprintf("model-%05d-of-%05d.%s", n, total, ext)
}

// Load reads and validates a YAML manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a YAML manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes m as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Validate checks field constraints and the bundle layout.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if seen[f.Name] {
			return fmt.Errorf("invalid manifest: duplicate file %q", f.Name)
		}
		seen[f.Name] = true
	}
	names := make([]string, len(m.Files))
	for i, f := range m.Files {
		names[i] = f.Name
	}
	return CheckLayout(names)
}

// TotalSize is the sum of the known file sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// SizesKnown reports whether every file carries an expected size.
func (m *Manifest) SizesKnown() bool {
	for _, f := range m.Files {
		if f.Size <= 0 {
			return false
		}
	}
	return true
}

// Lookup returns the manifest entry named name.
func (m *Manifest) Lookup(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// URL resolves the download location of f. Files without an explicit URL
// use the Hugging Face "resolve" layout under BaseURL.
func (m *Manifest) URL(f File) string {
	if f.URL != "" {
		return f.URL
	}
	rev := m.Revision
	if rev == "" {
		rev = "main"
	}
	base := strings.TrimRight(m.BaseURL, "/")
	return base + "/" + m.Model + "/resolve/" + url.PathEscape(rev) + "/" + url.PathEscape(f.Name)
}

// CheckLayout verifies that names contain the required files and a single
// contiguous run of weight shards model-00001-of-0000M .. model-0000M-of-0000M.
func CheckLayout(names []string) error {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	var missing []string
	for _, r := range RequiredFiles {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("bundle is missing %s", strings.Join(missing, ", "))
	}

	var (
		indices []int
		total   = -1
		ext     string
	)
	for _, n := range names {
		sm := shardPattern.FindStringSubmatch(n)
		if sm == nil {
			continue
		}
		idx, _ := strconv.Atoi(sm[1])
		of, _ := strconv.Atoi(sm[2])
		if total == -1 {
			total, ext = of, sm[3]
		}
		if of != total || sm[3] != ext {
			return fmt.Errorf("shard %s does not match %s", n, ShardName(1, total, ext))
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return fmt.Errorf("bundle has no weight shards")
	}
	sort.Ints(indices)
	if len(indices) != total {
		return fmt.Errorf("bundle has %d of %d weight shards", len(indices), total)
	}
	for i, idx := range indices {
		if idx != i+1 {
			return fmt.Errorf("missing weight shard %s", ShardName(i+1, total, ext))
		}
	}
	return nil
}
