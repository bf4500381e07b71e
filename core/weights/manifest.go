// Package weights resolves model variants to pretrained weight artifacts and
// loads verified artifacts into constructed skeletons.
package weights

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrNoPretrainedWeights means the architecture and variant are valid but no
// weight artifact was ever published for that combination. Expected outcome,
// not a defect in the request.
var ErrNoPretrainedWeights = errors.New("no pretrained weights")

//go:embed manifest.yaml
var embeddedManifest []byte

// ArtifactRecord identifies one downloadable weight file.
type ArtifactRecord struct {
	// ID is the canonical variant name, e.g. "resnet18_wd2".
	ID string
	// Filename deterministically encodes id, quality metric and truncated
	// content hash: <id>-<quality>-<hash8>.safetensors.
	Filename string
	// RemoteURL is <release-base>/<release-tag>/<filename>.
	RemoteURL string
	// HashPrefix is the leading 8 hex characters of the artifact's sha256.
	// A file whose hash does not start with it is corrupt.
	HashPrefix string
	// Quality is the published error-rate metric baked into the filename.
	Quality string
	// LocalPath is filled in by the cache once the artifact is verified.
	LocalPath string
}

// manifest is the static, build-time table of published artifacts. Hash
// prefixes and quality metrics are produced when weights are published; they
// are never computed at runtime.
type manifest struct {
	ReleaseBase string          `yaml:"release_base"`
	Models      []manifestEntry `yaml:"models"`
}

type manifestEntry struct {
	Name    string `yaml:"name"`
	Quality string `yaml:"quality"`
	SHA256  string `yaml:"sha256"`
	Release string `yaml:"release"`
}

// Resolver maps canonical variant names to artifact records.
type Resolver struct {
	releaseBase string
	entries     map[string]manifestEntry
}

// NewResolver decodes a manifest document.
func NewResolver(data []byte) (*Resolver, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding weight manifest: %w", err)
	}
	r := &Resolver{
		releaseBase: m.ReleaseBase,
		entries:     make(map[string]manifestEntry, len(m.Models)),
	}
	for _, e := range m.Models {
		if e.Name == "" || len(e.SHA256) < 8 || e.Release == "" {
			return nil, fmt.Errorf("weight manifest: malformed entry %+v", e)
		}
		if _, dup := r.entries[e.Name]; dup {
			return nil, fmt.Errorf("weight manifest: duplicate entry %q", e.Name)
		}
		r.entries[e.Name] = e
	}
	return r, nil
}

// DefaultResolver decodes the manifest embedded at build time.
func DefaultResolver() (*Resolver, error) {
	return NewResolver(embeddedManifest)
}

// Resolve maps a canonical variant name to its artifact record.
func (r *Resolver) Resolve(name string) (ArtifactRecord, error) {
	return r.ResolveAt(name, r.releaseBase)
}

// ResolveAt is Resolve against an alternative artifact store, e.g. a mirror.
func (r *Resolver) ResolveAt(name, releaseBase string) (ArtifactRecord, error) {
	e, ok := r.entries[name]
	if !ok {
		return ArtifactRecord{}, fmt.Errorf("%w for %q", ErrNoPretrainedWeights, name)
	}
	prefix := e.SHA256[:8]
	filename := fmt.Sprintf("%s-%s-%s.safetensors", e.Name, e.Quality, prefix)
	return ArtifactRecord{
		ID:         e.Name,
		Filename:   filename,
		RemoteURL:  fmt.Sprintf("%s/%s/%s", releaseBase, e.Release, filename),
		HashPrefix: prefix,
		Quality:    e.Quality,
	}, nil
}
