// Package registry maps requested model names to architecture builders.
// The table is built once at startup and is read-only afterwards, so lookups
// need no locking.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/convnets/zoo/pkg/nn"
)

var (
	// ErrNotFound means no registered base architecture is a prefix of the
	// requested name.
	ErrNotFound = errors.New("model not found")
	// ErrInvalidVariant means the base architecture is known but the parsed
	// modifiers fall outside its declared constraint set.
	ErrInvalidVariant = errors.New("invalid model variant")
)

// Builder constructs an uninitialized skeleton for one variant of a base
// architecture. The variant has already been validated against the entry's
// constraints when the builder runs.
type Builder func(v Variant) (nn.Model, error)

// Entry is one base architecture: its id, builder, and the variants it admits.
type Entry struct {
	ID          string
	Builder     Builder
	Constraints Constraints
}

// Constraints declares which modifier values a base architecture supports.
// Empty slices mean the corresponding modifier is not accepted at all, except
// Datasets, where empty means imagenet only.
type Constraints struct {
	Depths      []int
	WidthScales []float64
	Groups      []Group
	Alphas      []int
	Datasets    []Dataset
}

func (c Constraints) allowsDataset(d Dataset) bool {
	if len(c.Datasets) == 0 {
		return d == DatasetImageNet
	}
	for _, x := range c.Datasets {
		if x == d {
			return true
		}
	}
	return false
}

// Registry is the immutable name resolution table.
type Registry struct {
	entries map[string]*Entry
	// ids sorted longest first so prefix matching prefers the most
	// specific base id
	ids []string
}

// RegistryBuilder accumulates entries before the one-time Build.
type RegistryBuilder struct {
	entries map[string]*Entry
	err     error
}

func NewBuilder() *RegistryBuilder {
	return &RegistryBuilder{entries: map[string]*Entry{}}
}

// Register adds a base architecture. Duplicate ids are a programming error and
// surface from Build.
func (b *RegistryBuilder) Register(id string, builder Builder, constraints Constraints) *RegistryBuilder {
	if b.err != nil {
		return b
	}
	if id == "" || builder == nil {
		b.err = fmt.Errorf("registry: invalid registration for %q", id)
		return b
	}
	if _, dup := b.entries[id]; dup {
		b.err = fmt.Errorf("registry: duplicate id %q", id)
		return b
	}
	b.entries[id] = &Entry{ID: id, Builder: builder, Constraints: constraints}
	return b
}

// Build freezes the table.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	r := &Registry{entries: b.entries, ids: make([]string, 0, len(b.entries))}
	for id := range b.entries {
		r.ids = append(r.ids, id)
	}
	sort.Slice(r.ids, func(i, j int) bool {
		if len(r.ids[i]) != len(r.ids[j]) {
			return len(r.ids[i]) > len(r.ids[j])
		}
		return r.ids[i] < r.ids[j]
	})
	log.Debug().Int("entries", len(r.ids)).Msg("model registry built")
	return r, nil
}

// Names returns all registered base ids, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.ids...)
	sort.Strings(names)
	return names
}

// Entry returns the entry for an exact base id, or nil.
func (r *Registry) Entry(id string) *Entry {
	return r.entries[id]
}

// Search fuzzy-matches registered base ids against term.
func (r *Registry) Search(term string) []string {
	term = strings.ToLower(term)
	var hits []string
	for _, id := range r.Names() {
		if fuzzy.Match(term, id) || strings.Contains(id, term) {
			hits = append(hits, id)
		}
	}
	return hits
}

// Lookup resolves a requested name to its entry and parsed variant. The
// longest registered base id that prefixes the name wins; the remainder is
// parsed as variant modifiers and validated against the entry's constraints
// before any I/O happens.
func (r *Registry) Lookup(name string) (*Entry, Variant, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	var firstErr error
	for _, id := range r.ids {
		if !strings.HasPrefix(name, id) {
			continue
		}
		entry := r.entries[id]
		v, err := parseVariant(name[len(id):])
		if err == nil {
			err = v.checkAgainst(entry.Constraints)
		}
		if err != nil {
			// Keep looking: a shorter base id may still claim this
			// name (e.g. shufflenetv2 vs shufflenetv2b).
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %q: %v", ErrInvalidVariant, name, err)
			}
			continue
		}
		return entry, v, nil
	}
	if firstErr != nil {
		return nil, Variant{}, firstErr
	}

	if similar := r.Search(name); len(similar) > 0 {
		return nil, Variant{}, fmt.Errorf("%w: %q (similar: %s)", ErrNotFound, name, strings.Join(similar, ", "))
	}
	return nil, Variant{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}
