// Package zoo is a catalogue of convolutional network architectures behind a
// single factory: GetModel resolves a textual identifier such as
// "resnet18_wd2" or "seresnet20_cifar10" to a constructed model and, on
// request, attaches pretrained weights fetched from the release artifact
// store and cached locally.
package zoo

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/convnets/zoo/core/models"
	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/core/weights"
	"github.com/convnets/zoo/pkg/downloader"
	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/xsync"
)

// Zoo binds the architecture registry, the weight manifest and the artifact
// caches. It is safe for concurrent use; construct one and share it, or use
// the package-level GetModel which maintains a process-wide instance.
type Zoo struct {
	registry *registry.Registry
	resolver *weights.Resolver

	// caches holds one Downloader per cache root, first use wins.
	caches *xsync.SyncedMap[string, *downloader.Downloader]
}

// New builds a Zoo from the compiled-in catalogue and weight manifest.
func New() (*Zoo, error) {
	reg, err := models.Catalog()
	if err != nil {
		return nil, err
	}
	resolver, err := weights.DefaultResolver()
	if err != nil {
		return nil, err
	}
	return &Zoo{
		registry: reg,
		resolver: resolver,
		caches:   xsync.NewSyncedMap[string, *downloader.Downloader](),
	}, nil
}

// NewWithManifest builds a Zoo whose weight lookups use the given manifest
// document instead of the embedded one, e.g. to serve weights from a private
// artifact store.
func NewWithManifest(manifestYAML []byte) (*Zoo, error) {
	reg, err := models.Catalog()
	if err != nil {
		return nil, err
	}
	resolver, err := weights.NewResolver(manifestYAML)
	if err != nil {
		return nil, err
	}
	return &Zoo{
		registry: reg,
		resolver: resolver,
		caches:   xsync.NewSyncedMap[string, *downloader.Downloader](),
	}, nil
}

var (
	defaultZoo  *Zoo
	defaultErr  error
	defaultOnce sync.Once
)

// Default returns the shared process-wide Zoo.
func Default() (*Zoo, error) {
	defaultOnce.Do(func() {
		defaultZoo, defaultErr = New()
	})
	return defaultZoo, defaultErr
}

// GetModel is Zoo.GetModel on the shared instance.
func GetModel(name string, opts ...Option) (nn.Model, error) {
	z, err := Default()
	if err != nil {
		return nil, err
	}
	return z.GetModel(name, opts...)
}

// Registry exposes the architecture table, e.g. for listing.
func (z *Zoo) Registry() *registry.Registry {
	return z.registry
}

// HasWeights reports whether published weights exist for the named variant.
// Unknown or invalid names report false.
func (z *Zoo) HasWeights(name string) bool {
	entry, variant, err := z.registry.Lookup(name)
	if err != nil {
		return false
	}
	_, err = z.resolver.Resolve(variant.Canonical(entry.ID))
	return err == nil
}

// GetModel constructs the architecture encoded in name and, when requested,
// populates it with verified pretrained weights. The call either returns a
// complete model or exactly one of ErrNotFound, ErrInvalidVariant,
// ErrNoPretrainedWeights, ErrDownloadFailed or ErrShapeMismatch.
func (z *Zoo) GetModel(name string, opts ...Option) (nn.Model, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	entry, variant, err := z.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if o.numClasses > 0 {
		variant.Classes = o.numClasses
	}

	skeleton, err := entry.Builder(variant)
	if err != nil {
		return nil, fmt.Errorf("%w: building %q: %v", ErrInvalidVariant, name, err)
	}
	if !o.pretrained {
		return skeleton, nil
	}

	canonical := variant.Canonical(entry.ID)
	var record weights.ArtifactRecord
	if o.releaseBase != "" {
		record, err = z.resolver.ResolveAt(canonical, o.releaseBase)
	} else {
		record, err = z.resolver.Resolve(canonical)
	}
	if err != nil {
		return nil, err
	}

	cache, err := z.cacheFor(o)
	if err != nil {
		return nil, err
	}
	record.LocalPath, err = cache.Fetch(o.ctx, downloader.Artifact{
		Filename:   record.Filename,
		URL:        record.RemoteURL,
		HashPrefix: record.HashPrefix,
	})
	if err != nil {
		return nil, err
	}

	if err := weights.Load(record.LocalPath, skeleton, o.strict); err != nil {
		return nil, err
	}
	log.Debug().Str("model", canonical).Str("file", record.Filename).Bool("strict", o.strict).
		Msg("model ready")
	return skeleton, nil
}

// cacheFor returns the process-wide downloader for the call's cache root,
// creating it on first use. Transfer settings (client, retry schedule,
// progress callback) bind when the root is first seen.
func (z *Zoo) cacheFor(o options) (*downloader.Downloader, error) {
	if d := z.caches.Get(o.root); d != nil {
		if o.hasTransferOptions() {
			log.Debug().Str("root", o.root).
				Msg("cache already bound for this root, ignoring per-call transfer options")
		}
		return d, nil
	}
	var dlOpts []downloader.Option
	if o.client != nil {
		dlOpts = append(dlOpts, downloader.WithHTTPClient(o.client))
	}
	if o.progress != nil {
		dlOpts = append(dlOpts, downloader.WithProgress(o.progress))
	}
	if o.retryAttempts > 0 || o.retryBase > 0 {
		dlOpts = append(dlOpts, downloader.WithRetry(o.retryAttempts, o.retryBase))
	}
	d, err := downloader.New(o.root, dlOpts...)
	if err != nil {
		return nil, err
	}
	resident := z.caches.SetIfAbsent(o.root, d)
	if resident != d && o.hasTransferOptions() {
		log.Debug().Str("root", o.root).
			Msg("cache already bound for this root, ignoring per-call transfer options")
	}
	return resident, nil
}
