package zoo

import (
	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/core/weights"
	"github.com/convnets/zoo/pkg/downloader"
)

// Discriminated factory failures, re-exported from the packages that produce
// them so callers can errors.Is against the zoo package alone.
var (
	// ErrNotFound: no registered base architecture matches the name.
	ErrNotFound = registry.ErrNotFound
	// ErrInvalidVariant: known base architecture, unsupported modifiers.
	ErrInvalidVariant = registry.ErrInvalidVariant
	// ErrNoPretrainedWeights: valid variant with no published artifact.
	ErrNoPretrainedWeights = weights.ErrNoPretrainedWeights
	// ErrDownloadFailed: transfer or integrity failure after retries.
	ErrDownloadFailed = downloader.ErrDownloadFailed
	// ErrShapeMismatch: stored tensors incompatible with the skeleton in
	// strict mode.
	ErrShapeMismatch = weights.ErrShapeMismatch
)
