package weights

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/safetensors"
	"github.com/convnets/zoo/pkg/tensor"
)

// ErrShapeMismatch means a stored tensor does not line up with the skeleton
// in strict mode.
var ErrShapeMismatch = errors.New("weights shape mismatch")

// Load deserializes the artifact at path into the skeleton's parameters.
//
// Strict mode requires a perfect bijection: every stored tensor matches a
// skeleton parameter of identical shape and every parameter is covered. In
// permissive mode mismatched or missing tensors are skipped and the affected
// parameters keep their fresh initialization, e.g. a reshaped classification
// head.
func Load(path string, skeleton nn.Model, strict bool) error {
	stored, err := safetensors.Load(path)
	if err != nil {
		return fmt.Errorf("reading weights %q: %w", path, err)
	}

	params := make(map[string]*tensor.Tensor)
	for _, p := range skeleton.Parameters() {
		params[p.Name] = p.Data
	}

	loaded := 0
	for name, t := range stored {
		dst, ok := params[name]
		if !ok {
			if strict {
				return fmt.Errorf("%w: stored tensor %q has no parameter in the model", ErrShapeMismatch, name)
			}
			log.Debug().Str("tensor", name).Msg("skipping stored tensor with no matching parameter")
			continue
		}
		if !tensor.SameShape(dst, t) {
			if strict {
				return fmt.Errorf("%w: tensor %q is %v, model wants %v", ErrShapeMismatch, name, t.Shape, dst.Shape)
			}
			log.Debug().Str("tensor", name).Interface("stored", t.Shape).Interface("model", dst.Shape).
				Msg("skipping mismatched tensor")
			continue
		}
		copy(dst.Data, t.Data)
		loaded++
	}

	if strict {
		for name := range params {
			if _, ok := stored[name]; !ok {
				return fmt.Errorf("%w: parameter %q missing from stored weights", ErrShapeMismatch, name)
			}
		}
	}

	log.Debug().Str("path", path).Int("loaded", loaded).Int("stored", len(stored)).
		Int("params", len(params)).Msg("weights loaded")
	return nil
}
