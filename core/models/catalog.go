package models

import (
	"github.com/convnets/zoo/core/registry"
)

// Catalog builds the registry of every supported architecture family. The
// result is immutable; callers hold it by reference for the process lifetime.
func Catalog() (*registry.Registry, error) {
	return registry.NewBuilder().
		Register("dla", buildDLA, dlaConstraints()).
		Register("resnet", buildResNet, resnetConstraints()).
		Register("seresnet", buildSEResNet, seresnetConstraints()).
		Register("pyramidnet", buildPyramidNet, pyramidnetConstraints()).
		Register("shufflenetv2b", buildShuffleNetV2b, shufflenetConstraints()).
		Register("resnext", buildResNeXt, resnextConstraints()).
		Build()
}
