// Package models holds the architecture catalogue: parameterized builders for
// each supported family, and the registry wiring that exposes them.
package models

import (
	"github.com/convnets/zoo/pkg/nn"
)

// convBlock is the conv + batchnorm + ReLU triple almost every family is
// assembled from. Convolutions feeding a batchnorm carry no bias.
func convBlock(name string, in, out, kernel, stride, padding, groups int) *nn.Sequential {
	return nn.NewSequential(
		nn.NewConv2d(name+".conv", in, out, kernel, stride, padding, groups, false),
		nn.NewBatchNorm2d(name+".bn", out),
		nn.ReLU{},
	)
}

// convBNBlock is convBlock without the trailing activation, for residual
// bodies that activate after the merge.
func convBNBlock(name string, in, out, kernel, stride, padding, groups int) *nn.Sequential {
	return nn.NewSequential(
		nn.NewConv2d(name+".conv", in, out, kernel, stride, padding, groups, false),
		nn.NewBatchNorm2d(name+".bn", out),
	)
}

func conv1x1Block(name string, in, out int) *nn.Sequential {
	return convBlock(name, in, out, 1, 1, 0, 1)
}

func conv3x3Block(name string, in, out, stride int) *nn.Sequential {
	return convBlock(name, in, out, 3, stride, 1, 1)
}

// dwConvBNBlock is a depthwise conv + batchnorm pair.
func dwConvBNBlock(name string, channels, stride int) *nn.Sequential {
	return convBNBlock(name, channels, channels, 3, stride, 1, channels)
}

func scaled(channels int, scale float64) int {
	return int(float64(channels) * scale)
}
