package nn

import (
	"fmt"
	"math"

	"github.com/convnets/zoo/pkg/tensor"
)

// BatchNorm2d normalizes per-channel activations using stored running
// statistics. Inference-only: the statistics are loaded, never updated.
type BatchNorm2d struct {
	Gamma       *Parameter
	Beta        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter

	Channels int
	Eps      float64
}

func NewBatchNorm2d(name string, channels int) *BatchNorm2d {
	bn := &BatchNorm2d{Channels: channels, Eps: 1e-5}
	gamma := tensor.New(channels)
	variance := tensor.New(channels)
	for i := 0; i < channels; i++ {
		gamma.Data[i] = 1
		variance.Data[i] = 1
	}
	bn.Gamma = &Parameter{Name: name + ".weight", Data: gamma}
	bn.Beta = &Parameter{Name: name + ".bias", Data: tensor.New(channels)}
	bn.RunningMean = &Parameter{Name: name + ".running_mean", Data: tensor.New(channels)}
	bn.RunningVar = &Parameter{Name: name + ".running_var", Data: variance}
	return bn
}

func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != bn.Channels {
		return nil, fmt.Errorf("batchnorm %s: want input [N %d H W], got %v", bn.Gamma.Name, bn.Channels, x.Shape)
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(x.Shape...)
	plane := h * w
	for b := 0; b < n; b++ {
		for c := 0; c < ch; c++ {
			scale := bn.Gamma.Data.Data[c] / math.Sqrt(bn.RunningVar.Data.Data[c]+bn.Eps)
			shift := bn.Beta.Data.Data[c] - bn.RunningMean.Data.Data[c]*scale
			base := (b*ch + c) * plane
			for i := 0; i < plane; i++ {
				out.Data[base+i] = x.Data[base+i]*scale + shift
			}
		}
	}
	return out, nil
}

func (bn *BatchNorm2d) Parameters() []*Parameter {
	return []*Parameter{bn.Gamma, bn.Beta, bn.RunningMean, bn.RunningVar}
}
