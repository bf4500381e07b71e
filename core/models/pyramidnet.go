package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/tensor"
)

func pyramidnetConstraints() registry.Constraints {
	return registry.Constraints{
		Depths: []int{110, 164},
		Alphas: []int{48, 84, 270},
		Datasets: []registry.Dataset{
			registry.DatasetCIFAR10,
			registry.DatasetCIFAR100,
			registry.DatasetSVHN,
		},
	}
}

// buildPyramidNet assembles a CIFAR PyramidNet: channel counts grow linearly
// by alpha across all units instead of doubling per stage.
func buildPyramidNet(v registry.Variant) (nn.Model, error) {
	if (v.Depth-2)%6 != 0 {
		return nil, fmt.Errorf("pyramidnet: depth %d is not 6n+2", v.Depth)
	}
	unitsPerStage := (v.Depth - 2) / 6
	totalUnits := 3 * unitsPerStage
	growth := float64(v.Alpha) / float64(totalUnits)

	net := nn.NewSequential(
		convBNBlock("features.init_block", 3, 16, 3, 1, 1, 1),
	)
	in := 16
	width := 16.0
	for si := 0; si < 3; si++ {
		for ui := 0; ui < unitsPerStage; ui++ {
			width += growth
			out := int(width)
			stride := 1
			if ui == 0 && si > 0 {
				stride = 2
			}
			prefix := fmt.Sprintf("features.stage%d.unit%d", si+1, ui+1)
			net.Add(pyramidUnit(prefix, in, out, stride))
			in = out
		}
	}
	net.Add(nn.NewBatchNorm2d("features.post_activ.bn", in))
	net.Add(nn.ReLU{})
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", in, v.NumClasses()))
	return net, nil
}

// pyramidUnit is the pre-activation basic unit. The shortcut is parameter
// free: spatial reduction by average pooling, channel growth by zero padding.
func pyramidUnit(prefix string, in, out, stride int) nn.Model {
	body := nn.NewSequential(
		nn.NewBatchNorm2d(prefix+".body.bn1", in),
		convBNBlock(prefix+".body.conv1", in, out, 3, stride, 1, 1),
		nn.ReLU{},
		convBNBlock(prefix+".body.conv2", out, out, 3, 1, 1, 1),
	)
	return &nn.Residual{
		Body:     body,
		Shortcut: &padShortcut{outChannels: out, stride: stride},
	}
}

// padShortcut widens the identity branch to outChannels with zeros and
// downsamples by average pooling when stride is 2.
type padShortcut struct {
	outChannels int
	stride      int
}

func (p *padShortcut) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	if p.stride != 1 {
		pooled, err := (&nn.AvgPool2d{Kernel: p.stride, Stride: p.stride}).Forward(x)
		if err != nil {
			return nil, err
		}
		out = pooled
	}
	if out.Shape[1] == p.outChannels {
		return out, nil
	}
	if out.Shape[1] > p.outChannels {
		return nil, fmt.Errorf("pad shortcut: cannot shrink %d channels to %d", out.Shape[1], p.outChannels)
	}
	n, c, h, w := out.Shape[0], out.Shape[1], out.Shape[2], out.Shape[3]
	padded := tensor.New(n, p.outChannels, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		copy(padded.Data[b*p.outChannels*plane:], out.Data[b*c*plane:(b+1)*c*plane])
	}
	return padded, nil
}

func (p *padShortcut) Parameters() []*nn.Parameter { return nil }
