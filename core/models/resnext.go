package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
)

var resnextLayers = map[int][4]int{
	50:  {3, 4, 6, 3},
	101: {3, 4, 23, 3},
}

func resnextConstraints() registry.Constraints {
	return registry.Constraints{
		Depths: []int{50, 101},
		Groups: []registry.Group{
			{Cardinality: 32, BottleneckWidth: 4},
			{Cardinality: 64, BottleneckWidth: 4},
		},
	}
}

// buildResNeXt assembles an aggregated-transform residual network: bottleneck
// units whose 3x3 convolution is grouped by cardinality.
func buildResNeXt(v registry.Variant) (nn.Model, error) {
	units, ok := resnextLayers[v.Depth]
	if !ok {
		return nil, fmt.Errorf("resnext: unsupported depth %d", v.Depth)
	}

	net := nn.NewSequential(
		convBlock("features.init_block", 3, 64, 7, 2, 3, 1),
		&nn.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
	)
	in := 64
	stageChannels := []int{256, 512, 1024, 2048}
	for si, unitCount := range units {
		out := stageChannels[si]
		for ui := 0; ui < unitCount; ui++ {
			stride := 1
			if ui == 0 && si > 0 {
				stride = 2
			}
			prefix := fmt.Sprintf("features.stage%d.unit%d", si+1, ui+1)
			net.Add(resnextUnit(prefix, in, out, stride, v.Group))
			in = out
		}
	}
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", in, v.NumClasses()))
	return net, nil
}

func resnextUnit(prefix string, in, out, stride int, g registry.Group) nn.Model {
	mid := out / 4
	d := mid * g.BottleneckWidth / 64
	groupWidth := g.Cardinality * d
	body := nn.NewSequential(
		conv1x1Block(prefix+".body.conv1", in, groupWidth),
		convBlock(prefix+".body.conv2", groupWidth, groupWidth, 3, stride, 1, g.Cardinality),
		convBNBlock(prefix+".body.conv3", groupWidth, out, 1, 1, 0, 1),
	)
	var shortcut nn.Model
	if stride != 1 || in != out {
		shortcut = convBNBlock(prefix+".identity_conv", in, out, 1, stride, 0, 1)
	}
	return &nn.Residual{Body: body, Shortcut: shortcut, PostReLU: true}
}
