package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
)

// resnetLayers maps supported depths to per-stage unit counts and block kind.
var resnetLayers = map[int]struct {
	units      [4]int
	bottleneck bool
}{
	10: {[4]int{1, 1, 1, 1}, false},
	12: {[4]int{2, 1, 1, 1}, false},
	14: {[4]int{2, 2, 1, 1}, false},
	16: {[4]int{2, 2, 2, 1}, false},
	18: {[4]int{2, 2, 2, 2}, false},
	26: {[4]int{2, 2, 2, 2}, true},
	34: {[4]int{3, 4, 6, 3}, false},
	50: {[4]int{3, 4, 6, 3}, true},
}

func resnetConstraints() registry.Constraints {
	depths := make([]int, 0, len(resnetLayers))
	for d := range resnetLayers {
		depths = append(depths, d)
	}
	return registry.Constraints{
		Depths:      depths,
		WidthScales: []float64{0.25, 0.5, 0.75, 1.5, 2.0},
	}
}

// buildResNet assembles a classic residual network for 224x224-class inputs.
func buildResNet(v registry.Variant) (nn.Model, error) {
	cfg, ok := resnetLayers[v.Depth]
	if !ok {
		return nil, fmt.Errorf("resnet: unsupported depth %d", v.Depth)
	}

	initChannels := scaled(64, v.WidthScale)
	stageChannels := []int{64, 128, 256, 512}
	expansion := 1
	if cfg.bottleneck {
		expansion = 4
	}

	net := nn.NewSequential(
		convBlock("features.init_block", 3, initChannels, 7, 2, 3, 1),
		&nn.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
	)

	in := initChannels
	for si, units := range cfg.units {
		out := scaled(stageChannels[si]*expansion, v.WidthScale)
		for ui := 0; ui < units; ui++ {
			stride := 1
			if ui == 0 && si > 0 {
				stride = 2
			}
			prefix := fmt.Sprintf("features.stage%d.unit%d", si+1, ui+1)
			net.Add(resUnit(prefix, in, out, stride, cfg.bottleneck))
			in = out
		}
	}
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", in, v.NumClasses()))
	return net, nil
}

// resUnit is one residual unit, basic or bottleneck, with a projection
// shortcut when the shape changes.
func resUnit(prefix string, in, out, stride int, bottleneck bool) nn.Model {
	var body *nn.Sequential
	if bottleneck {
		mid := out / 4
		body = nn.NewSequential(
			conv1x1Block(prefix+".body.conv1", in, mid),
			conv3x3Block(prefix+".body.conv2", mid, mid, stride),
			convBNBlock(prefix+".body.conv3", mid, out, 1, 1, 0, 1),
		)
	} else {
		body = nn.NewSequential(
			conv3x3Block(prefix+".body.conv1", in, out, stride),
			convBNBlock(prefix+".body.conv2", out, out, 3, 1, 1, 1),
		)
	}
	var shortcut nn.Model
	if stride != 1 || in != out {
		shortcut = convBNBlock(prefix+".identity_conv", in, out, 1, stride, 0, 1)
	}
	return &nn.Residual{Body: body, Shortcut: shortcut, PostReLU: true}
}
