package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
)

const seReduction = 16

func seresnetConstraints() registry.Constraints {
	return registry.Constraints{
		Depths: []int{20, 56, 110},
		Datasets: []registry.Dataset{
			registry.DatasetCIFAR10,
			registry.DatasetCIFAR100,
			registry.DatasetSVHN,
		},
	}
}

// buildSEResNet assembles a CIFAR-style SE-ResNet: 3x3 stem, three stages of
// 6n+2 layout, squeeze-and-excitation after every residual body.
func buildSEResNet(v registry.Variant) (nn.Model, error) {
	if (v.Depth-2)%6 != 0 {
		return nil, fmt.Errorf("seresnet: depth %d is not 6n+2", v.Depth)
	}
	unitsPerStage := (v.Depth - 2) / 6
	stageChannels := []int{16, 32, 64}

	net := nn.NewSequential(
		convBlock("features.init_block", 3, 16, 3, 1, 1, 1),
	)
	in := 16
	for si, out := range stageChannels {
		for ui := 0; ui < unitsPerStage; ui++ {
			stride := 1
			if ui == 0 && si > 0 {
				stride = 2
			}
			prefix := fmt.Sprintf("features.stage%d.unit%d", si+1, ui+1)
			net.Add(seResUnit(prefix, in, out, stride))
			in = out
		}
	}
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", in, v.NumClasses()))
	return net, nil
}

func seResUnit(prefix string, in, out, stride int) nn.Model {
	body := nn.NewSequential(
		conv3x3Block(prefix+".body.conv1", in, out, stride),
		convBNBlock(prefix+".body.conv2", out, out, 3, 1, 1, 1),
		nn.NewSEBlock(prefix+".se", out, seReduction),
	)
	var shortcut nn.Model
	if stride != 1 || in != out {
		shortcut = convBNBlock(prefix+".identity_conv", in, out, 1, stride, 0, 1)
	}
	return &nn.Residual{Body: body, Shortcut: shortcut, PostReLU: true}
}
