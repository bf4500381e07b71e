package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/tensor"
)

func shufflenetConstraints() registry.Constraints {
	return registry.Constraints{
		WidthScales: []float64{0.5, 1.5, 2.0},
	}
}

// buildShuffleNetV2b assembles ShuffleNetV2(b): a 3x3 stem, three stages of
// channel-split units with depthwise convolutions, and a 1x1 expansion before
// the classifier.
func buildShuffleNetV2b(v registry.Variant) (nn.Model, error) {
	initChannels := 24
	finalChannels := 1024
	stageUnits := []int{4, 8, 4}
	stageChannels := []int{116, 232, 464}
	if v.WidthScale != 1 {
		for i := range stageChannels {
			stageChannels[i] = scaled(stageChannels[i], v.WidthScale)
			// Units split the channel count between two branches.
			if stageChannels[i]%2 != 0 {
				stageChannels[i]++
			}
		}
		if v.WidthScale > 1.5 {
			finalChannels = scaled(finalChannels, v.WidthScale)
		}
	}

	net := nn.NewSequential(
		convBlock("features.init_block", 3, initChannels, 3, 2, 1, 1),
		&nn.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
	)
	in := initChannels
	for si, units := range stageUnits {
		out := stageChannels[si]
		for ui := 0; ui < units; ui++ {
			prefix := fmt.Sprintf("features.stage%d.unit%d", si+1, ui+1)
			if ui == 0 {
				net.Add(newShuffleDownUnit(prefix, in, out))
			} else {
				net.Add(newShuffleUnit(prefix, out))
			}
			in = out
		}
	}
	net.Add(conv1x1Block("features.final_block", in, finalChannels))
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", finalChannels, v.NumClasses()))
	return net, nil
}

// shuffleUnit is the stride-1 unit: half the channels pass through untouched,
// the other half runs the 1x1 / depthwise 3x3 / 1x1 stack, then the halves are
// concatenated and shuffled.
type shuffleUnit struct {
	branch  *nn.Sequential
	shuffle nn.ChannelShuffle
	split   int
}

func newShuffleUnit(prefix string, channels int) *shuffleUnit {
	half := channels / 2
	return &shuffleUnit{
		branch: nn.NewSequential(
			conv1x1Block(prefix+".compress_conv1", half, half),
			dwConvBNBlock(prefix+".dw_conv2", half, 1),
			conv1x1Block(prefix+".expand_conv3", half, half),
		),
		shuffle: nn.ChannelShuffle{Groups: 2},
		split:   channels - half,
	}
}

func (u *shuffleUnit) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	pass, work, err := nn.SplitChannels(x, u.split)
	if err != nil {
		return nil, err
	}
	work, err = u.branch.Forward(work)
	if err != nil {
		return nil, err
	}
	out, err := nn.ConcatChannels(pass, work)
	if err != nil {
		return nil, err
	}
	return u.shuffle.Forward(out)
}

func (u *shuffleUnit) Parameters() []*nn.Parameter {
	return u.branch.Parameters()
}

// shuffleDownUnit is the stride-2 unit: both branches downsample, no split.
type shuffleDownUnit struct {
	branch1 *nn.Sequential
	branch2 *nn.Sequential
	shuffle nn.ChannelShuffle
}

func newShuffleDownUnit(prefix string, in, out int) *shuffleDownUnit {
	half := out / 2
	return &shuffleDownUnit{
		branch1: nn.NewSequential(
			dwConvBNBlock(prefix+".shortcut_dconv", in, 2),
			conv1x1Block(prefix+".shortcut_conv", in, out-half),
		),
		branch2: nn.NewSequential(
			conv1x1Block(prefix+".compress_conv1", in, half),
			dwConvBNBlock(prefix+".dw_conv2", half, 2),
			conv1x1Block(prefix+".expand_conv3", half, half),
		),
		shuffle: nn.ChannelShuffle{Groups: 2},
	}
}

func (u *shuffleDownUnit) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	a, err := u.branch1.Forward(x)
	if err != nil {
		return nil, err
	}
	b, err := u.branch2.Forward(x)
	if err != nil {
		return nil, err
	}
	out, err := nn.ConcatChannels(a, b)
	if err != nil {
		return nil, err
	}
	return u.shuffle.Forward(out)
}

func (u *shuffleDownUnit) Parameters() []*nn.Parameter {
	return append(u.branch1.Parameters(), u.branch2.Parameters()...)
}
