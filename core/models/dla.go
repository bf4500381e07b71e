package models

import (
	"fmt"

	"github.com/convnets/zoo/core/registry"
	"github.com/convnets/zoo/pkg/nn"
	"github.com/convnets/zoo/pkg/tensor"
)

// dlaLayers maps supported depths to per-stage tree heights, stage channels,
// block kind, and whether root nodes carry a residual connection.
var dlaLayers = map[int]struct {
	levels       [4]int
	channels     [4]int
	bottleneck   bool
	residualRoot bool
}{
	34:  {[4]int{1, 2, 2, 1}, [4]int{64, 128, 256, 512}, false, false},
	46:  {[4]int{1, 2, 2, 1}, [4]int{64, 64, 128, 256}, true, false},
	60:  {[4]int{1, 2, 3, 1}, [4]int{128, 256, 512, 1024}, true, false},
	102: {[4]int{1, 3, 4, 1}, [4]int{128, 256, 512, 1024}, true, true},
	169: {[4]int{2, 3, 5, 1}, [4]int{128, 256, 512, 1024}, true, true},
}

func dlaConstraints() registry.Constraints {
	depths := make([]int, 0, len(dlaLayers))
	for d := range dlaLayers {
		depths = append(depths, d)
	}
	return registry.Constraints{Depths: depths}
}

// buildDLA assembles a deep layer aggregation network: each stage is a binary
// tree of residual blocks whose branch outputs meet in 1x1 root nodes, with
// downsampled inputs carried into the roots of deeper levels.
func buildDLA(v registry.Variant) (nn.Model, error) {
	cfg, ok := dlaLayers[v.Depth]
	if !ok {
		return nil, fmt.Errorf("dla: unsupported depth %d", v.Depth)
	}

	initChannels := 32
	net := nn.NewSequential(
		convBlock("features.init_block.conv1", 3, initChannels/2, 7, 1, 3, 1),
		conv3x3Block("features.init_block.conv2", initChannels/2, initChannels/2, 1),
		conv3x3Block("features.init_block.conv3", initChannels/2, initChannels, 2),
	)

	in := initChannels
	for si := 0; si < 4; si++ {
		out := cfg.channels[si]
		prefix := fmt.Sprintf("features.stage%d", si+1)
		net.Add(newDLATree(prefix, dlaTreeConfig{
			levels:       cfg.levels[si],
			in:           in,
			out:          out,
			stride:       2,
			bottleneck:   cfg.bottleneck,
			residualRoot: cfg.residualRoot,
			firstTree:    si == 0,
			inputLevel:   true,
		}))
		in = out
	}
	net.Add(nn.GlobalAvgPool2d{})
	net.Add(nn.NewLinear("output.fc", in, v.NumClasses()))
	return net, nil
}

// dlaTreeConfig carries the construction parameters of one aggregation node.
type dlaTreeConfig struct {
	levels       int
	in           int
	out          int
	stride       int
	rootDim      int
	bottleneck   bool
	residualRoot bool
	firstTree    bool
	inputLevel   bool
}

// dlaTree is one aggregation node. At the bottom level its children are
// residual blocks and their outputs meet in a root conv; above that the
// children are smaller trees and the aggregation happens in the second
// child's root.
type dlaTree struct {
	addDown bool

	// Either both trees or both blocks (plus root) are set.
	tree1  *dlaTree
	tree2  *dlaTree
	block1 *dlaResBlock
	block2 *dlaResBlock
	root   *dlaRoot
}

func newDLATree(prefix string, c dlaTreeConfig) *dlaTree {
	t := &dlaTree{addDown: c.inputLevel && !c.firstTree}
	rootDim := c.rootDim
	if rootDim == 0 {
		rootDim = 2 * c.out
	}
	if t.addDown {
		rootDim += c.in
	}

	if c.levels == 1 {
		t.block1 = newDLAResBlock(prefix+".tree1", c.in, c.out, c.stride, c.bottleneck)
		t.block2 = newDLAResBlock(prefix+".tree2", c.out, c.out, 1, c.bottleneck)
		t.root = newDLARoot(prefix+".root", rootDim, c.out, c.residualRoot)
	} else {
		t.tree1 = newDLATree(prefix+".tree1", dlaTreeConfig{
			levels:       c.levels - 1,
			in:           c.in,
			out:          c.out,
			stride:       c.stride,
			bottleneck:   c.bottleneck,
			residualRoot: c.residualRoot,
		})
		t.tree2 = newDLATree(prefix+".tree2", dlaTreeConfig{
			levels:       c.levels - 1,
			in:           c.out,
			out:          c.out,
			stride:       1,
			rootDim:      rootDim + c.out,
			bottleneck:   c.bottleneck,
			residualRoot: c.residualRoot,
		})
	}
	return t
}

func (t *dlaTree) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := t.forward(x, nil)
	return out, err
}

// forward also returns the downsampled input, which ancestors feed into their
// roots. extra collects the feature maps accumulated along the left spine.
func (t *dlaTree) forward(x *tensor.Tensor, extra []*tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	var x1, down *tensor.Tensor
	var err error
	if t.tree1 != nil {
		x1, down, err = t.tree1.forward(x, nil)
	} else {
		x1, down, err = t.block1.forward(x)
	}
	if err != nil {
		return nil, nil, err
	}
	if t.addDown {
		extra = append(extra, down)
	}

	if t.tree2 != nil {
		extra = append(extra, x1)
		out, _, err := t.tree2.forward(x1, extra)
		return out, down, err
	}
	x2, _, err := t.block2.forward(x1)
	if err != nil {
		return nil, nil, err
	}
	out, err := t.root.forward(x2, x1, extra)
	return out, down, err
}

func (t *dlaTree) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	if t.tree1 != nil {
		params = append(params, t.tree1.Parameters()...)
		params = append(params, t.tree2.Parameters()...)
		return params
	}
	params = append(params, t.block1.Parameters()...)
	params = append(params, t.block2.Parameters()...)
	params = append(params, t.root.Parameters()...)
	return params
}

// dlaResBlock is a residual block that also surfaces its max-pooled input.
// Spatial reduction happens on the identity branch by pooling, channel growth
// by a 1x1 projection.
type dlaResBlock struct {
	body       *nn.Sequential
	downsample *nn.MaxPool2d
	project    *nn.Sequential
}

func newDLAResBlock(prefix string, in, out, stride int, bottleneck bool) *dlaResBlock {
	b := &dlaResBlock{}
	if bottleneck {
		mid := out / 2
		b.body = nn.NewSequential(
			conv1x1Block(prefix+".body.conv1", in, mid),
			conv3x3Block(prefix+".body.conv2", mid, mid, stride),
			convBNBlock(prefix+".body.conv3", mid, out, 1, 1, 0, 1),
		)
	} else {
		b.body = nn.NewSequential(
			conv3x3Block(prefix+".body.conv1", in, out, stride),
			convBNBlock(prefix+".body.conv2", out, out, 3, 1, 1, 1),
		)
	}
	if stride > 1 {
		b.downsample = &nn.MaxPool2d{Kernel: stride, Stride: stride}
	}
	if in != out {
		b.project = convBNBlock(prefix+".project_conv", in, out, 1, 1, 0, 1)
	}
	return b
}

func (b *dlaResBlock) forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	down := x
	var err error
	if b.downsample != nil {
		down, err = b.downsample.Forward(x)
		if err != nil {
			return nil, nil, err
		}
	}
	identity := down
	if b.project != nil {
		identity, err = b.project.Forward(down)
		if err != nil {
			return nil, nil, err
		}
	}
	out, err := b.body.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	out, err = tensor.Add(out, identity)
	if err != nil {
		return nil, nil, err
	}
	out, err = nn.ReLU{}.Forward(out)
	return out, down, err
}

func (b *dlaResBlock) Parameters() []*nn.Parameter {
	params := b.body.Parameters()
	if b.project != nil {
		params = append(params, b.project.Parameters()...)
	}
	return params
}

// dlaRoot fuses the two subtree outputs and any carried feature maps with a
// 1x1 conv over their channel concatenation.
type dlaRoot struct {
	conv     *nn.Sequential
	residual bool
}

func newDLARoot(prefix string, in, out int, residual bool) *dlaRoot {
	return &dlaRoot{
		conv:     convBNBlock(prefix+".conv", in, out, 1, 1, 0, 1),
		residual: residual,
	}
}

func (r *dlaRoot) forward(x2, x1 *tensor.Tensor, extra []*tensor.Tensor) (*tensor.Tensor, error) {
	cat := x2
	var err error
	for _, e := range append([]*tensor.Tensor{x1}, extra...) {
		cat, err = nn.ConcatChannels(cat, e)
		if err != nil {
			return nil, err
		}
	}
	out, err := r.conv.Forward(cat)
	if err != nil {
		return nil, err
	}
	if r.residual {
		out, err = tensor.Add(out, x2)
		if err != nil {
			return nil, err
		}
	}
	return nn.ReLU{}.Forward(out)
}

func (r *dlaRoot) Parameters() []*nn.Parameter {
	return r.conv.Parameters()
}
