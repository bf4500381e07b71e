package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/convnets/zoo/pkg/tensor"
)

// Conv2d is a grouped 2-D convolution over NCHW input.
type Conv2d struct {
	Weight *Parameter // [out, in/groups, kh, kw]
	Bias   *Parameter // [out], nil when the layer has no bias

	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Groups      int
}

// NewConv2d builds a convolution with He-normal initialized weights. name is
// the parameter prefix, e.g. "features.init_block.conv".
func NewConv2d(name string, in, out, kernel, stride, padding, groups int, bias bool) *Conv2d {
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Groups:      groups,
	}
	w := tensor.New(out, in/groups, kernel, kernel)
	fanIn := float64((in / groups) * kernel * kernel)
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / fanIn)}
	for i := range w.Data {
		w.Data[i] = dist.Rand()
	}
	c.Weight = &Parameter{Name: name + ".weight", Data: w}
	if bias {
		c.Bias = &Parameter{Name: name + ".bias", Data: tensor.New(out)}
	}
	return c
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv2d %s: want input [N %d H W], got %v", c.Weight.Name, c.InChannels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d %s: input %v too small for kernel %d", c.Weight.Name, x.Shape, c.Kernel)
	}
	out := tensor.New(n, c.OutChannels, oh, ow)

	inPerGroup := c.InChannels / c.Groups
	outPerGroup := c.OutChannels / c.Groups
	wd := c.Weight.Data.Data
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.OutChannels; oc++ {
			g := oc / outPerGroup
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := 0.0
					for ic := 0; ic < inPerGroup; ic++ {
						for ky := 0; ky < c.Kernel; ky++ {
							iy := oy*c.Stride + ky - c.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.Kernel; kx++ {
								ix := ox*c.Stride + kx - c.Padding
								if ix < 0 || ix >= w {
									continue
								}
								xi := ((b*c.InChannels+g*inPerGroup+ic)*h+iy)*w + ix
								wi := ((oc*inPerGroup+ic)*c.Kernel+ky)*c.Kernel + kx
								sum += x.Data[xi] * wd[wi]
							}
						}
					}
					if c.Bias != nil {
						sum += c.Bias.Data.Data[oc]
					}
					out.Data[((b*c.OutChannels+oc)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return out, nil
}

func (c *Conv2d) Parameters() []*Parameter {
	if c.Bias == nil {
		return []*Parameter{c.Weight}
	}
	return []*Parameter{c.Weight, c.Bias}
}
