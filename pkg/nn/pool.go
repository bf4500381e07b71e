package nn

import (
	"fmt"
	"math"

	"github.com/convnets/zoo/pkg/tensor"
)

// MaxPool2d is a max pooling layer over NCHW input.
type MaxPool2d struct {
	Kernel  int
	Stride  int
	Padding int
}

func (p *MaxPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("maxpool: want 4-D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*p.Padding-p.Kernel)/p.Stride + 1
	ow := (w+2*p.Padding-p.Kernel)/p.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("maxpool: input %v too small for kernel %d", x.Shape, p.Kernel)
	}
	out := tensor.New(n, c, oh, ow)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := math.Inf(-1)
					for ky := 0; ky < p.Kernel; ky++ {
						iy := oy*p.Stride + ky - p.Padding
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < p.Kernel; kx++ {
							ix := ox*p.Stride + kx - p.Padding
							if ix < 0 || ix >= w {
								continue
							}
							v := x.Data[((b*c+ch)*h+iy)*w+ix]
							if v > best {
								best = v
							}
						}
					}
					out.Data[((b*c+ch)*oh+oy)*ow+ox] = best
				}
			}
		}
	}
	return out, nil
}

func (p *MaxPool2d) Parameters() []*Parameter { return nil }

// GlobalAvgPool2d averages each channel plane down to [N, C].
type GlobalAvgPool2d struct{}

func (GlobalAvgPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("avgpool: want 4-D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(n, c)
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			sum := 0.0
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				sum += x.Data[base+i]
			}
			out.Data[b*c+ch] = sum / float64(plane)
		}
	}
	return out, nil
}

func (GlobalAvgPool2d) Parameters() []*Parameter { return nil }

// AvgPool2d is an average pooling layer over NCHW input.
type AvgPool2d struct {
	Kernel int
	Stride int
}

func (p *AvgPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("avgpool: want 4-D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-p.Kernel)/p.Stride + 1
	ow := (w-p.Kernel)/p.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("avgpool: input %v too small for kernel %d", x.Shape, p.Kernel)
	}
	out := tensor.New(n, c, oh, ow)
	area := float64(p.Kernel * p.Kernel)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := 0.0
					for ky := 0; ky < p.Kernel; ky++ {
						for kx := 0; kx < p.Kernel; kx++ {
							iy := oy*p.Stride + ky
							ix := ox*p.Stride + kx
							sum += x.Data[((b*c+ch)*h+iy)*w+ix]
						}
					}
					out.Data[((b*c+ch)*oh+oy)*ow+ox] = sum / area
				}
			}
		}
	}
	return out, nil
}

func (p *AvgPool2d) Parameters() []*Parameter { return nil }
