package nn

import (
	"fmt"

	"github.com/convnets/zoo/pkg/tensor"
)

// ChannelShuffle permutes channels between groups, the ShuffleNet mixing step.
type ChannelShuffle struct {
	Groups int
}

func (cs *ChannelShuffle) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("channel shuffle: want 4-D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if c%cs.Groups != 0 {
		return nil, fmt.Errorf("channel shuffle: %d channels not divisible by %d groups", c, cs.Groups)
	}
	per := c / cs.Groups
	out := tensor.New(x.Shape...)
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			// channel ch of group g lands at position ch%per*groups + g
			g := ch / per
			dst := (ch%per)*cs.Groups + g
			copy(out.Data[(b*c+dst)*plane:(b*c+dst+1)*plane], x.Data[(b*c+ch)*plane:(b*c+ch+1)*plane])
		}
	}
	return out, nil
}

func (cs *ChannelShuffle) Parameters() []*Parameter { return nil }

// SplitChannels slices x into two tensors along the channel axis.
func SplitChannels(x *tensor.Tensor, first int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 4 || first <= 0 || first >= x.Shape[1] {
		return nil, nil, fmt.Errorf("split: cannot take %d channels from %v", first, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	rest := c - first
	a := tensor.New(n, first, h, w)
	b := tensor.New(n, rest, h, w)
	plane := h * w
	for bi := 0; bi < n; bi++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(bi*c+ch)*plane : (bi*c+ch+1)*plane]
			if ch < first {
				copy(a.Data[(bi*first+ch)*plane:], src)
			} else {
				copy(b.Data[(bi*rest+ch-first)*plane:], src)
			}
		}
	}
	return a, b, nil
}

// ConcatChannels joins two tensors along the channel axis.
func ConcatChannels(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if len(a.Shape) != 4 || len(b.Shape) != 4 ||
		a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("concat: incompatible shapes %v and %v", a.Shape, b.Shape)
	}
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	h, w := a.Shape[2], a.Shape[3]
	out := tensor.New(n, ca+cb, h, w)
	plane := h * w
	for bi := 0; bi < n; bi++ {
		for ch := 0; ch < ca; ch++ {
			copy(out.Data[(bi*(ca+cb)+ch)*plane:], a.Data[(bi*ca+ch)*plane:(bi*ca+ch+1)*plane])
		}
		for ch := 0; ch < cb; ch++ {
			copy(out.Data[(bi*(ca+cb)+ca+ch)*plane:], b.Data[(bi*cb+ch)*plane:(bi*cb+ch+1)*plane])
		}
	}
	return out, nil
}
