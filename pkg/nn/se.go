package nn

import (
	"fmt"

	"github.com/convnets/zoo/pkg/tensor"
)

// SEBlock is a squeeze-and-excitation channel attention block: global average
// pool, bottleneck MLP, sigmoid gate, channel-wise rescale.
type SEBlock struct {
	Down *Linear
	Up   *Linear

	Channels int
}

func NewSEBlock(name string, channels, reduction int) *SEBlock {
	mid := channels / reduction
	if mid < 1 {
		mid = 1
	}
	return &SEBlock{
		Down:     NewLinear(name+".fc1", channels, mid),
		Up:       NewLinear(name+".fc2", mid, channels),
		Channels: channels,
	}
}

func (se *SEBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != se.Channels {
		return nil, fmt.Errorf("se %s: want input [N %d H W], got %v", se.Down.Weight.Name, se.Channels, x.Shape)
	}
	pooled, err := GlobalAvgPool2d{}.Forward(x)
	if err != nil {
		return nil, err
	}
	gate, err := se.Down.Forward(pooled)
	if err != nil {
		return nil, err
	}
	relu(gate.Data)
	gate, err = se.Up.Forward(gate)
	if err != nil {
		return nil, err
	}
	gate, err = Sigmoid{}.Forward(gate)
	if err != nil {
		return nil, err
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(x.Shape...)
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			g := gate.Data[b*c+ch]
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				out.Data[base+i] = x.Data[base+i] * g
			}
		}
	}
	return out, nil
}

func (se *SEBlock) Parameters() []*Parameter {
	return append(se.Down.Parameters(), se.Up.Parameters()...)
}
