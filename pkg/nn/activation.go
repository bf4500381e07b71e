package nn

import (
	"math"

	"github.com/convnets/zoo/pkg/tensor"
)

func relu(data []float64) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// ReLU is a stateless rectifier.
type ReLU struct{}

func (ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	relu(out.Data)
	return out, nil
}

func (ReLU) Parameters() []*Parameter { return nil }

// Sigmoid is a stateless logistic activation.
type Sigmoid struct{}

func (Sigmoid) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = 1 / (1 + math.Exp(-v))
	}
	return out, nil
}

func (Sigmoid) Parameters() []*Parameter { return nil }
