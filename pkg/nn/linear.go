package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/convnets/zoo/pkg/tensor"
)

// Linear is a fully-connected layer over [N, in] input.
type Linear struct {
	Weight *Parameter // [out, in]
	Bias   *Parameter // [out]

	InFeatures  int
	OutFeatures int
}

func NewLinear(name string, in, out int) *Linear {
	l := &Linear{InFeatures: in, OutFeatures: out}
	w := tensor.New(out, in)
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(in))}
	for i := range w.Data {
		w.Data[i] = dist.Rand()
	}
	l.Weight = &Parameter{Name: name + ".weight", Data: w}
	l.Bias = &Parameter{Name: name + ".bias", Data: tensor.New(out)}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.InFeatures {
		return nil, fmt.Errorf("linear %s: want input [N %d], got %v", l.Weight.Name, l.InFeatures, x.Shape)
	}
	n := x.Shape[0]
	xm := mat.NewDense(n, l.InFeatures, x.Data)
	wm := mat.NewDense(l.OutFeatures, l.InFeatures, l.Weight.Data.Data)

	var ym mat.Dense
	ym.Mul(xm, wm.T())

	out := tensor.New(n, l.OutFeatures)
	for i := 0; i < n; i++ {
		for j := 0; j < l.OutFeatures; j++ {
			out.Data[i*l.OutFeatures+j] = ym.At(i, j) + l.Bias.Data.Data[j]
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.Weight, l.Bias}
}
