package nn

import (
	"github.com/convnets/zoo/pkg/tensor"
)

// Model is the minimal capability the zoo hands back to callers: an inference
// transform plus enumeration of the named parameter tensors.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Parameter is one named weight tensor of a model. Names are stable across
// constructions of the same variant and are the keys under which pretrained
// tensors are stored.
type Parameter struct {
	Name string
	Data *tensor.Tensor
}

// Sequential chains modules in order.
type Sequential struct {
	Modules []Model
}

// NewSequential builds a Sequential over the given modules.
func NewSequential(modules ...Model) *Sequential {
	return &Sequential{Modules: modules}
}

// Add appends a module.
func (s *Sequential) Add(m Model) {
	s.Modules = append(s.Modules, m)
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, m := range s.Modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.Modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Residual adds the output of body to the output of shortcut and applies an
// optional final ReLU. A nil shortcut is the identity.
type Residual struct {
	Body     Model
	Shortcut Model
	PostReLU bool
}

func (r *Residual) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	branch, err := r.Body.Forward(x)
	if err != nil {
		return nil, err
	}
	identity := x
	if r.Shortcut != nil {
		identity, err = r.Shortcut.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	out, err := tensor.Add(branch, identity)
	if err != nil {
		return nil, err
	}
	if r.PostReLU {
		relu(out.Data)
	}
	return out, nil
}

func (r *Residual) Parameters() []*Parameter {
	params := r.Body.Parameters()
	if r.Shortcut != nil {
		params = append(params, r.Shortcut.Parameters()...)
	}
	return params
}
