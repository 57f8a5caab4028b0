package layers

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Norm is a channelwise normalization applied after a convolution. Freeze
// fixes batch statistics to inference mode and removes the affine
// parameters from the learnable set.
type Norm interface {
	Forward(x *G.Node) (*G.Node, error)
	Learnables() G.Nodes
	Freeze()
}

// NewNorm builds a normalization of the given kind for the given channel
// count. Supported kinds are "" (none), "BN" and "FrozenBN".
func NewNorm(g *G.ExprGraph, name, kind string, channels int) (Norm, error) {
	switch kind {
	case "":
		return noopNorm{}, nil
	case "BN":
		return newBatchNorm(g, name, channels), nil
	case "FrozenBN":
		return newFrozenBatchNorm(g, name, channels), nil
	default:
		return nil, errors.Errorf("unknown norm kind %q", kind)
	}
}

type noopNorm struct{}

func (noopNorm) Forward(x *G.Node) (*G.Node, error) { return x, nil }
func (noopNorm) Learnables() G.Nodes                { return nil }
func (noopNorm) Freeze()                            {}

// frozenBatchNorm is an affine transform with fixed statistics folded into
// its scale and bias. It is the standard normalization for detection
// backbones fine-tuned from classification weights.
type frozenBatchNorm struct {
	scale *G.Node
	bias  *G.Node
}

func newFrozenBatchNorm(g *G.ExprGraph, name string, channels int) *frozenBatchNorm {
	return &frozenBatchNorm{
		scale: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(1, channels, 1, 1),
			G.WithName(name+".scale"),
			G.WithInit(G.Ones())),
		bias: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(1, channels, 1, 1),
			G.WithName(name+".bias"),
			G.WithInit(G.Zeroes())),
	}
}

func (n *frozenBatchNorm) Forward(x *G.Node) (*G.Node, error) {
	scaled, err := G.BroadcastHadamardProd(x, n.scale, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "frozen batch norm scale")
	}
	out, err := G.BroadcastAdd(scaled, n.bias, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "frozen batch norm bias")
	}
	return out, nil
}

// Learnables is empty: frozen statistics never train.
func (n *frozenBatchNorm) Learnables() G.Nodes { return nil }
func (n *frozenBatchNorm) Freeze()             {}

// batchNorm tracks running statistics during training. Freezing switches
// every instantiated op to inference mode.
type batchNorm struct {
	scale  *G.Node
	bias   *G.Node
	ops    []*G.BatchNormOp
	frozen bool
}

func newBatchNorm(g *G.ExprGraph, name string, channels int) *batchNorm {
	return &batchNorm{
		scale: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(1, channels, 1, 1),
			G.WithName(name+".scale"),
			G.WithInit(G.Ones())),
		bias: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(1, channels, 1, 1),
			G.WithName(name+".bias"),
			G.WithInit(G.Zeroes())),
	}
}

func (n *batchNorm) Forward(x *G.Node) (*G.Node, error) {
	out, _, _, op, err := G.BatchNorm(x, n.scale, n.bias, 0.9, 1e-5)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	if err := op.SetTraining(!n.frozen); err != nil {
		return nil, errors.Wrap(err, "batch norm mode")
	}
	n.ops = append(n.ops, op)
	return out, nil
}

func (n *batchNorm) Learnables() G.Nodes {
	if n.frozen {
		return nil
	}
	return G.Nodes{n.scale, n.bias}
}

func (n *batchNorm) Freeze() {
	n.frozen = true
	for _, op := range n.ops {
		// The mode flip on an instantiated op only records a flag.
		_ = op.SetTraining(false)
	}
}
