package backbone

import (
	"fmt"

	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Stage is a named sequence of residual blocks with uniform output width.
type Stage struct {
	Name   string
	Blocks []Block
}

// ResNet assembles a stem, residual stages and an optional linear
// classification head, and exposes the intermediate feature maps requested
// at construction.
type ResNet struct {
	stem   *BasicStem
	stages []Stage

	linearW *G.Node
	linearB *G.Node

	outFeatures     []string
	featureChannels map[string]int
	featureStrides  map[string]int
	frozenStages    int
	stemFrozen      bool
}

// NewResNet wires a stem and stages into a network. outFeatures selects the
// returned maps by name (stem, res2..res5, linear); nil defaults to the last
// stage. numClasses > 0 attaches a global-average-pooled linear classifier.
func NewResNet(g *G.ExprGraph, stem *BasicStem, stages []Stage, numClasses int, outFeatures []string) (*ResNet, error) {
	if stem == nil {
		return nil, errors.New("resnet requires a stem")
	}
	r := &ResNet{
		stem:            stem,
		stages:          stages,
		featureChannels: map[string]int{"stem": stem.OutChannels()},
		featureStrides:  map[string]int{"stem": stem.Stride()},
	}

	currentStride := stem.Stride()
	currentChannels := stem.OutChannels()
	for _, stage := range stages {
		if len(stage.Blocks) == 0 {
			return nil, errors.Errorf("stage %s has no blocks", stage.Name)
		}
		for i, b := range stage.Blocks {
			if b.InChannels() != currentChannels {
				return nil, errors.Errorf("stage %s block %d expects %d channels, previous stage produces %d",
					stage.Name, i, b.InChannels(), currentChannels)
			}
			currentStride *= b.Stride()
			currentChannels = b.OutChannels()
		}
		r.featureChannels[stage.Name] = currentChannels
		r.featureStrides[stage.Name] = currentStride
	}

	if numClasses > 0 {
		r.linearW = G.NewTensor(g, tensor.Float32, 2,
			G.WithShape(currentChannels, numClasses),
			G.WithName("linear.w"),
			G.WithInit(G.Gaussian(0, 0.01)))
		r.linearB = G.NewTensor(g, tensor.Float32, 2,
			G.WithShape(1, numClasses),
			G.WithName("linear.b"),
			G.WithInit(G.Zeroes()))
		r.featureChannels["linear"] = numClasses
	}

	if len(outFeatures) == 0 {
		if len(stages) == 0 {
			return nil, errors.New("resnet requires at least one stage")
		}
		outFeatures = []string{stages[len(stages)-1].Name}
		if numClasses > 0 {
			outFeatures = []string{"linear"}
		}
	}
	for _, f := range outFeatures {
		if _, ok := r.featureChannels[f]; !ok {
			return nil, errors.Errorf("unknown out feature %q", f)
		}
	}
	r.outFeatures = outFeatures
	return r, nil
}

// Forward runs the network on a (N, C, H, W) input and returns the requested
// feature maps by name. Stages past the last requested feature are skipped.
func (r *ResNet) Forward(x *G.Node) (map[string]*G.Node, error) {
	wanted := make(map[string]bool, len(r.outFeatures))
	for _, f := range r.outFeatures {
		wanted[f] = true
	}
	outputs := make(map[string]*G.Node, len(r.outFeatures))

	out, err := r.stem.Forward(x)
	if err != nil {
		return nil, err
	}
	if wanted["stem"] {
		outputs["stem"] = out
	}

	for _, stage := range r.stages {
		if len(outputs) == len(r.outFeatures) && !wanted["linear"] {
			break
		}
		for _, b := range stage.Blocks {
			if out, err = b.Forward(out); err != nil {
				return nil, errors.Wrapf(err, "stage %s", stage.Name)
			}
		}
		if wanted[stage.Name] {
			outputs[stage.Name] = out
		}
	}

	if wanted["linear"] {
		pooled, err := layers.GlobalAvgPool2d(out)
		if err != nil {
			return nil, err
		}
		logits, err := G.Mul(pooled, r.linearW)
		if err != nil {
			return nil, errors.Wrap(err, "classifier projection")
		}
		if logits, err = G.BroadcastAdd(logits, r.linearB, nil, []byte{0}); err != nil {
			return nil, errors.Wrap(err, "classifier bias")
		}
		outputs["linear"] = logits
	}
	return outputs, nil
}

// OutputShape describes the channel count and total stride of each requested
// feature map. The linear head, having no spatial extent, is not included.
func (r *ResNet) OutputShape() map[string]layers.ShapeSpec {
	shapes := make(map[string]layers.ShapeSpec, len(r.outFeatures))
	for _, f := range r.outFeatures {
		if f == "linear" {
			continue
		}
		shapes[f] = layers.ShapeSpec{
			Channels: r.featureChannels[f],
			Stride:   r.featureStrides[f],
		}
	}
	return shapes
}

// Freeze freezes the stem at level 1 and stage res(i) at level i. It returns
// the receiver so construction can chain it.
func (r *ResNet) Freeze(at int) *ResNet {
	if at >= 1 && !r.stemFrozen {
		r.stem.Freeze()
		r.stemFrozen = true
	}
	for i, stage := range r.stages {
		if at >= i+2 && i >= r.frozenStages {
			for _, b := range stage.Blocks {
				b.Freeze()
			}
		}
	}
	if n := at - 1; n > r.frozenStages {
		r.frozenStages = n
	}
	return r
}

// Learnables returns the trainable parameters of every unfrozen module.
func (r *ResNet) Learnables() G.Nodes {
	params := r.stem.Learnables()
	for _, stage := range r.stages {
		for _, b := range stage.Blocks {
			params = append(params, b.Learnables()...)
		}
	}
	if r.linearW != nil {
		params = append(params, r.linearW, r.linearB)
	}
	return params
}

// BuildResNet constructs the backbone described by cfg on the given graph.
// Radix > 1 implies the deep stem, AVD and AvgDown; the res5 dilation trades
// the last stage's stride for dilated 3x3 convolutions.
func BuildResNet(g *G.ExprGraph, cfg config.ResNetConfig) (*ResNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	numBlocks, err := config.NumBlocksPerStage(cfg.Depth)
	if err != nil {
		return nil, err
	}

	radix := cfg.Radix
	if radix < 1 {
		radix = 1
	}
	deepStem := cfg.DeepStem || radix > 1
	avd := cfg.AVD || radix > 1
	avgDown := cfg.AvgDown || radix > 1

	stem, err := NewBasicStem(g, cfg.StemInChannels, cfg.StemOutChannels, cfg.Norm,
		deepStem, config.StemWidth(cfg.Depth))
	if err != nil {
		return nil, err
	}

	// Build only up to the deepest requested stage.
	maxStage := 2
	needAll := cfg.NumClasses > 0
	for _, f := range cfg.OutFeatures {
		switch f {
		case "res3":
			if maxStage < 3 {
				maxStage = 3
			}
		case "res4":
			if maxStage < 4 {
				maxStage = 4
			}
		case "res5", "linear":
			needAll = true
		}
	}
	if needAll || len(cfg.OutFeatures) == 0 {
		maxStage = 5
	}

	basic := cfg.Depth == 18 || cfg.Depth == 34
	inChannels := stem.OutChannels()
	outChannels := cfg.Res2OutChannels
	bottleneckChannels := cfg.NumGroups * cfg.WidthPerGroup

	var stages []Stage
	for stageIdx := 2; stageIdx <= maxStage; stageIdx++ {
		idx := stageIdx - 2
		dilation := 1
		if stageIdx == 5 && cfg.Res5Dilation == 2 {
			dilation = 2
		}
		firstStride := 2
		if idx == 0 || dilation == 2 {
			firstStride = 1
		}

		kind := BottleneckBlockKind
		if basic {
			kind = BasicBlockKind
		} else if len(cfg.DeformOnPerStage) == 4 && cfg.DeformOnPerStage[idx] {
			kind = DeformBottleneckBlockKind
		}

		name := fmt.Sprintf("res%d", stageIdx)
		blocks, err := MakeStage(g, kind, name, numBlocks[idx], firstStride,
			inChannels, outChannels, BlockParams{
				BottleneckChannels: bottleneckChannels,
				NumGroups:          cfg.NumGroups,
				Norm:               cfg.Norm,
				StrideIn1x1:        cfg.StrideIn1x1,
				Dilation:           dilation,
				AVD:                avd,
				AvgDown:            avgDown,
				Radix:              radix,
				BottleneckWidth:    cfg.BottleneckWidth,
				DeformModulated:    cfg.DeformModulated,
				DeformNumGroups:    cfg.DeformNumGroups,
			})
		if err != nil {
			return nil, err
		}
		stages = append(stages, Stage{Name: name, Blocks: blocks})

		inChannels = outChannels
		outChannels *= 2
		bottleneckChannels *= 2
	}

	r, err := NewResNet(g, stem, stages, cfg.NumClasses, cfg.OutFeatures)
	if err != nil {
		return nil, err
	}
	return r.Freeze(cfg.FreezeAt), nil
}
