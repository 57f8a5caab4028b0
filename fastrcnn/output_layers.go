package fastrcnn

import (
	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/jfern-1084/detectron2-ResNeST/events"
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/jfern-1084/detectron2-ResNeST/regression"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// OutputLayers are the two linear predictors of the detection head: one
// scoring K foreground classes plus background, one regressing the box
// deltas, both fed by pooled per-region features.
type OutputLayers struct {
	clsScore *layers.Linear
	bboxPred *layers.Linear

	transform *regression.Box2BoxTransform
	cfg       config.ROIBoxConfig
	storage   *events.Storage
}

// NewOutputLayers creates the predictors for pooled features of the given
// width. The classifier weights start at std 0.01 and the regressor at
// std 0.001, both with zero bias. storage may be nil.
func NewOutputLayers(inFeatures int, cfg config.ROIBoxConfig, storage *events.Storage) (*OutputLayers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inFeatures <= 0 {
		return nil, errors.Errorf("feature width must be positive, got %d", inFeatures)
	}
	regClasses := cfg.NumClasses
	if cfg.ClsAgnosticBBoxReg {
		regClasses = 1
	}
	return &OutputLayers{
		clsScore:  layers.NewLinear(inFeatures, cfg.NumClasses+1, 0.01),
		bboxPred:  layers.NewLinear(inFeatures, regClasses*4, 0.001),
		transform: regression.NewBox2BoxTransform(cfg.BBoxRegWeights),
		cfg:       cfg,
		storage:   storage,
	}, nil
}

// Forward computes (R, K+1) class logits and (R, k*4) deltas from (R, F)
// pooled features.
func (l *OutputLayers) Forward(x *tensor.Dense) (logits, deltas *tensor.Dense, err error) {
	if logits, err = l.clsScore.Forward(x); err != nil {
		return nil, nil, errors.Wrap(err, "class scores")
	}
	if deltas, err = l.bboxPred.Forward(x); err != nil {
		return nil, nil, errors.Wrap(err, "box deltas")
	}
	return logits, deltas, nil
}

func (l *OutputLayers) outputs(logits, deltas *tensor.Dense, proposals []*structures.Proposals) (*Outputs, error) {
	return NewOutputs(l.transform, logits, deltas, proposals, l.cfg, l.storage)
}

// Losses computes the training losses for one batch of predictions.
func (l *OutputLayers) Losses(logits, deltas *tensor.Dense, proposals []*structures.Proposals) (map[string]float32, error) {
	o, err := l.outputs(logits, deltas, proposals)
	if err != nil {
		return nil, err
	}
	return o.Losses()
}

// Inference decodes one batch of predictions into final detections using
// the configured thresholds.
func (l *OutputLayers) Inference(logits, deltas *tensor.Dense, proposals []*structures.Proposals) ([]*structures.Detections, error) {
	o, err := l.outputs(logits, deltas, proposals)
	if err != nil {
		return nil, err
	}
	return o.Inference(l.cfg.ScoreThresh, l.cfg.NMSThresh, l.cfg.DetectionsPerImage)
}

// PredictBoxes decodes the regressed boxes per image.
func (l *OutputLayers) PredictBoxes(logits, deltas *tensor.Dense, proposals []*structures.Proposals) ([]*tensor.Dense, error) {
	o, err := l.outputs(logits, deltas, proposals)
	if err != nil {
		return nil, err
	}
	return o.PredictBoxes()
}

// PredictProbs computes the class probabilities per image.
func (l *OutputLayers) PredictProbs(logits, deltas *tensor.Dense, proposals []*structures.Proposals) ([]*tensor.Dense, error) {
	o, err := l.outputs(logits, deltas, proposals)
	if err != nil {
		return nil, err
	}
	return o.PredictProbs()
}
