// Package fastrcnn - The detection head of a two-stage detector: it turns
// per-region classification logits and box-regression deltas into losses
// during training and into final detections during inference.
package fastrcnn

import (
	"github.com/chewxy/math32"
	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/jfern-1084/detectron2-ResNeST/events"
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/jfern-1084/detectron2-ResNeST/regression"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const iouEps = 1e-7

// Outputs holds the raw head predictions for a batch of images together with
// the proposals they were computed from, and decodes them into losses,
// per-class boxes, probabilities or final detections.
//
// Logits have shape (R, K+1) where R is the total region count over the
// batch and the last column is the background class. Deltas have shape
// (R, 4) for class-agnostic regression or (R, K*4) otherwise.
type Outputs struct {
	transform *regression.Box2BoxTransform
	logits    *tensor.Dense
	deltas    *tensor.Dense

	perImage []int
	sizes    []structures.ImageSize

	proposalBoxes *structures.Boxes
	gtBoxes       *structures.Boxes
	gtClasses     []int

	beta       float32
	lossKind   string
	lossWeight float32
	storage    *events.Storage
}

// NewOutputs validates and bundles one batch of head predictions. The loss
// kind is checked here so a misconfigured head fails before any loss is
// computed. storage may be nil to discard accuracy metrics.
func NewOutputs(
	transform *regression.Box2BoxTransform,
	logits, deltas *tensor.Dense,
	proposals []*structures.Proposals,
	cfg config.ROIBoxConfig,
	storage *events.Storage,
) (*Outputs, error) {
	switch cfg.Loss {
	case config.LossSmoothL1, config.LossDIoU, config.LossCIoU, config.LossDIoUBox:
	default:
		return nil, errors.Errorf("unrecognized box-regression loss %q", cfg.Loss)
	}

	ls := logits.Shape()
	if len(ls) != 2 || ls[1] < 2 {
		return nil, errors.Errorf("logits must have shape (R, K+1) with K >= 1, got %v", ls)
	}
	ds := deltas.Shape()
	if len(ds) != 2 || ds[1]%4 != 0 || ds[1] == 0 {
		return nil, errors.Errorf("deltas must have shape (R, k*4), got %v", ds)
	}
	if ls[0] != ds[0] {
		return nil, errors.Errorf("logit rows %d do not match delta rows %d", ls[0], ds[0])
	}

	o := &Outputs{
		transform:  transform,
		logits:     logits,
		deltas:     deltas,
		beta:       cfg.SmoothL1Beta,
		lossKind:   cfg.Loss,
		lossWeight: cfg.LossWeight,
		storage:    storage,
	}

	total := 0
	withGT := 0
	boxLists := make([]*structures.Boxes, 0, len(proposals))
	gtLists := make([]*structures.Boxes, 0, len(proposals))
	for i, p := range proposals {
		if err := p.Validate(); err != nil {
			return nil, errors.Wrapf(err, "proposals for image %d", i)
		}
		total += p.Len()
		o.perImage = append(o.perImage, p.Len())
		o.sizes = append(o.sizes, p.Size)
		boxLists = append(boxLists, p.Boxes)
		if p.HasGT() {
			withGT++
			gtLists = append(gtLists, p.GTBoxes)
			o.gtClasses = append(o.gtClasses, p.GTClasses...)
		}
	}
	if total != ls[0] {
		return nil, errors.Errorf("proposals carry %d regions but predictions have %d rows",
			total, ls[0])
	}
	if withGT != 0 && withGT != len(proposals) {
		return nil, errors.New("ground truth must be attached to all images or none")
	}

	o.proposalBoxes = structures.CatBoxes(boxLists...)
	if withGT > 0 {
		o.gtBoxes = structures.CatBoxes(gtLists...)
	}
	return o, nil
}

func (o *Outputs) numRegions() int { return o.logits.Shape()[0] }

// numClasses returns K, the foreground class count.
func (o *Outputs) numClasses() int { return o.logits.Shape()[1] - 1 }

func (o *Outputs) requireGT() error {
	if o.gtBoxes == nil {
		return errors.New("losses require proposals with matched ground truth")
	}
	return nil
}

// foregroundIndices returns the region rows whose matched class is a real
// object rather than background.
func (o *Outputs) foregroundIndices() []int {
	bg := o.numClasses()
	var fg []int
	for i, c := range o.gtClasses {
		if c >= 0 && c < bg {
			fg = append(fg, i)
		}
	}
	return fg
}

// SoftmaxCrossEntropyLoss computes the mean classification loss. The empty
// batch contributes exactly zero.
func (o *Outputs) SoftmaxCrossEntropyLoss() (float32, error) {
	if o.numRegions() == 0 {
		return 0, nil
	}
	if err := o.requireGT(); err != nil {
		return 0, err
	}
	o.logAccuracy()
	loss, err := layers.CrossEntropyMean(o.logits, o.gtClasses)
	return loss, errors.Wrap(err, "classification loss")
}

// logAccuracy reports classification quality to the event storage: overall
// accuracy, foreground accuracy, and the fraction of foreground regions
// predicted as background.
func (o *Outputs) logAccuracy() {
	r := o.numRegions()
	bg := o.numClasses()
	d := o.logits.Data().([]float32)
	cols := bg + 1

	accurate, fg, fgAccurate, falseNegative := 0, 0, 0, 0
	for i := 0; i < r; i++ {
		row := d[i*cols : (i+1)*cols]
		pred := 0
		for j, v := range row {
			if v > row[pred] {
				pred = j
			}
		}
		gt := o.gtClasses[i]
		if pred == gt {
			accurate++
		}
		if gt >= 0 && gt < bg {
			fg++
			if pred == gt {
				fgAccurate++
			}
			if pred == bg {
				falseNegative++
			}
		}
	}

	o.storage.PutScalar("fast_rcnn/cls_accuracy", float64(accurate)/float64(r))
	if fg > 0 {
		o.storage.PutScalar("fast_rcnn/fg_cls_accuracy", float64(fgAccurate)/float64(fg))
		o.storage.PutScalar("fast_rcnn/false_negative", float64(falseNegative)/float64(fg))
	}
}

// SmoothL1Loss computes the box-regression loss in delta space on foreground
// regions only, normalized by the total region count so every foreground
// example carries equal influence regardless of batch composition.
func (o *Outputs) SmoothL1Loss() (float32, error) {
	if o.numRegions() == 0 {
		return 0, nil
	}
	if err := o.requireGT(); err != nil {
		return 0, err
	}

	gtDeltas, err := o.transform.GetDeltas(o.proposalBoxes, o.gtBoxes)
	if err != nil {
		return 0, errors.Wrap(err, "encoding regression targets")
	}
	gd := gtDeltas.Data().([]float32)
	pd := o.deltas.Data().([]float32)
	cols := o.deltas.Shape()[1]
	clsAgnostic := cols == 4

	fg := o.foregroundIndices()
	pred := make([]float32, 0, len(fg)*4)
	target := make([]float32, 0, len(fg)*4)
	for _, i := range fg {
		col := 0
		if !clsAgnostic {
			col = 4 * o.gtClasses[i]
		}
		pred = append(pred, pd[i*cols+col:i*cols+col+4]...)
		target = append(target, gd[i*4:i*4+4]...)
	}

	sum, err := layers.SmoothL1Sum(pred, target, o.beta)
	if err != nil {
		return 0, err
	}
	return sum / float32(o.numRegions()), nil
}

// decodeDeltas turns weighted deltas into boxes around the origin: the
// center is the unscaled offset itself and the sides come from the clamped,
// exponentiated size terms. Both losses operating purely in delta space use
// this decode for predictions and targets alike.
func (o *Outputs) decodeDeltas(deltas []float32) (x1, y1, x2, y2 []float32) {
	n := len(deltas) / 4
	x1 = make([]float32, n)
	y1 = make([]float32, n)
	x2 = make([]float32, n)
	y2 = make([]float32, n)
	w := o.transform.Weights
	for i := 0; i < n; i++ {
		dx := deltas[i*4+0] / w[0]
		dy := deltas[i*4+1] / w[1]
		dw := min(deltas[i*4+2]/w[2], o.transform.ScaleClamp)
		dh := min(deltas[i*4+3]/w[3], o.transform.ScaleClamp)

		pw := math32.Exp(dw)
		ph := math32.Exp(dh)
		x1[i] = dx - 0.5*pw
		y1[i] = dy - 0.5*ph
		x2[i] = dx + 0.5*pw
		y2[i] = dy + 0.5*ph
	}
	return x1, y1, x2, y2
}

// computeDIoU is the distance-IoU loss in delta space: foreground rows are
// decoded around the origin and penalized by one minus IoU plus the squared
// normalized center distance. The intersection term is signed, so disjoint
// boxes contribute a negative IoU.
func (o *Outputs) computeDIoU() (float32, error) {
	gtDeltas, err := o.transform.GetDeltas(o.proposalBoxes, o.gtBoxes)
	if err != nil {
		return 0, errors.Wrap(err, "encoding regression targets")
	}
	gd := gtDeltas.Data().([]float32)
	pd := o.deltas.Data().([]float32)
	cols := o.deltas.Shape()[1]

	fg := o.foregroundIndices()
	pred := make([]float32, 0, len(fg)*4)
	target := make([]float32, 0, len(fg)*4)
	for _, i := range fg {
		pred = append(pred, pd[i*cols:i*cols+4]...)
		target = append(target, gd[i*4:i*4+4]...)
	}

	x1, y1, x2, y2 := o.decodeDeltas(pred)
	x1g, y1g, x2g, y2g := o.decodeDeltas(target)

	var sum float32
	for i := range x1 {
		px2 := max(x1[i], x2[i])
		py2 := max(y1[i], y2[i])

		xi1 := max(x1[i], x1g[i])
		yi1 := max(y1[i], y1g[i])
		xi2 := min(px2, x2g[i])
		yi2 := min(py2, y2g[i])
		intersection := (xi2 - xi1) * (yi2 - yi1)

		union := (px2-x1[i])*(py2-y1[i]) + (x2g[i]-x1g[i])*(y2g[i]-y1g[i]) - intersection + iouEps
		iou := intersection / union

		xc1 := min(x1[i], x1g[i])
		yc1 := min(y1[i], y1g[i])
		xc2 := max(px2, x2g[i])
		yc2 := max(py2, y2g[i])
		c := sq(xc2-xc1) + sq(yc2-yc1) + iouEps

		pcx := (px2 + x1[i]) / 2
		pcy := (py2 + y1[i]) / 2
		gcx := (x1g[i] + x2g[i]) / 2
		gcy := (y1g[i] + y2g[i]) / 2
		d := sq(pcx-gcx) + sq(pcy-gcy)

		sum += 1 - (iou - d/c)
	}
	return sum / float32(o.numRegions()) * o.lossWeight, nil
}

// computeDIoUBox is the distance-IoU loss in absolute image coordinates:
// foreground deltas are decoded against their proposals and compared with
// the matched ground-truth boxes. Unlike the delta-space variant the
// intersection is clamped at zero and the penalty uses the euclidean rather
// than squared distances.
func (o *Outputs) computeDIoUBox() (float32, error) {
	predicted, err := o.predictBoxesFlat()
	if err != nil {
		return 0, err
	}
	pd := predicted.Data().([]float32)
	cols := predicted.Shape()[1]
	gd := o.gtBoxes.Data()

	var sum float32
	for _, i := range o.foregroundIndices() {
		x1, y1, x2, y2 := pd[i*cols+0], pd[i*cols+1], pd[i*cols+2], pd[i*cols+3]
		x1g, y1g, x2g, y2g := gd[i*4+0], gd[i*4+1], gd[i*4+2], gd[i*4+3]
		if x2 < x1 || y2 < y1 {
			return 0, errors.Errorf("bad predicted box at region %d: x2/y2 smaller than x1/y1", i)
		}

		xi1 := max(x1, x1g)
		yi1 := max(y1, y1g)
		xi2 := min(x2, x2g)
		yi2 := min(y2, y2g)
		var intersection float32
		if xi2 > xi1 && yi2 > yi1 {
			intersection = (xi2 - xi1) * (yi2 - yi1)
		}
		union := (x2-x1)*(y2-y1) + (x2g-x1g)*(y2g-y1g) - intersection
		iou := intersection / (union + iouEps)

		xc1 := min(x1, x1g)
		yc1 := min(y1, y1g)
		xc2 := max(x2, x2g)
		yc2 := max(y2, y2g)
		c := math32.Sqrt(sq(xc2-xc1) + sq(yc2-yc1) + iouEps)
		d := math32.Sqrt(sq((x2+x1)/2-(x1g+x2g)/2) + sq((y2+y1)/2-(y1g+y2g)/2))

		sum += 1 - (iou - d/c)
	}
	return sum / float32(o.numRegions()) * o.lossWeight, nil
}

// computeCIoU is the complete-IoU loss in delta space: every region is
// decoded, the aspect-ratio consistency term is weighted by a trade-off
// factor computed from detached values, and only foreground rows enter the
// final reduction.
func (o *Outputs) computeCIoU() (float32, error) {
	gtDeltas, err := o.transform.GetDeltas(o.proposalBoxes, o.gtBoxes)
	if err != nil {
		return 0, errors.Wrap(err, "encoding regression targets")
	}
	gd := gtDeltas.Data().([]float32)
	pd := o.deltas.Data().([]float32)
	cols := o.deltas.Shape()[1]
	r := o.numRegions()

	pred := make([]float32, 0, r*4)
	for i := 0; i < r; i++ {
		pred = append(pred, pd[i*cols:i*cols+4]...)
	}
	x1, y1, x2, y2 := o.decodeDeltas(pred)
	x1g, y1g, x2g, y2g := o.decodeDeltas(gd)

	ciou := make([]float32, r)
	for i := 0; i < r; i++ {
		px2 := max(x1[i], x2[i])
		py2 := max(y1[i], y2[i])
		pw := px2 - x1[i]
		ph := py2 - y1[i]
		gw := x2g[i] - x1g[i]
		gh := y2g[i] - y1g[i]

		xi1 := max(x1[i], x1g[i])
		yi1 := max(y1[i], y1g[i])
		xi2 := min(px2, x2g[i])
		yi2 := min(py2, y2g[i])
		var intersection float32
		if xi2 > xi1 && yi2 > yi1 {
			intersection = (xi2 - xi1) * (yi2 - yi1)
		}
		union := pw*ph + gw*gh - intersection + iouEps
		iou := intersection / union

		xc1 := min(x1[i], x1g[i])
		yc1 := min(y1[i], y1g[i])
		xc2 := max(px2, x2g[i])
		yc2 := max(py2, y2g[i])
		c := sq(xc2-xc1) + sq(yc2-yc1) + iouEps
		d := sq((px2+x1[i])/2-(x1g[i]+x2g[i])/2) + sq((py2+y1[i])/2-(y1g[i]+y2g[i])/2)
		u := d / c

		v := 4 / (math32.Pi * math32.Pi) * sq(math32.Atan(gw/gh)-math32.Atan(pw/ph))
		alpha := v / (1 - iou + v)

		ciou[i] = iou - (u + alpha*v)
	}

	var sum float32
	for _, i := range o.foregroundIndices() {
		sum += 1 - ciou[i]
	}
	return sum / float32(r) * o.lossWeight, nil
}

// boxRegLoss dispatches to the configured box-regression loss. The empty
// batch contributes exactly zero.
func (o *Outputs) boxRegLoss() (float32, error) {
	if o.numRegions() == 0 {
		return 0, nil
	}
	if err := o.requireGT(); err != nil {
		return 0, err
	}
	switch o.lossKind {
	case config.LossDIoU:
		return o.computeDIoU()
	case config.LossCIoU:
		return o.computeCIoU()
	case config.LossDIoUBox:
		return o.computeDIoUBox()
	default:
		return o.SmoothL1Loss()
	}
}

// Losses computes the classification and box-regression losses, keyed
// "loss_cls" and "loss_box_reg".
func (o *Outputs) Losses() (map[string]float32, error) {
	cls, err := o.SoftmaxCrossEntropyLoss()
	if err != nil {
		return nil, err
	}
	box, err := o.boxRegLoss()
	if err != nil {
		return nil, err
	}
	return map[string]float32{"loss_cls": cls, "loss_box_reg": box}, nil
}

// predictBoxesFlat decodes all deltas against their proposals, yielding
// (R, k*4) absolute boxes.
func (o *Outputs) predictBoxesFlat() (*tensor.Dense, error) {
	return o.transform.ApplyDeltas(o.deltas, o.proposalBoxes)
}

// PredictBoxes returns the decoded class-specific (Ri, K*4) or class-agnostic
// (Ri, 4) boxes, split per image.
func (o *Outputs) PredictBoxes() ([]*tensor.Dense, error) {
	boxes, err := o.predictBoxesFlat()
	if err != nil {
		return nil, err
	}
	return splitRows(boxes, o.perImage), nil
}

// PredictBoxesForGTClasses returns, per image, one (Ri, 4) box per region
// selected by its matched class. Background and ignored matches clamp into
// the valid class range. For a class-agnostic head this equals PredictBoxes.
func (o *Outputs) PredictBoxesForGTClasses() ([]*tensor.Dense, error) {
	if err := o.requireGT(); err != nil {
		return nil, err
	}
	boxes, err := o.predictBoxesFlat()
	if err != nil {
		return nil, err
	}
	cols := boxes.Shape()[1]
	if cols > 4 {
		r := o.numRegions()
		var d []float32
		if r > 0 {
			d = boxes.Data().([]float32)
		}
		k := cols / 4
		selected := make([]float32, r*4)
		for i := 0; i < r; i++ {
			cls := o.gtClasses[i]
			if cls < 0 {
				cls = 0
			}
			if cls > k-1 {
				cls = k - 1
			}
			copy(selected[i*4:], d[i*cols+cls*4:i*cols+cls*4+4])
		}
		boxes = tensor.New(
			tensor.WithShape(r, 4),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(selected),
		)
	}
	return splitRows(boxes, o.perImage), nil
}

// PredictProbs returns the (Ri, K+1) softmax class probabilities per image.
func (o *Outputs) PredictProbs() ([]*tensor.Dense, error) {
	probs, err := layers.SoftmaxRows(o.logits)
	if err != nil {
		return nil, err
	}
	return splitRows(probs, o.perImage), nil
}

// Inference decodes the predictions into final per-image detections.
func (o *Outputs) Inference(scoreThresh, nmsThresh float32, topkPerImage int) ([]*structures.Detections, error) {
	boxes, err := o.PredictBoxes()
	if err != nil {
		return nil, err
	}
	probs, err := o.PredictProbs()
	if err != nil {
		return nil, err
	}
	return Inference(boxes, probs, o.sizes, scoreThresh, nmsThresh, topkPerImage)
}

// splitRows partitions a (R, C) tensor into per-image tensors of the given
// row counts. The returned tensors share the input's backing storage.
func splitRows(t *tensor.Dense, counts []int) []*tensor.Dense {
	// Dense.Data panics on zero-row tensors.
	d := []float32{}
	if t.Shape()[0] > 0 {
		d = t.Data().([]float32)
	}
	cols := t.Shape()[1]
	out := make([]*tensor.Dense, len(counts))
	offset := 0
	for i, n := range counts {
		out[i] = tensor.New(
			tensor.WithShape(n, cols),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(d[offset*cols:(offset+n)*cols:(offset+n)*cols]),
		)
		offset += n
	}
	return out
}

func sq(v float32) float32 { return v * v }
