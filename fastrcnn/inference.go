package fastrcnn

import (
	"github.com/chewxy/math32"
	"github.com/jfern-1084/detectron2-ResNeST/images"
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Inference runs InferenceSingleImage over a batch. boxes[i] holds the
// decoded (Ri, K*4) class-specific or (Ri, 4) class-agnostic boxes of image
// i, scores[i] the (Ri, K+1) class probabilities with background last.
func Inference(
	boxes, scores []*tensor.Dense,
	sizes []structures.ImageSize,
	scoreThresh, nmsThresh float32,
	topkPerImage int,
) ([]*structures.Detections, error) {
	if len(boxes) != len(scores) || len(boxes) != len(sizes) {
		return nil, errors.Errorf("mismatched batch: %d box lists, %d score lists, %d sizes",
			len(boxes), len(scores), len(sizes))
	}
	out := make([]*structures.Detections, len(boxes))
	for i := range boxes {
		det, err := InferenceSingleImage(boxes[i], scores[i], sizes[i],
			scoreThresh, nmsThresh, topkPerImage)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		out[i] = det
	}
	return out, nil
}

// InferenceSingleImage turns decoded boxes and class probabilities for one
// image into final detections: regions with non-finite values are dropped,
// the background column is removed, boxes are clipped to the image, scores
// are thresholded per class, per-class NMS suppresses duplicates, and the
// topk highest-scoring detections are kept (negative keeps all). Each
// detection records the input region it came from.
func InferenceSingleImage(
	boxes, scores *tensor.Dense,
	size structures.ImageSize,
	scoreThresh, nmsThresh float32,
	topkPerImage int,
) (*structures.Detections, error) {
	bs, ss := boxes.Shape(), scores.Shape()
	if len(bs) != 2 || bs[1]%4 != 0 {
		return nil, errors.Errorf("boxes must have shape (R, k*4), got %v", bs)
	}
	if len(ss) != 2 || ss[1] < 2 {
		return nil, errors.Errorf("scores must have shape (R, K+1), got %v", ss)
	}
	if bs[0] != ss[0] {
		return nil, errors.Errorf("box rows %d do not match score rows %d", bs[0], ss[0])
	}

	r := bs[0]
	boxCols := bs[1]
	numClasses := ss[1] - 1
	regClasses := boxCols / 4
	if regClasses != 1 && regClasses != numClasses {
		return nil, errors.Errorf("box columns %d fit neither 1 nor %d classes", boxCols, numClasses)
	}

	// Dense.Data panics on zero-row tensors; an empty region set yields an
	// empty detection list.
	var bd, sd []float32
	if r > 0 {
		bd = boxes.Data().([]float32)
		sd = scores.Data().([]float32)
	}

	w, h := float32(size.Width), float32(size.Height)

	type candidate struct {
		box    images.Rect
		score  float32
		class  int
		region int
	}
	var candidates []candidate
	for i := 0; i < r; i++ {
		boxRow := bd[i*boxCols : (i+1)*boxCols]
		scoreRow := sd[i*ss[1] : (i+1)*ss[1]]
		if !allFinite(boxRow) || !allFinite(scoreRow) {
			continue
		}
		for k := 0; k < numClasses; k++ {
			if scoreRow[k] <= scoreThresh {
				continue
			}
			col := 0
			if regClasses > 1 {
				col = k * 4
			}
			candidates = append(candidates, candidate{
				box: images.Rect{
					X1: clampCoord(boxRow[col+0], w),
					Y1: clampCoord(boxRow[col+1], h),
					X2: clampCoord(boxRow[col+2], w),
					Y2: clampCoord(boxRow[col+3], h),
				},
				score:  scoreRow[k],
				class:  k,
				region: i,
			})
		}
	}

	rects := make([]images.Rect, len(candidates))
	cscores := make([]float32, len(candidates))
	cclasses := make([]int, len(candidates))
	for i, c := range candidates {
		rects[i] = c.box
		cscores[i] = c.score
		cclasses[i] = c.class
	}
	keep := layers.BatchedNMS(rects, cscores, cclasses, nmsThresh)
	if topkPerImage >= 0 && len(keep) > topkPerImage {
		keep = keep[:topkPerImage]
	}

	data := make([]float32, 0, len(keep)*4)
	det := &structures.Detections{
		Size:          size,
		Scores:        make([]float32, 0, len(keep)),
		Classes:       make([]int, 0, len(keep)),
		RegionIndices: make([]int, 0, len(keep)),
	}
	for _, idx := range keep {
		c := candidates[idx]
		data = append(data, c.box.X1, c.box.Y1, c.box.X2, c.box.Y2)
		det.Scores = append(det.Scores, c.score)
		det.Classes = append(det.Classes, c.class)
		det.RegionIndices = append(det.RegionIndices, c.region)
	}
	kept, err := structures.NewBoxesFromSlice(data)
	if err != nil {
		return nil, err
	}
	det.Boxes = kept
	return det, nil
}

func clampCoord(v, hi float32) float32 {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

func allFinite(vals []float32) bool {
	for _, v := range vals {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}
