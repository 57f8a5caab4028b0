package structures

import "github.com/pkg/errors"

// Proposals holds the candidate boxes for a single image, together with the
// matched ground truth when training. Created by a region proposal stage,
// consumed once per forward pass.
type Proposals struct {
	// Boxes are the proposal boxes, (Ri, 4) xyxy.
	Boxes *Boxes
	// Size is the image the proposals belong to.
	Size ImageSize
	// GTClasses holds, per proposal, the matched class id in [0, K] where K
	// is the background class. Present only during training.
	GTClasses []int
	// GTBoxes holds the matched ground-truth box per proposal. Present only
	// during training.
	GTBoxes *Boxes
}

// Len returns the number of proposals for this image.
func (p *Proposals) Len() int { return p.Boxes.Len() }

// HasGT reports whether ground-truth annotations are attached.
func (p *Proposals) HasGT() bool { return p.GTBoxes != nil }

// Validate checks internal consistency of the proposal set.
func (p *Proposals) Validate() error {
	if p.Boxes == nil {
		return errors.New("proposals have no boxes")
	}
	if p.GTBoxes != nil {
		if p.GTBoxes.Len() != p.Boxes.Len() {
			return errors.Errorf("ground-truth box count %d does not match proposal count %d",
				p.GTBoxes.Len(), p.Boxes.Len())
		}
		if len(p.GTClasses) != p.Boxes.Len() {
			return errors.Errorf("ground-truth class count %d does not match proposal count %d",
				len(p.GTClasses), p.Boxes.Len())
		}
	}
	return nil
}

// Detections holds the final per-image output of the detection head.
type Detections struct {
	// Size is the image the detections belong to.
	Size ImageSize
	// Boxes are the detected boxes, clipped to the image bounds.
	Boxes *Boxes
	// Scores are the per-detection confidence scores, descending.
	Scores []float32
	// Classes are the predicted foreground class ids in [0, K).
	Classes []int
	// RegionIndices maps each detection back to the row of the decoder input
	// it originated from, so callers can correlate with other per-region
	// outputs such as masks.
	RegionIndices []int
}

// Len returns the number of detections.
func (d *Detections) Len() int { return d.Boxes.Len() }
