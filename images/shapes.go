// Package images - Image geometry and input-preparation utilities.
package images

// Rect is a lightweight axis-aligned bounding box in xyxy order.
type Rect struct {
	// X2,Y2 are exclusive, like image.Rectangle.
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float32 { return r.X2 - r.X1 }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

// Area returns the area of the rectangle. Degenerate rectangles have area 0.
func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// CalculateIoU computes the Intersection over Union of two rectangles.
//
// IoU = Area of Intersection / Area of Union. A value of 1.0 means the
// rectangles coincide, 0.0 means they do not overlap at all. Non-overlapping
// and degenerate inputs return 0 rather than dividing by zero.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0 representing the IoU score.
func CalculateIoU(r, o Rect) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	// Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}
	return interArea / unionArea
}
